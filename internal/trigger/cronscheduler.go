package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowforge/triggers/internal/logger"
	"github.com/flowforge/triggers/pkg/models"
)

// FireFunc is the downstream onFire collaborator (§6): synchronous from
// the scheduler's point of view, returning a run id or an error.
type FireFunc func(ctx context.Context, triggerID string, tctx models.TriggerContext) (string, error)

// CronFireResult mirrors the {triggered, skipped, reason, nextRun} shape
// §4.4 requires from a scheduled fire attempt.
type CronFireResult struct {
	Triggered bool
	Skipped   bool
	Reason    string
	RunID     string
	NextRun   time.Time
	Err       error
}

// CronEntryConfig is everything CronScheduler needs to own one trigger's
// schedule. Condition is the closure §9 calls out as an in-process-only
// function value rather than a persisted expression language; Input is a
// static value carried as the payload of every fire.
type CronEntryConfig struct {
	TriggerID      string
	Schedule       cron.Schedule
	Expression     string
	Timezone       string
	MaxConcurrent  int // 0 = unbounded
	RunImmediately bool
	CatchUp        bool
	Condition      func(models.TriggerContext) bool
	Input          any
	ReportedType   models.TriggerType // TriggerType carried in the fired TriggerContext (cron for both cron and interval triggers)
}

type cronEntry struct {
	cfg        CronEntryConfig
	nextRun    time.Time
	activeRuns int32
	stopCh     chan struct{}
	doneCh     chan struct{}
	wg         sync.WaitGroup // in-flight async fireOnce calls, drained before doneCh closes
}

// CronScheduler maintains the nextTrigger for each enabled cron trigger
// and fires it at that instant, per §4.4. Grounded on the teacher's
// cron_scheduler.go entry bookkeeping, generalized from "delegate to
// cron.Cron's internal goroutine" to an explicit per-trigger
// sleep-then-recompute loop so concurrency caps, condition gating and
// catch-up — none of which cron.Cron exposes — are directly controllable.
type CronScheduler struct {
	mu      sync.RWMutex
	entries map[string]*cronEntry
	onFire  FireFunc

	onSkip    func(triggerID, reason string, nextRun time.Time)
	onSuccess func(triggerID, runID string, firedAt, nextRun time.Time)
	onError   func(triggerID string, err error)
}

// NewCronScheduler creates a scheduler. onFire is invoked on every
// unskipped, ungated firing.
func NewCronScheduler(onFire FireFunc) *CronScheduler {
	return &CronScheduler{
		entries: make(map[string]*cronEntry),
		onFire:  onFire,
	}
}

// OnSkip/OnSuccess/OnError install observer callbacks Manager uses to keep
// trigger bookkeeping (counters, lastTriggered, lastError) current without
// CronScheduler knowing about Store directly.
func (cs *CronScheduler) OnSkip(f func(triggerID, reason string, nextRun time.Time)) { cs.onSkip = f }
func (cs *CronScheduler) OnSuccess(f func(triggerID, runID string, firedAt, nextRun time.Time)) {
	cs.onSuccess = f
}
func (cs *CronScheduler) OnError(f func(triggerID string, err error)) { cs.onError = f }

// AddTrigger registers a trigger and starts its scheduling goroutine. If
// RunImmediately is set, it fires once immediately without consuming the
// computed nextTrigger (§4.4).
func (cs *CronScheduler) AddTrigger(cfg CronEntryConfig) error {
	cs.mu.Lock()
	if old, exists := cs.entries[cfg.TriggerID]; exists {
		close(old.stopCh)
		cs.mu.Unlock()
		<-old.doneCh
		cs.mu.Lock()
	}

	now := time.Now()
	entry := &cronEntry{
		cfg:     cfg,
		nextRun: cfg.Schedule.Next(now),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	cs.entries[cfg.TriggerID] = entry
	cs.mu.Unlock()

	if cfg.RunImmediately {
		cs.fireOnce(entry, time.Now(), entry.nextRun)
	}

	go cs.run(entry)
	return nil
}

// RemoveTrigger tears down a trigger's scheduling goroutine and bookkeeping.
func (cs *CronScheduler) RemoveTrigger(triggerID string) {
	cs.mu.Lock()
	entry, exists := cs.entries[triggerID]
	if exists {
		delete(cs.entries, triggerID)
	}
	cs.mu.Unlock()

	if exists {
		close(entry.stopCh)
		<-entry.doneCh
	}
}

// Stop tears down every scheduled trigger, cancelling pending sleeps per
// §5's cancellation model.
func (cs *CronScheduler) Stop() {
	cs.mu.Lock()
	entries := make([]*cronEntry, 0, len(cs.entries))
	for id, e := range cs.entries {
		entries = append(entries, e)
		delete(cs.entries, id)
	}
	cs.mu.Unlock()

	for _, e := range entries {
		close(e.stopCh)
	}
	for _, e := range entries {
		<-e.doneCh
	}
}

// NextRun returns the currently-scheduled next occurrence for triggerID.
func (cs *CronScheduler) NextRun(triggerID string) (time.Time, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.entries[triggerID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextRun, true
}

// run is the per-trigger scheduling loop: a single-delay sleep until
// nextTrigger (composite of the sleep deadline and the stop signal, per
// §9's cooperative-cancellation note), then recompute and schedule the
// next tick, then fire asynchronously so a slow onFire cannot stall the
// next tick and so overlapping fires can actually occur — the precondition
// §4.4/§8's concurrency cap is built to guard against.
func (cs *CronScheduler) run(entry *cronEntry) {
	defer func() {
		entry.wg.Wait()
		close(entry.doneCh)
	}()

	for {
		delay := time.Until(entry.nextRun)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-entry.stopCh:
			timer.Stop()
			return
		case firedAt := <-timer.C:
			next := entry.cfg.Schedule.Next(firedAt)
			cs.mu.Lock()
			entry.nextRun = next
			cs.mu.Unlock()

			entry.wg.Add(1)
			go func() {
				defer entry.wg.Done()
				cs.fireOnce(entry, firedAt, next)
			}()
		}
	}
}

// fireOnce runs the concurrency-cap and condition gates and, if both pass,
// invokes onFire. nextRun is the schedule's next occurrence as of
// scheduling this fire, captured by the caller rather than read back off
// entry — entry.nextRun keeps moving forward while fireOnce runs, since
// run() dispatches fireOnce asynchronously to let overlapping fires occur.
// It is also used directly by AddTrigger's RunImmediately path and by
// CatchUp's synchronous replay.
func (cs *CronScheduler) fireOnce(entry *cronEntry, at time.Time, nextRun time.Time) CronFireResult {
	cfg := entry.cfg

	if cfg.MaxConcurrent > 0 {
		active := atomic.AddInt32(&entry.activeRuns, 1)
		if active > int32(cfg.MaxConcurrent) {
			atomic.AddInt32(&entry.activeRuns, -1)
			result := CronFireResult{Skipped: true, Reason: "concurrency limit reached", NextRun: nextRun}
			if cs.onSkip != nil {
				cs.onSkip(cfg.TriggerID, result.Reason, result.NextRun)
			}
			return result
		}
		defer atomic.AddInt32(&entry.activeRuns, -1)
	}

	tctx := models.TriggerContext{
		TriggerID:   cfg.TriggerID,
		TriggerType: cfg.ReportedType,
		Timestamp:   at,
		Payload:     cfg.Input,
		Metadata: map[string]any{
			"expression": cfg.Expression,
			"timezone":   cfg.Timezone,
			"scheduled":  at,
		},
	}

	if cfg.Condition != nil && !cfg.Condition(tctx) {
		return CronFireResult{Skipped: true, Reason: "condition not met", NextRun: nextRun}
	}

	runID, err := cs.onFire(context.Background(), cfg.TriggerID, tctx)
	if err != nil {
		logger.Warn("cron trigger fire failed", "trigger_id", cfg.TriggerID, "err", err)
		if cs.onError != nil {
			cs.onError(cfg.TriggerID, err)
		}
		return CronFireResult{Err: err, NextRun: nextRun}
	}

	if cs.onSuccess != nil {
		cs.onSuccess(cfg.TriggerID, runID, at, nextRun)
	}
	return CronFireResult{Triggered: true, RunID: runID, NextRun: nextRun}
}

// CatchUp replays occurrences in (since, now) synchronously and in order,
// per §4.4's explicit catch-up operation.
func (cs *CronScheduler) CatchUp(triggerID string, since time.Time) {
	cs.mu.RLock()
	entry, ok := cs.entries[triggerID]
	cs.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()
	cursor := since
	for {
		next := entry.cfg.Schedule.Next(cursor)
		if next.IsZero() || next.After(now) {
			return
		}
		cs.mu.RLock()
		liveNextRun := entry.nextRun
		cs.mu.RUnlock()
		cs.fireOnce(entry, next, liveNextRun)
		cursor = next
	}
}
