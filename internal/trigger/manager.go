// Package trigger implements the workflow trigger subsystem: a
// long-running component watching wall-clock schedules, inbound webhooks
// and in-process events, and emitting exactly one dispatch decision per
// matching stimulus to a downstream workflow runner.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/triggers/internal/logger"
	"github.com/flowforge/triggers/pkg/models"
)

// OnFireCollaborator is the downstream workflow runner (§6): given a
// matched trigger and a built context, it performs the actual work and
// returns a run id, or an error if execution failed.
type OnFireCollaborator func(ctx context.Context, trigger *models.Trigger, tctx models.TriggerContext) (string, error)

// ManagerConfig configures a TriggerManager. Store and OnFire are
// required; the required-field validation below mirrors the teacher's
// manager_test.go error strings, generalized to this module's collaborator
// set (workflow repository and execution manager collapse into the single
// OnFire collaborator this subsystem treats as an external dependency).
type ManagerConfig struct {
	Store  Store
	OnFire OnFireCollaborator
}

func (c ManagerConfig) validate() error {
	if c.Store == nil {
		return fmt.Errorf("trigger store is required")
	}
	if c.OnFire == nil {
		return fmt.Errorf("onFire collaborator is required")
	}
	return nil
}

// Stats is the snapshot returned by Manager.GetStats (§4.7 getStats).
type Stats struct {
	Total       int
	Enabled     int
	ByType      map[models.TriggerType]int
	TotalFired  uint64
	TotalErrors uint64
}

// Manager is the single owner of the trigger lifecycle and subscriber
// fan-out (§4.7). Grounded on the teacher's manager_test.go /
// manager_test_helpers.go contract (field names, required-config
// validation messages), rebuilt here since the teacher's own manager.go
// did not survive distillation.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	onFire  OnFireCollaborator
	running bool

	parser     *CronParser
	scheduler  *CronScheduler
	dispatcher *WebhookDispatcher
	bus        *EventBus
	limiter    *RateLimiter
	dedup      *DeduplicationCache

	subscribers map[int]func(models.TriggerContext)
	nextSubID   int

	totalFired  uint64
	totalErrors uint64
}

// NewManager wires up every sub-component per §2's data-flow diagram.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		store:       cfg.Store,
		onFire:      cfg.OnFire,
		parser:      NewCronParser(),
		limiter:     NewRateLimiter(),
		dedup:       NewDeduplicationCache(),
		bus:         NewEventBus(),
		subscribers: make(map[int]func(models.TriggerContext)),
	}

	m.scheduler = NewCronScheduler(m.fireFromScheduler)
	m.scheduler.OnSkip(func(triggerID, reason string, nextRun time.Time) {
		logger.Info("cron fire skipped", "trigger_id", triggerID, "reason", reason)
	})
	m.scheduler.OnSuccess(func(triggerID, runID string, firedAt, nextRun time.Time) {
		_ = m.store.Update(context.Background(), triggerID, func(t *models.Trigger) {
			t.TriggerCount++
			now := firedAt
			t.LastRun = &now
			next := nextRun
			t.NextRun = &next
		})
		m.bumpFired()
	})
	m.scheduler.OnError(func(triggerID string, err error) {
		_ = m.store.Update(context.Background(), triggerID, func(t *models.Trigger) {
			t.ErrorCount++
			msg := err.Error()
			t.LastError = &msg
		})
		m.bumpErrors()
	})

	m.dispatcher = NewWebhookDispatcher(m.limiter, m.dedup, m.fireFromWebhook)
	m.dispatcher.OnSuccess(func(triggerID, runID string) {
		_ = m.store.Update(context.Background(), triggerID, func(t *models.Trigger) {
			t.TriggerCount++
			now := time.Now()
			t.LastRun = &now
		})
		m.bumpFired()
	})
	m.dispatcher.OnError(func(triggerID string, err error) {
		_ = m.store.Update(context.Background(), triggerID, func(t *models.Trigger) {
			t.ErrorCount++
			msg := err.Error()
			t.LastError = &msg
		})
		m.bumpErrors()
	})
	m.dispatcher.OnAuthFail(func(triggerID string) {
		_ = m.store.Update(context.Background(), triggerID, func(t *models.Trigger) { t.ErrorCount++ })
		m.bumpErrors()
	})

	return m, nil
}

func (m *Manager) bumpFired() {
	m.mu.Lock()
	m.totalFired++
	m.mu.Unlock()
}

func (m *Manager) bumpErrors() {
	m.mu.Lock()
	m.totalErrors++
	m.mu.Unlock()
}

// Register validates t, persists it as a new Trigger and enrolls it with its
// matching sub-component, per §4.7.
func (m *Manager) Register(ctx context.Context, t *models.Trigger) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	if err := t.Validate(); err != nil {
		return "", err
	}

	if err := m.store.Save(ctx, t); err != nil {
		return "", err
	}

	if t.Enabled {
		if err := m.enroll(ctx, t); err != nil {
			return "", err
		}
	}

	return t.ID, nil
}

// Unregister tears down sub-component state and deletes the record.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.teardown(id)
	return m.store.Delete(ctx, id)
}

// Enable flips a trigger's enabled flag and re-enrolls it. Per the
// enable/disable-symmetry property (§8), the cron nextTrigger is
// recomputed from enable's wall clock, landing strictly in its future.
func (m *Manager) Enable(ctx context.Context, id string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Update(ctx, id, func(t *models.Trigger) { t.Enabled = true }); err != nil {
		return err
	}
	t.Enabled = true
	return m.enroll(ctx, t)
}

// Disable tears down sub-component state and flips the enabled flag, so
// any stimulus after Disable returns produces no fires (§8).
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.teardown(id)
	return m.store.Update(ctx, id, func(t *models.Trigger) { t.Enabled = false })
}

func (m *Manager) enroll(ctx context.Context, t *models.Trigger) error {
	switch t.Type {
	case models.TriggerTypeCron, models.TriggerTypeInterval:
		return m.enrollCron(t)
	case models.TriggerTypeWebhook:
		m.enrollWebhook(t)
		return nil
	case models.TriggerTypeEvent:
		m.enrollEvent(t)
		return nil
	case models.TriggerTypeManual:
		return nil
	default:
		return fmt.Errorf("%w: %s", models.ErrInvalidTriggerConfig, t.Type)
	}
}

func (m *Manager) enrollCron(t *models.Trigger) error {
	cronCfg := models.CronConfigFromMap(t.Config)
	schedule, err := m.parser.Parse(cronCfg.Schedule, cronCfg.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidTriggerConfig, err)
	}

	condition, _ := t.Metadata["condition"].(func(models.TriggerContext) bool)

	return m.scheduler.AddTrigger(CronEntryConfig{
		TriggerID:      t.ID,
		Schedule:       schedule,
		Expression:     cronCfg.Schedule,
		Timezone:       cronCfg.Timezone,
		MaxConcurrent:  cronCfg.MaxConcurrent,
		RunImmediately: cronCfg.RunImmediately,
		CatchUp:        cronCfg.CatchUp,
		Condition:      condition,
		Input:          cronCfg.Input,
		ReportedType:   models.TriggerTypeCron,
	})
}

func (m *Manager) enrollWebhook(t *models.Trigger) {
	whCfg := models.WebhookConfigFromMap(t.Config)

	method := whCfg.Method
	if method == "" {
		method = "POST"
	}

	if m.dispatcher.HasConflict(method, whCfg.Path) {
		logger.Warn("webhook route conflict: another enabled trigger already owns this method+path",
			"trigger_id", t.ID, "method", method, "path", whCfg.Path)
	}

	route := &WebhookRoute{
		TriggerID:   t.ID,
		WorkflowID:  t.WorkflowID,
		Method:      method,
		Path:        whCfg.Path,
		IPWhitelist: whCfg.IPWhitelist,
	}

	if authRaw, ok := t.Metadata["auth"].(AuthConfig); ok {
		route.Auth = authRaw
	} else if whCfg.Secret != "" {
		route.Auth = AuthConfig{Type: AuthHMAC, Secret: whCfg.Secret}
	}

	if rl, ok := t.Metadata["rate_limit"].(RateLimiterConfig); ok {
		route.RateLimit = &rl
	}
	if dk, ok := t.Metadata["deduplication_key"].(func(map[string]any) string); ok {
		route.DeduplicationKey = dk
	}
	if dw, ok := t.Metadata["deduplication_window"].(time.Duration); ok {
		route.DeduplicationWindow = dw
	}
	if vp, ok := t.Metadata["validate_payload"].(func(map[string]any) bool); ok {
		route.ValidatePayload = vp
	}
	if tp, ok := t.Metadata["transform_payload"].(func(map[string]any) any); ok {
		route.TransformPayload = tp
	}

	m.dispatcher.Register(route)
}

func (m *Manager) enrollEvent(t *models.Trigger) {
	evCfg := models.EventConfigFromMap(t.Config)

	m.bus.On(evCfg.EventType, func(e Event) {
		if evCfg.Source != "" && e.Data["__source"] != nil && e.Data["__source"] != evCfg.Source {
			return
		}
		if !matchesFilter(evCfg.Filter, e.Data) {
			return
		}

		var payload any = e.Data
		if transform, ok := t.Metadata["transform"].(func(map[string]any) any); ok {
			payload = transform(e.Data)
		}

		tctx := models.TriggerContext{
			TriggerID:   t.ID,
			TriggerType: models.TriggerTypeEvent,
			Timestamp:   time.Now(),
			Payload:     payload,
			Metadata: map[string]any{
				"event_type": evCfg.EventType,
				"source":     evCfg.Source,
			},
		}

		if _, err := m.fireFromEvent(context.Background(), t.ID, tctx); err != nil {
			logger.Warn("event trigger fire failed", "trigger_id", t.ID, "err", err)
		}
	})
}

func matchesFilter(filter map[string]any, data map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, exists := data[key]
		if !exists || actual != expected {
			return false
		}
	}
	return true
}

func (m *Manager) teardown(id string) {
	m.scheduler.RemoveTrigger(id)
	m.dispatcher.Unregister(id)
	m.limiter.RemoveTrigger(id)
	m.dedup.RemoveTrigger(id)
}

// Fire manually fires a trigger, bypassing filters and rate limiting
// (§4.7 fire).
func (m *Manager) Fire(ctx context.Context, id string, partialPayload any) (string, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	tctx := models.TriggerContext{
		TriggerID:   t.ID,
		TriggerType: models.TriggerTypeManual,
		Timestamp:   time.Now(),
		Payload:     partialPayload,
	}

	runID, err := m.dispatch(ctx, t, tctx)
	if err != nil {
		_ = m.store.Update(ctx, id, func(t *models.Trigger) {
			t.ErrorCount++
			msg := err.Error()
			t.LastError = &msg
		})
		m.bumpErrors()
		return "", &models.FireError{TriggerID: id, Err: err}
	}

	_ = m.store.Update(ctx, id, func(t *models.Trigger) {
		t.TriggerCount++
		now := time.Now()
		t.LastRun = &now
	})
	m.bumpFired()

	return runID, nil
}

// dispatch calls onFire and then fans the context out to subscribers,
// catching and logging any subscriber panic so one misbehaving subscriber
// cannot stop another from running or stop the counter update from being
// applied (§4.7 onTrigger contract).
func (m *Manager) dispatch(ctx context.Context, t *models.Trigger, tctx models.TriggerContext) (string, error) {
	runID, err := m.onFire(ctx, t, tctx)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	subs := make([]func(models.TriggerContext), 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		subs = append(subs, cb)
	}
	m.mu.RUnlock()

	for _, cb := range subs {
		m.invokeSubscriber(cb, tctx)
	}

	return runID, nil
}

func (m *Manager) invokeSubscriber(cb func(models.TriggerContext), tctx models.TriggerContext) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("trigger subscriber panicked", "trigger_id", tctx.TriggerID, "panic", r)
		}
	}()
	cb(tctx)
}

func (m *Manager) fireFromScheduler(ctx context.Context, triggerID string, tctx models.TriggerContext) (string, error) {
	t, err := m.store.Get(ctx, triggerID)
	if err != nil {
		return "", err
	}
	if !t.Enabled {
		return "", models.ErrTriggerDisabled
	}
	return m.dispatch(ctx, t, tctx)
}

func (m *Manager) fireFromWebhook(ctx context.Context, triggerID string, tctx models.TriggerContext) (string, error) {
	t, err := m.store.Get(ctx, triggerID)
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, t, tctx)
}

func (m *Manager) fireFromEvent(ctx context.Context, triggerID string, tctx models.TriggerContext) (string, error) {
	t, err := m.store.Get(ctx, triggerID)
	if err != nil {
		return "", err
	}
	if !t.Enabled {
		return "", models.ErrTriggerDisabled
	}

	runID, err := m.dispatch(ctx, t, tctx)
	if err != nil {
		_ = m.store.Update(ctx, triggerID, func(t *models.Trigger) {
			t.ErrorCount++
			msg := err.Error()
			t.LastError = &msg
		})
		m.bumpErrors()
		return "", err
	}

	_ = m.store.Update(ctx, triggerID, func(t *models.Trigger) {
		t.TriggerCount++
		now := time.Now()
		t.LastRun = &now
	})
	m.bumpFired()
	return runID, nil
}

// HandleWebhook delegates to the dispatcher (§4.7 handleWebhook).
func (m *Manager) HandleWebhook(ctx context.Context, req Request) (*Response, error) {
	return m.dispatcher.Dispatch(ctx, req)
}

// EmitEvent publishes an event onto the bus; subscribers are the dispatch
// closures installed per event trigger in enrollEvent (§4.7 emitEvent).
func (m *Manager) EmitEvent(eventType string, payload map[string]any) {
	m.bus.Emit(Event{Type: eventType, Data: payload})
}

// OnTrigger registers a subscriber invoked on every successful fire,
// returning an unsubscribe handle (§4.7 onTrigger).
func (m *Manager) OnTrigger(cb func(models.TriggerContext)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// GetStats returns the manager-wide snapshot (§4.7 getStats).
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	triggers, err := m.store.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByType: make(map[models.TriggerType]int)}
	stats.Total = len(triggers)
	for _, t := range triggers {
		if t.Enabled {
			stats.Enabled++
		}
		stats.ByType[t.Type]++
	}

	m.mu.RLock()
	stats.TotalFired = m.totalFired
	stats.TotalErrors = m.totalErrors
	m.mu.RUnlock()

	return stats, nil
}

// Start enrolls every persisted enabled trigger with its sub-component and
// runs catch-up for cron triggers configured with CatchUp, per §4.7's
// lifecycle and §4.4's explicit catch-up operation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	triggers, err := m.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	for _, t := range triggers {
		if err := m.enroll(ctx, t); err != nil {
			logger.Error("failed to enroll trigger at startup", "trigger_id", t.ID, "err", err)
			continue
		}

		if t.Type == models.TriggerTypeCron || t.Type == models.TriggerTypeInterval {
			cronCfg := models.CronConfigFromMap(t.Config)
			if cronCfg.CatchUp && t.LastRun != nil {
				m.scheduler.CatchUp(t.ID, *t.LastRun)
			}
		}
	}

	return nil
}

// Stop tears down all schedulers and subscriptions but preserves trigger
// records (§4.7 stop).
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.scheduler.Stop()
	m.limiter.Stop()
	m.dedup.Stop()
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}
