package trigger

import (
	"math"
	"sync"
	"time"
)

// RateDecision is the outcome of a consume/check call per §4.2.
type RateDecision struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// tokenBucket is the per-(triggerID, clientKey) state described in §3: a
// continuously-refilling bucket bounded by capacity and gated by a
// per-request burst limit independent of the available token count.
type tokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per millisecond
	burstLimit float64
	tokens     float64
	lastRefill time.Time
}

func (b *tokenBucket) refill(now time.Time) {
	elapsedMs := float64(now.Sub(b.lastRefill).Milliseconds())
	if elapsedMs <= 0 {
		return
	}
	b.tokens += elapsedMs * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *tokenBucket) resetAt(now time.Time) time.Time {
	deficit := b.capacity - b.tokens
	if deficit <= 0 {
		return now
	}
	ms := deficit / b.refillRate
	return now.Add(time.Duration(ms * float64(time.Millisecond)))
}

// RateLimiterConfig sizes a token bucket. Window determines RefillRate =
// Capacity / Window (tokens per ms), per §4.2.
type RateLimiterConfig struct {
	Capacity   float64
	Window     time.Duration
	BurstLimit float64
}

// RateLimiter is the token-bucket rate decider keyed per (triggerID,
// clientKey). It has no library equivalent in the retrieval pack with
// these exact return semantics (see DESIGN.md) so the bucket and its
// continuous-refill math are hand-rolled in the teacher's general
// sync.RWMutex-guarded-map-plus-sweep idiom (cron_scheduler.go's entries
// map, event_listener.go's stopChan/stoppedChan teardown pair).
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its periodic full-capacity
// sweep (every 60s per §4.2).
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func bucketKey(triggerID, clientKey string) string {
	return triggerID + ":" + clientKey
}

func (rl *RateLimiter) bucket(triggerID, clientKey string, cfg RateLimiterConfig, now time.Time) *tokenBucket {
	key := bucketKey(triggerID, clientKey)
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{
			capacity:   cfg.Capacity,
			refillRate: cfg.Capacity / float64(cfg.Window.Milliseconds()),
			burstLimit: cfg.BurstLimit,
			tokens:     cfg.Capacity,
			lastRefill: now,
		}
		rl.buckets[key] = b
	}
	return b
}

// Consume attempts to deduct n tokens for (triggerID, clientKey), refilling
// first. A request for more than BurstLimit is always rejected regardless
// of elapsed time, per the burst-bound invariant in §8.
func (rl *RateLimiter) Consume(triggerID, clientKey string, n float64, cfg RateLimiterConfig) RateDecision {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.bucket(triggerID, clientKey, cfg, now)
	b.refill(now)

	if n > b.burstLimit {
		return RateDecision{
			Allowed:    false,
			Remaining:  b.tokens,
			ResetAt:    b.resetAt(now),
			RetryAfter: time.Duration(math.Ceil((n-b.tokens)/b.refillRate)) * time.Millisecond,
		}
	}

	if b.tokens >= n {
		b.tokens -= n
		return RateDecision{Allowed: true, Remaining: b.tokens, ResetAt: b.resetAt(now)}
	}

	retryMs := math.Ceil((n - b.tokens) / b.refillRate)
	return RateDecision{
		Allowed:    false,
		Remaining:  b.tokens,
		ResetAt:    b.resetAt(now),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
}

// Check is the non-mutating variant of Consume.
func (rl *RateLimiter) Check(triggerID, clientKey string, n float64, cfg RateLimiterConfig) RateDecision {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.bucket(triggerID, clientKey, cfg, now)
	b.refill(now)

	if n > b.burstLimit || b.tokens < n {
		retryMs := math.Ceil((n - b.tokens) / b.refillRate)
		if retryMs < 0 {
			retryMs = 0
		}
		return RateDecision{Allowed: false, Remaining: b.tokens, ResetAt: b.resetAt(now), RetryAfter: time.Duration(retryMs) * time.Millisecond}
	}
	return RateDecision{Allowed: true, Remaining: b.tokens, ResetAt: b.resetAt(now)}
}

// Reset drops the tracked bucket for a single (triggerID, clientKey) pair.
// Manager's unregister path uses RemoveTrigger instead, which drops every
// bucket of the trigger.
func (rl *RateLimiter) Reset(triggerID, clientKey string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, bucketKey(triggerID, clientKey))
}

// RemoveTrigger drops every bucket belonging to triggerID, used on
// unregister when the caller doesn't track individual client keys.
func (rl *RateLimiter) RemoveTrigger(triggerID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	prefix := triggerID + ":"
	for key := range rl.buckets {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for key, b := range rl.buckets {
		b.refill(now)
		if b.tokens >= b.capacity {
			delete(rl.buckets, key)
		}
	}
}

// Stop tears down the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// slidingWindow is the alternative strict-count limiter state from §3.
type slidingWindow struct {
	timestamps []time.Time
}

// SlidingWindowConfig sizes a sliding-window limiter.
type SlidingWindowConfig struct {
	MaxRequests int
	Window      time.Duration
}

// SlidingWindowLimiter enforces a hard cap on requests within a trailing
// window, keyed per (triggerID, clientKey), per §4.2's alternative
// discipline.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// NewSlidingWindowLimiter creates an empty limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{windows: make(map[string]*slidingWindow)}
}

// Consume drops expired timestamps, rejects if the survivor count is
// already at MaxRequests, else records now and accepts.
func (sw *SlidingWindowLimiter) Consume(triggerID, clientKey string, cfg SlidingWindowConfig) RateDecision {
	now := time.Now()
	sw.mu.Lock()
	defer sw.mu.Unlock()

	key := bucketKey(triggerID, clientKey)
	w, ok := sw.windows[key]
	if !ok {
		w = &slidingWindow{}
		sw.windows[key] = w
	}

	cutoff := now.Add(-cfg.Window)
	survivors := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			survivors = append(survivors, ts)
		}
	}
	w.timestamps = survivors

	if len(w.timestamps) >= cfg.MaxRequests {
		resetAt := w.timestamps[0].Add(cfg.Window)
		return RateDecision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
		}
	}

	w.timestamps = append(w.timestamps, now)
	return RateDecision{
		Allowed:   true,
		Remaining: float64(cfg.MaxRequests - len(w.timestamps)),
		ResetAt:   now.Add(cfg.Window),
	}
}

// RemoveTrigger drops every window belonging to triggerID.
func (sw *SlidingWindowLimiter) RemoveTrigger(triggerID string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	prefix := triggerID + ":"
	for key := range sw.windows {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(sw.windows, key)
		}
	}
}
