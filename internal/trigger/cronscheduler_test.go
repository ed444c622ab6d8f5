package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/triggers/pkg/models"
)

func constantSchedule(d time.Duration) cron.Schedule {
	return cron.ConstantDelaySchedule{Delay: d}
}

func TestCronScheduler_FiresOnSchedule(t *testing.T) {
	var fires int32
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		atomic.AddInt32(&fires, 1)
		return "run-1", nil
	})
	defer cs.Stop()

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID: "t1",
		Schedule:  constantSchedule(20 * time.Millisecond),
	}))

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fires), int32(3))
}

func TestCronScheduler_RunImmediatelyDoesNotConsumeNextRun(t *testing.T) {
	var fires int32
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		atomic.AddInt32(&fires, 1)
		return "run", nil
	})
	defer cs.Stop()

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID:      "t1",
		Schedule:       constantSchedule(time.Hour),
		RunImmediately: true,
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fires), "RunImmediately fires once without waiting for the hour-long schedule")
}

func TestCronScheduler_ConcurrencyCapSkipsOverflow(t *testing.T) {
	var active int32
	var maxObserved int32
	release := make(chan struct{})

	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return "run", nil
	})
	defer cs.Stop()

	var skipped int32
	cs.OnSkip(func(string, string, time.Time) { atomic.AddInt32(&skipped, 1) })

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID:     "t1",
		Schedule:      constantSchedule(10 * time.Millisecond),
		MaxConcurrent: 1,
	}))

	time.Sleep(60 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(1), "concurrency cap must never be exceeded")
	assert.Greater(t, atomic.LoadInt32(&skipped), int32(0), "overlapping fires beyond the cap should be skipped, not queued")
}

func TestCronScheduler_ConditionGatesFiring(t *testing.T) {
	var fires int32
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		atomic.AddInt32(&fires, 1)
		return "run", nil
	})
	defer cs.Stop()

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID: "t1",
		Schedule:  constantSchedule(10 * time.Millisecond),
		Condition: func(models.TriggerContext) bool { return false },
	}))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fires), "a failing condition must prevent onFire from ever running")
}

func TestCronScheduler_RemoveTriggerStopsFiring(t *testing.T) {
	var fires int32
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		atomic.AddInt32(&fires, 1)
		return "run", nil
	})
	defer cs.Stop()

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID: "t1",
		Schedule:  constantSchedule(10 * time.Millisecond),
	}))
	time.Sleep(30 * time.Millisecond)
	cs.RemoveTrigger("t1")

	countAtRemoval := atomic.LoadInt32(&fires)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAtRemoval, atomic.LoadInt32(&fires), "no further fires after RemoveTrigger returns")
}

func TestCronScheduler_OnSuccessAndOnErrorObservers(t *testing.T) {
	shouldFail := true
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		if shouldFail {
			return "", assert.AnError
		}
		return "run-id", nil
	})
	defer cs.Stop()

	var mu sync.Mutex
	var successCount, errorCount int
	cs.OnSuccess(func(string, string, time.Time, time.Time) {
		mu.Lock()
		successCount++
		mu.Unlock()
	})
	cs.OnError(func(string, error) {
		mu.Lock()
		errorCount++
		mu.Unlock()
	})

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID: "t1",
		Schedule:  constantSchedule(15 * time.Millisecond),
	}))

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Greater(t, errorCount, 0)
	assert.Equal(t, 0, successCount)
	mu.Unlock()

	shouldFail = false
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Greater(t, successCount, 0)
	mu.Unlock()
}

func TestCronScheduler_CatchUpReplaysMissedOccurrences(t *testing.T) {
	var fireTimes []time.Time
	var mu sync.Mutex
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		mu.Lock()
		fireTimes = append(fireTimes, time.Now())
		mu.Unlock()
		return "run", nil
	})
	defer cs.Stop()

	require.NoError(t, cs.AddTrigger(CronEntryConfig{
		TriggerID: "t1",
		Schedule:  constantSchedule(time.Hour),
	}))

	since := time.Now().Add(-3*time.Hour - time.Minute)
	cs.CatchUp("t1", since)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(fireTimes), 3, "catch-up should synchronously replay every occurrence between since and now")
}

func TestCronScheduler_StopTearsDownAllEntries(t *testing.T) {
	cs := NewCronScheduler(func(_ context.Context, _ string, _ models.TriggerContext) (string, error) {
		return "run", nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, cs.AddTrigger(CronEntryConfig{
			TriggerID: string(rune('a' + i)),
			Schedule:  constantSchedule(time.Hour),
		}))
	}

	done := make(chan struct{})
	go func() {
		cs.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
