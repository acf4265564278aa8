package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testScheduler(t *testing.T, config Config) (*Scheduler, *time.Time) {
	t.Helper()
	s := New(config, NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	clock := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	return s, &clock
}

func advance(clock *time.Time, d time.Duration) {
	*clock = clock.Add(d)
}

func TestScheduleRequiresRegisteredHandler(t *testing.T) {
	s, _ := testScheduler(t, DefaultConfig())
	_, err := s.Schedule("unknown", nil, PriorityNormal, 0)
	require.Error(t, err)
}

func TestSchedulerDoesNotRunJobsBeforeExecuteAt(t *testing.T) {
	s, clock := testScheduler(t, DefaultConfig())

	ran := false
	s.RegisterHandler("report", func(context.Context, *Job) error {
		ran = true
		return nil
	})
	id, err := s.Schedule("report", nil, PriorityNormal, time.Minute)
	require.NoError(t, err)

	s.Tick(context.Background())
	s.wg.Wait()
	assert.False(t, ran)

	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, JobPending, status)

	advance(clock, time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()
	assert.True(t, ran)

	status, _ = s.Status(id)
	assert.Equal(t, JobCompleted, status)
}

func TestSchedulerDispatchesByPriorityThenDueTime(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentJobs = 1
	s, clock := testScheduler(t, config)

	var mu sync.Mutex
	var order []string
	s.RegisterHandler("work", func(_ context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.Payload["name"].(string))
		mu.Unlock()
		return nil
	})

	_, err := s.Schedule("work", map[string]interface{}{"name": "low"}, PriorityLow, 0)
	require.NoError(t, err)
	advance(clock, time.Second)
	_, err = s.Schedule("work", map[string]interface{}{"name": "critical"}, PriorityCritical, 0)
	require.NoError(t, err)
	_, err = s.Schedule("work", map[string]interface{}{"name": "high"}, PriorityHigh, 0)
	require.NoError(t, err)

	// Capacity is one, so each tick admits exactly one job.
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
		s.wg.Wait()
	}

	assert.Equal(t, []string{"critical", "high", "low"}, order)
}

func TestSchedulerNeverExceedsConcurrencyCap(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentJobs = 2
	s, _ := testScheduler(t, config)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	s.RegisterHandler("slow", func(context.Context, *Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	for i := 0; i < 4; i++ {
		_, err := s.Schedule("slow", nil, PriorityNormal, 0)
		require.NoError(t, err)
	}

	s.Tick(context.Background())
	<-started
	<-started
	assert.Equal(t, 2, s.Running())

	// A tick at full capacity admits nothing.
	s.Tick(context.Background())
	assert.Equal(t, 2, s.Running())
	assert.Empty(t, started)

	close(release)
	s.wg.Wait()
	assert.Zero(t, s.Running())

	s.Tick(context.Background())
	<-started
	<-started
	s.wg.Wait()
}

func TestSchedulerRetriesWithLinearBackoff(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 3
	config.RetryStep = 5 * time.Second
	s, clock := testScheduler(t, config)

	attempts := 0
	s.RegisterHandler("flaky", func(context.Context, *Job) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	id, err := s.Schedule("flaky", nil, PriorityNormal, 0)
	require.NoError(t, err)

	s.Tick(context.Background())
	s.wg.Wait()
	require.Equal(t, 1, attempts)

	// First retry is deferred by one step; an immediate tick skips it.
	s.Tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 1, attempts)

	advance(clock, 5*time.Second)
	s.Tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 2, attempts)

	// Second retry is deferred by two steps.
	advance(clock, 5*time.Second)
	s.Tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 2, attempts)

	advance(clock, 5*time.Second)
	s.Tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 3, attempts)

	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, status)
}

func TestSchedulerBoundsTerminalStatusHistory(t *testing.T) {
	config := DefaultConfig()
	config.StatusHistory = 2
	s, _ := testScheduler(t, config)
	s.RegisterHandler("noop", func(context.Context, *Job) error { return nil })

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := s.Schedule("noop", nil, PriorityNormal, 0)
		require.NoError(t, err)
		s.Tick(context.Background())
		s.wg.Wait()
		ids = append(ids, id)
	}

	// The oldest terminal entry is evicted; newer ones stay queryable.
	_, ok := s.Status(ids[0])
	assert.False(t, ok)
	for _, id := range ids[1:] {
		status, ok := s.Status(id)
		require.True(t, ok)
		assert.Equal(t, JobCompleted, status)
	}
}

func TestSchedulerRemovesPermanentlyFailedJobs(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 2
	config.RetryStep = time.Second
	s, clock := testScheduler(t, config)

	attempts := 0
	s.RegisterHandler("doomed", func(context.Context, *Job) error {
		attempts++
		return errors.New("always fails")
	})
	id, err := s.Schedule("doomed", nil, PriorityHigh, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
		s.wg.Wait()
		advance(clock, 10*time.Second)
	}

	assert.Equal(t, 2, attempts)

	// Terminal status stays queryable after removal from the queue.
	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, JobFailed, status)

	s.mu.Lock()
	_, stillQueued := s.jobs[id]
	s.mu.Unlock()
	assert.False(t, stillQueued)
}
