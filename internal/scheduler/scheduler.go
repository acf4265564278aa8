// Package scheduler runs deferred and periodic background jobs under a
// bounded-concurrency priority queue.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Priority orders jobs within a dispatch tick.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// JobStatus reflects a job's lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one scheduled unit of work. Completed and permanently failed jobs
// are removed from the queue; their terminal status stays queryable.
type Job struct {
	ID          uuid.UUID
	Type        string
	Priority    Priority
	ScheduledAt time.Time
	ExecuteAt   time.Time
	RetryCount  int
	MaxRetries  int
	Payload     map[string]interface{}
	Status      JobStatus
	LastError   string
}

// Handler executes a job of a registered type.
type Handler func(ctx context.Context, job *Job) error

// Config tunes the scheduler.
type Config struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryStep         time.Duration `mapstructure:"retry_step"`
	StatusHistory     int           `mapstructure:"status_history"`
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval:      1 * time.Second,
		MaxConcurrentJobs: 4,
		MaxRetries:        3,
		RetryStep:         5 * time.Second,
		StatusHistory:     1024,
	}
}

// Metrics holds the scheduler's Prometheus instruments.
type Metrics struct {
	Executions *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Running    prometheus.Gauge
}

// NewMetrics registers scheduler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_executions_total",
			Help: "Total number of job executions",
		}, []string{"job_type", "status"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Duration of job executions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"job_type"}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_jobs_running",
			Help: "Number of currently running jobs",
		}),
	}
}

// Scheduler owns the job table and dispatch loop.
type Scheduler struct {
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	statuses map[uuid.UUID]JobStatus
	terminal []uuid.UUID // FIFO of terminal ids, oldest evicted first
	handlers map[string]Handler

	running int64
	wg      sync.WaitGroup

	// now is swapped in tests for deterministic tick selection.
	now func() time.Time
}

// New creates a scheduler. Handlers are registered before Start.
func New(config Config, metrics *Metrics, logger *zap.Logger) *Scheduler {
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = 1
	}
	if config.StatusHistory <= 0 {
		config.StatusHistory = 1024
	}
	return &Scheduler{
		config:   config,
		logger:   logger.Named("scheduler"),
		metrics:  metrics,
		jobs:     make(map[uuid.UUID]*Job),
		statuses: make(map[uuid.UUID]JobStatus),
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (s *Scheduler) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	s.handlers[jobType] = h
	s.mu.Unlock()
}

// Schedule enqueues a job to run after delay.
func (s *Scheduler) Schedule(jobType string, payload map[string]interface{}, priority Priority, delay time.Duration) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[jobType]; !ok {
		return uuid.Nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}

	now := s.now()
	job := &Job{
		ID:          uuid.New(),
		Type:        jobType,
		Priority:    priority,
		ScheduledAt: now,
		ExecuteAt:   now.Add(delay),
		MaxRetries:  s.config.MaxRetries,
		Payload:     payload,
		Status:      JobPending,
	}
	s.jobs[job.ID] = job
	s.statuses[job.ID] = JobPending

	s.logger.Debug("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", jobType),
		zap.String("priority", priority.String()),
		zap.Time("execute_at", job.ExecuteAt))
	return job.ID, nil
}

// Status returns the last known status of a job, including terminal states
// for jobs already removed from the queue.
func (s *Scheduler) Status(id uuid.UUID) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	return status, ok
}

// Running returns the number of jobs currently executing.
func (s *Scheduler) Running() int {
	return int(atomic.LoadInt64(&s.running))
}

// Start drives the dispatch loop until ctx is cancelled, then waits for
// in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			return
		}
	}
}

// Tick dispatches due pending jobs, ordered by priority desc then executeAt
// asc, admitting at most maxConcurrentJobs - running.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	capacity := s.config.MaxConcurrentJobs - int(atomic.LoadInt64(&s.running))
	if capacity <= 0 {
		s.mu.Unlock()
		return
	}

	due := make([]*Job, 0, capacity)
	for _, job := range s.jobs {
		if job.Status == JobPending && !job.ExecuteAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ExecuteAt.Before(due[j].ExecuteAt)
	})
	if len(due) > capacity {
		due = due[:capacity]
	}

	for _, job := range due {
		job.Status = JobRunning
		s.statuses[job.ID] = JobRunning
		handler := s.handlers[job.Type]
		atomic.AddInt64(&s.running, 1)
		s.metrics.Running.Inc()
		s.wg.Add(1)
		go s.run(ctx, job, handler)
	}
	s.mu.Unlock()
}

// setTerminal records a terminal status and evicts the oldest terminal
// entries beyond the retention window. Caller holds s.mu.
func (s *Scheduler) setTerminal(id uuid.UUID, status JobStatus) {
	s.statuses[id] = status
	s.terminal = append(s.terminal, id)
	for len(s.terminal) > s.config.StatusHistory {
		evicted := s.terminal[0]
		s.terminal = s.terminal[1:]
		delete(s.statuses, evicted)
	}
}

func (s *Scheduler) run(ctx context.Context, job *Job, handler Handler) {
	defer s.wg.Done()
	defer func() {
		atomic.AddInt64(&s.running, -1)
		s.metrics.Running.Dec()
	}()

	start := s.now()
	err := handler(ctx, job)
	s.metrics.Duration.WithLabelValues(job.Type).Observe(s.now().Sub(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.jobs, job.ID)
		s.setTerminal(job.ID, JobCompleted)
		s.metrics.Executions.WithLabelValues(job.Type, "completed").Inc()
		s.logger.Debug("job completed", zap.String("job_id", job.ID.String()))
		return
	}

	job.RetryCount++
	job.LastError = err.Error()

	if job.RetryCount >= job.MaxRetries {
		delete(s.jobs, job.ID)
		s.setTerminal(job.ID, JobFailed)
		s.metrics.Executions.WithLabelValues(job.Type, "failed").Inc()
		s.logger.Warn("job permanently failed",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", job.Type),
			zap.Int("retries", job.RetryCount),
			zap.Error(err))
		return
	}

	job.Status = JobPending
	job.ExecuteAt = s.now().Add(time.Duration(job.RetryCount) * s.config.RetryStep)
	s.statuses[job.ID] = JobPending
	s.metrics.Executions.WithLabelValues(job.Type, "retried").Inc()
	s.logger.Info("job rescheduled after failure",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", job.Type),
		zap.Int("retry", job.RetryCount),
		zap.Time("execute_at", job.ExecuteAt),
		zap.Error(err))
}
