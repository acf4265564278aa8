// Package health probes venue round-trip latency and keeps the venue table's
// telemetry current for router scoring and status reporting.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/router"
	"github.com/wingzero/tradebridge/pkg/models"
)

// ProbeSample is one round-trip measurement, broken down by phase.
type ProbeSample struct {
	Submission time.Duration
	Execution  time.Duration
	Network    time.Duration
}

// RoundTrip is the aggregate latency consumed by router scoring.
func (s ProbeSample) RoundTrip() time.Duration {
	return s.Submission + s.Execution + s.Network
}

// Prober measures one venue. Implementations wrap the venue connection.
type Prober interface {
	Probe(ctx context.Context, venueID string) (ProbeSample, error)
}

// Config tunes the monitor.
type Config struct {
	Interval          time.Duration `mapstructure:"interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	SmoothingAlpha    float64       `mapstructure:"smoothing_alpha"`
	DegradedLatency   time.Duration `mapstructure:"degraded_latency"`
	DownAfterFailures int           `mapstructure:"down_after_failures"`
}

// DefaultConfig returns the standard monitor tuning.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		ProbeTimeout:      2 * time.Second,
		SmoothingAlpha:    0.2,
		DegradedLatency:   250 * time.Millisecond,
		DownAfterFailures: 3,
	}
}

// VenueHealth is the per-venue view exposed to status reporting.
type VenueHealth struct {
	VenueID          string                 `json:"venue_id"`
	Latency          time.Duration          `json:"latency"`
	Connection       models.ConnectionState `json:"connection"`
	ConsecutiveFails int                    `json:"consecutive_fails"`
	LastProbeAt      time.Time              `json:"last_probe_at"`
}

// Monitor drives periodic parallel probes, each raced against its own
// timeout, and pushes smoothed latency into the venue registry.
type Monitor struct {
	venues *router.VenueRegistry
	prober Prober
	config Config
	logger *zap.Logger

	mu    sync.RWMutex
	stats map[string]*VenueHealth
}

// NewMonitor creates a monitor over the venue registry.
func NewMonitor(venues *router.VenueRegistry, prober Prober, config Config, logger *zap.Logger) *Monitor {
	if config.SmoothingAlpha <= 0 || config.SmoothingAlpha > 1 {
		config.SmoothingAlpha = 0.2
	}
	return &Monitor{
		venues: venues,
		prober: prober,
		config: config,
		logger: logger.Named("health"),
		stats:  make(map[string]*VenueHealth),
	}
}

// Start drives the probe loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll measures every venue in parallel.
func (m *Monitor) ProbeAll(ctx context.Context) {
	venues := m.venues.List()
	var wg sync.WaitGroup
	for _, v := range venues {
		wg.Add(1)
		go func(venueID string) {
			defer wg.Done()
			m.probeOne(ctx, venueID)
		}(v.ID)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, venueID string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	type result struct {
		sample ProbeSample
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sample, err := m.prober.Probe(probeCtx, venueID)
		done <- result{sample, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-probeCtx.Done():
		res.err = probeCtx.Err()
	}

	m.mu.Lock()
	stat, ok := m.stats[venueID]
	if !ok {
		stat = &VenueHealth{VenueID: venueID, Connection: models.ConnectionUp}
		m.stats[venueID] = stat
	}
	stat.LastProbeAt = time.Now()

	if res.err != nil {
		stat.ConsecutiveFails++
		if stat.ConsecutiveFails >= m.config.DownAfterFailures {
			stat.Connection = models.ConnectionDown
		} else {
			stat.Connection = models.ConnectionDegraded
		}
		m.logger.Warn("venue probe failed",
			zap.String("venue_id", venueID),
			zap.Int("consecutive_fails", stat.ConsecutiveFails),
			zap.Error(res.err))
	} else {
		stat.ConsecutiveFails = 0
		rt := res.sample.RoundTrip()
		if stat.Latency == 0 {
			stat.Latency = rt
		} else {
			a := m.config.SmoothingAlpha
			stat.Latency = time.Duration(float64(stat.Latency)*(1-a) + float64(rt)*a)
		}
		if stat.Latency > m.config.DegradedLatency {
			stat.Connection = models.ConnectionDegraded
		} else {
			stat.Connection = models.ConnectionUp
		}
	}
	latency, state := stat.Latency, stat.Connection
	m.mu.Unlock()

	m.venues.SetTelemetry(venueID, latency, state)
}

// Snapshot returns the current health view of all probed venues.
func (m *Monitor) Snapshot() []VenueHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VenueHealth, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	return out
}
