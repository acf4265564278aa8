// Package config loads engine configuration from file with sane defaults.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/health"
	"github.com/wingzero/tradebridge/internal/resilience"
	"github.com/wingzero/tradebridge/internal/router"
	"github.com/wingzero/tradebridge/internal/scheduler"
	"github.com/wingzero/tradebridge/internal/threshold"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel         string
	HTTPAddr         string
	OperationTimeout time.Duration

	Breaker   resilience.BreakerConfig
	Retry     resilience.RetryConfig
	Threshold threshold.Config
	Scheduler scheduler.Config
	Router    router.Config
	Health    health.Config
}

// Load reads configuration from path (or the default search paths when path
// is empty). A missing file is not an error; defaults apply.
func Load(path string, logger *zap.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tradebridge")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("configuration file not found, using defaults")
		} else if path != "" {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	} else {
		logger.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}

	cfg := &Config{
		LogLevel:         v.GetString("log_level"),
		HTTPAddr:         v.GetString("http_addr"),
		OperationTimeout: v.GetDuration("operation_timeout"),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: v.GetInt64("breaker.failure_threshold"),
			CoolDown:         v.GetDuration("breaker.cool_down"),
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			BaseDelay:   v.GetDuration("retry.base_delay"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
			Multiplier:  v.GetFloat64("retry.multiplier"),
		},
		Threshold: threshold.Config{
			Interval:      v.GetDuration("threshold.interval"),
			FeedTimeout:   v.GetDuration("threshold.feed_timeout"),
			Decay:         v.GetFloat64("threshold.decay"),
			MaxMultiplier: v.GetFloat64("threshold.max_multiplier"),
		},
		Scheduler: scheduler.Config{
			TickInterval:      v.GetDuration("scheduler.tick_interval"),
			MaxConcurrentJobs: v.GetInt("scheduler.max_concurrent_jobs"),
			MaxRetries:        v.GetInt("scheduler.max_retries"),
			RetryStep:         v.GetDuration("scheduler.retry_step"),
			StatusHistory:     v.GetInt("scheduler.status_history"),
		},
		Router: router.Config{
			Weights: router.Weights{
				Preference: v.GetFloat64("router.weights.preference"),
				Latency:    v.GetFloat64("router.weights.latency"),
				Cost:       v.GetFloat64("router.weights.cost"),
				DarkPool:   v.GetFloat64("router.weights.dark_pool"),
				Impact:     v.GetFloat64("router.weights.impact"),
			},
			DependencyTimeout:     v.GetDuration("router.dependency_timeout"),
			ReferenceLatency:      v.GetDuration("router.reference_latency"),
			CostOptimization:      v.GetBool("router.cost_optimization"),
			ImpactMinimization:    v.GetBool("router.impact_minimization"),
			SplitThreshold:        decimal.NewFromFloat(v.GetFloat64("router.split_threshold")),
			MaxVenuesPerOrder:     v.GetInt("router.max_venues_per_order"),
			MinAllocationFraction: v.GetFloat64("router.min_allocation_fraction"),
			DarkPoolSizeThreshold: decimal.NewFromFloat(v.GetFloat64("router.dark_pool_size_threshold")),
			SlippageFactor:        v.GetFloat64("router.slippage_factor"),
		},
		Health: health.Config{
			Interval:          v.GetDuration("health.interval"),
			ProbeTimeout:      v.GetDuration("health.probe_timeout"),
			SmoothingAlpha:    v.GetFloat64("health.smoothing_alpha"),
			DegradedLatency:   v.GetDuration("health.degraded_latency"),
			DownAfterFailures: v.GetInt("health.down_after_failures"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":6542")
	v.SetDefault("operation_timeout", "10s")

	breaker := resilience.DefaultBreakerConfig()
	v.SetDefault("breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("breaker.cool_down", breaker.CoolDown.String())

	retry := resilience.DefaultRetryConfig()
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", retry.MaxDelay.String())
	v.SetDefault("retry.multiplier", retry.Multiplier)

	thr := threshold.DefaultConfig()
	v.SetDefault("threshold.interval", thr.Interval.String())
	v.SetDefault("threshold.feed_timeout", thr.FeedTimeout.String())
	v.SetDefault("threshold.decay", thr.Decay)
	v.SetDefault("threshold.max_multiplier", thr.MaxMultiplier)

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.tick_interval", sched.TickInterval.String())
	v.SetDefault("scheduler.max_concurrent_jobs", sched.MaxConcurrentJobs)
	v.SetDefault("scheduler.max_retries", sched.MaxRetries)
	v.SetDefault("scheduler.retry_step", sched.RetryStep.String())
	v.SetDefault("scheduler.status_history", sched.StatusHistory)

	rt := router.DefaultConfig()
	v.SetDefault("router.weights.preference", rt.Weights.Preference)
	v.SetDefault("router.weights.latency", rt.Weights.Latency)
	v.SetDefault("router.weights.cost", rt.Weights.Cost)
	v.SetDefault("router.weights.dark_pool", rt.Weights.DarkPool)
	v.SetDefault("router.weights.impact", rt.Weights.Impact)
	v.SetDefault("router.dependency_timeout", rt.DependencyTimeout.String())
	v.SetDefault("router.reference_latency", rt.ReferenceLatency.String())
	v.SetDefault("router.cost_optimization", rt.CostOptimization)
	v.SetDefault("router.impact_minimization", rt.ImpactMinimization)
	v.SetDefault("router.split_threshold", rt.SplitThreshold.InexactFloat64())
	v.SetDefault("router.max_venues_per_order", rt.MaxVenuesPerOrder)
	v.SetDefault("router.min_allocation_fraction", rt.MinAllocationFraction)
	v.SetDefault("router.dark_pool_size_threshold", rt.DarkPoolSizeThreshold.InexactFloat64())
	v.SetDefault("router.slippage_factor", rt.SlippageFactor)

	h := health.DefaultConfig()
	v.SetDefault("health.interval", h.Interval.String())
	v.SetDefault("health.probe_timeout", h.ProbeTimeout.String())
	v.SetDefault("health.smoothing_alpha", h.SmoothingAlpha)
	v.SetDefault("health.degraded_latency", h.DegradedLatency.String())
	v.SetDefault("health.down_after_failures", h.DownAfterFailures)
}
