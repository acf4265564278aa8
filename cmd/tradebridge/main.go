package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/api"
	"github.com/wingzero/tradebridge/internal/collab"
	"github.com/wingzero/tradebridge/internal/config"
	"github.com/wingzero/tradebridge/internal/health"
	"github.com/wingzero/tradebridge/internal/resilience"
	"github.com/wingzero/tradebridge/internal/router"
	"github.com/wingzero/tradebridge/internal/scheduler"
	"github.com/wingzero/tradebridge/internal/threshold"
	"github.com/wingzero/tradebridge/internal/txnengine"
	"github.com/wingzero/tradebridge/pkg/logger"
	"github.com/wingzero/tradebridge/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(*configPath, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	breakers := resilience.NewBreakerRegistry(cfg.Breaker, zapLogger)
	executor := resilience.NewExecutor(breakers, cfg.Retry, zapLogger)

	engine := txnengine.NewEngine(txnengine.NewMetrics(registry), zapLogger)
	ledger := collab.NewMemoryLedger(map[string]decimal.Decimal{})
	withdrawals := txnengine.NewWithdrawalService(
		engine, executor, ledger,
		&collab.LoggingPayoutGateway{Logger: zapLogger},
		&collab.LoggingSink{Logger: zapLogger},
		&collab.LoggingSink{Logger: zapLogger},
		cfg.OperationTimeout, zapLogger,
	)

	venues := router.NewVenueRegistry()
	seedVenues(venues)
	quotes := collab.NewStaticQuoteFeed()
	orders := router.New(cfg.Router, venues, quotes,
		&collab.AckVenueGateway{Logger: zapLogger},
		executor, router.NewMetrics(registry), zapLogger)

	marketFeed := collab.NewStaticMarketFeed()
	thresholds := threshold.NewCalculator(marketFeed, cfg.Threshold, zapLogger)
	for _, instrument := range []string{"EURUSD", "GBPUSD", "USDJPY"} {
		thresholds.Register(instrument, 1000, 100, 10000)
	}

	jobs := scheduler.New(cfg.Scheduler, scheduler.NewMetrics(registry), zapLogger)
	jobs.RegisterHandler("threshold.recompute", func(ctx context.Context, _ *scheduler.Job) error {
		thresholds.Recompute(ctx)
		return nil
	})

	monitor := health.NewMonitor(venues, collab.NewFixedProber(), cfg.Health, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go thresholds.Start(ctx)
	go jobs.Start(ctx)
	go monitor.Start(ctx)

	server := api.NewServer(withdrawals, orders, thresholds, jobs, monitor, breakers, registry, zapLogger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
}

// seedVenues installs a default venue set until adapters register real ones.
func seedVenues(venues *router.VenueRegistry) {
	venues.Upsert(models.Venue{
		ID:              "primary-1",
		Name:            "Primary Exchange",
		Class:           models.VenuePrimary,
		LatencyEstimate: 20 * time.Millisecond,
		Active:          true,
		Instruments:     []string{"EURUSD", "GBPUSD", "USDJPY"},
		Fees:            models.FeeSchedule{TakerBps: decimal.NewFromInt(10), MinimumFee: decimal.NewFromInt(1)},
		Bounds:          models.SizeBounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10000000)},
		Connection:      models.ConnectionUp,
		Preference:      0.9,
	})
	venues.Upsert(models.Venue{
		ID:              "dark-1",
		Name:            "Dark Pool One",
		Class:           models.VenueDarkPool,
		LatencyEstimate: 40 * time.Millisecond,
		Active:          true,
		Instruments:     []string{"EURUSD", "GBPUSD"},
		Fees:            models.FeeSchedule{TakerBps: decimal.NewFromInt(5), MinimumFee: decimal.NewFromInt(1)},
		Bounds:          models.SizeBounds{Min: decimal.NewFromInt(1000), Max: decimal.NewFromInt(50000000)},
		Connection:      models.ConnectionUp,
		Preference:      0.6,
	})
	venues.Upsert(models.Venue{
		ID:              "ecn-1",
		Name:            "ECN One",
		Class:           models.VenueECN,
		LatencyEstimate: 15 * time.Millisecond,
		Active:          true,
		Instruments:     []string{"EURUSD", "USDJPY"},
		Fees:            models.FeeSchedule{TakerBps: decimal.NewFromInt(8), MinimumFee: decimal.NewFromInt(1)},
		Bounds:          models.SizeBounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(5000000)},
		Connection:      models.ConnectionUp,
		Preference:      0.7,
	})
}
