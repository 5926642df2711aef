package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/healthy-habitat/score-regions/internal/app"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/http/handler"
	"github.com/healthy-habitat/score-regions/internal/http/middleware"
	"github.com/healthy-habitat/score-regions/internal/http/router"
	"github.com/healthy-habitat/score-regions/internal/jobs"
	"github.com/healthy-habitat/score-regions/internal/logger"
	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load basic configuration first (for logging setup)
	basicCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(&basicCfg.Logging, &basicCfg.App)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting application",
		zap.String("app", basicCfg.App.Name),
		zap.String("env", basicCfg.App.Environment),
		zap.Int("port", basicCfg.App.Port),
	)

	// In development secrets come from environment variables,
	// in staging/production from Azure Key Vault
	cfg, err := config.LoadWithSecrets(ctx, log)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	scoringMetrics, err := metrics.NewScoringMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	components, err := app.Build(cfg, scoringMetrics, log)
	if err != nil {
		return err
	}

	checks := make(map[string]handler.Check, len(components.Checks))
	for name, check := range components.Checks {
		checks[name] = check
	}

	rt := router.NewRouter(
		cfg,
		log,
		registry,
		middleware.NewRateLimiter(&cfg.RateLimit, log),
		handler.NewEventHandler(components.Service, scoringMetrics, log, cfg.Server.EventTimeoutDuration()),
		handler.NewHealthHandler(checks, log),
	)

	var scheduler *jobs.Scheduler
	if cfg.Jobs.SweepEnabled {
		scheduler = jobs.NewScheduler(log)
		if err := jobs.RegisterWorkDirSweepJob(
			scheduler,
			cfg.Pipeline.WorkDir,
			cfg.Jobs.WorkDirMaxAgeDuration(),
			cfg.Jobs.SweepCron,
			scoringMetrics,
			log,
			true, // clear leftovers from a previous crash
		); err != nil {
			log.Error("Failed to register work directory sweep job", zap.Error(err))
			scheduler = nil
		} else {
			scheduler.Start()
			log.Info("Scheduler started with work directory sweep",
				zap.String("cron_expr", cfg.Jobs.SweepCron),
				zap.Duration("max_age", cfg.Jobs.WorkDirMaxAgeDuration()),
			)
		}
	} else {
		log.Info("Work directory sweep disabled")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      rt.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		if scheduler != nil {
			<-scheduler.Stop().Done()
			log.Info("Scheduler stopped")
		}

		// In-flight scoring runs get the same budget as a write
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeoutDuration()+5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Failed to shutdown gracefully", zap.Error(err))
			return err
		}

		if err := components.Close(); err != nil {
			log.Warn("Error closing results store", zap.Error(err))
		}

		log.Info("Server stopped gracefully")
	}

	return nil
}
