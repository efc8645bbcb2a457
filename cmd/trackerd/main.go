// Package main wires together the tracker service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/api"
	"github.com/e3brown-rba/ikoma-tracker/internal/clock/system"
	"github.com/e3brown-rba/ikoma-tracker/internal/config"
	"github.com/e3brown-rba/ikoma-tracker/internal/estimate"
	idgen "github.com/e3brown-rba/ikoma-tracker/internal/id/uuid"
	"github.com/e3brown-rba/ikoma-tracker/internal/logging"
	"github.com/e3brown-rba/ikoma-tracker/internal/track"
	"github.com/e3brown-rba/ikoma-tracker/internal/track/sinks"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	store := track.New(track.Config{
		OutputTail:   cfg.Tracker.OutputTail,
		DefaultSteps: cfg.Tracker.DefaultSteps,
		KindSteps:    cfg.StepTable(),
		Clock:        clock,
		Logger:       logger,
	})
	estimator := estimate.New(estimate.Config{
		Baselines:       cfg.BaselineTable(),
		DefaultBaseline: cfg.DefaultBaseline(),
		Clock:           clock,
	})

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		logger.Fatal("register prometheus sink", zap.Error(err))
	}
	if err := sinks.RegisterStatusGauges(registry, store); err != nil {
		logger.Fatal("register status gauges", zap.Error(err))
	}
	store.Subscribe(promSink.Consume)
	store.Subscribe(sinks.NewLogSink(logger).Consume)

	if *configPath != "" {
		watcher, watchErr := config.NewWatcher(*configPath)
		if watchErr != nil {
			logger.Warn("config watcher unavailable", zap.Error(watchErr))
		} else if startErr := watcher.Start(ctx); startErr != nil {
			logger.Warn("config watcher start failed", zap.Error(startErr))
		} else {
			defer func() { _ = watcher.Stop() }()
			go applyReloads(watcher, store, estimator, logger)
		}
	}

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	server := api.NewServer(store, estimator, idgen.NewGenerator(), clock, cfg, metricsHandler, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// applyReloads pushes reloaded run-kind profiles into the store and
// estimator. Invalid config files are logged and skipped; the running tables
// stay as they were.
func applyReloads(watcher *config.Watcher, store *track.Store, estimator *estimate.Estimator, logger *zap.Logger) {
	for evt := range watcher.Events() {
		if evt.Err != nil {
			logger.Warn("config reload failed", zap.Error(evt.Err))
			continue
		}
		cfg := evt.Config
		store.SetKindProfiles(cfg.StepTable(), cfg.Tracker.DefaultSteps)
		estimator.SetBaselines(cfg.BaselineTable(), cfg.DefaultBaseline())
		logger.Info("run-kind profiles reloaded", zap.Int("kinds", len(cfg.Tracker.Kinds)))
	}
}
