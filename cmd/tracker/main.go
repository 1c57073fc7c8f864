package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"transit-tracker/internal/config"
	"transit-tracker/internal/feed"
	"transit-tracker/internal/metrics"
	"transit-tracker/internal/patch"
	"transit-tracker/internal/publisher"
	"transit-tracker/internal/scheduler"
	"transit-tracker/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.LogLevel)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	patches, err := patch.Load(cfg.PatchFile)
	if err != nil {
		logger.Fatalf("patch table error: %v", err)
	}
	logger.WithField("entries", patches.Len()).Info("polyline patch table loaded")

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval, cfg.PublishInterval, cfg.RefreshInterval)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Initialize NATS publisher
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger)
	if err != nil {
		logger.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	client := feed.NewClient(cfg.APIBaseURL)
	sched := scheduler.New(cfg.PollInterval, logger, wrapSchedulerMetrics(mcol))

	trk := tracker.New(client, sched, pub, patches, mcol, logger, tracker.Options{
		Origin:          cfg.Origin,
		RefreshInterval: cfg.RefreshInterval,
		PublishInterval: cfg.PublishInterval,
		BurstInterval:   cfg.BurstInterval,
		BurstDuration:   cfg.BurstDuration,
		BackoffDuration: cfg.BackoffDuration,
		Grace:           cfg.Grace,
	})
	trk.Start(ctx)
	trk.Burst() // fill in details quickly right after startup

	// Block until context cancelled
	<-ctx.Done()
	trk.Stop()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	logger.Info("shutdown complete")
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics
// interface without handing out a typed nil when metrics are disabled.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func wrapSchedulerMetrics(c *metrics.Collector) scheduler.Metrics {
	if c == nil {
		return nil
	}
	return c
}
