package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vrlink/config"
	"vrlink/httpServer"
	"vrlink/internal/auth"
	"vrlink/internal/backend/sim"
	"vrlink/internal/bitrate"
	"vrlink/internal/capture"
	"vrlink/internal/logger"
	"vrlink/internal/metrics"
	"vrlink/internal/poseclock"
	"vrlink/internal/scheduler"
	"vrlink/internal/sessionmanager"
	"vrlink/internal/storage"
	"vrlink/internal/telemetry"
)

const tokenCleanupInterval = time.Minute

func main() {
	if err := config.LoadDotEnv(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", slog.Any("error", err))
	}

	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("vrlink host stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("vrlink host stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting vrlink host",
		slog.String("http", cfg.HTTPAddr),
		slog.Float64("refresh_rate", cfg.RefreshRate),
		slog.Any("codecs", cfg.Codecs),
		slog.Bool("foveation", cfg.FoveationEnabled),
	)

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()

	bcfg, err := cfg.BitrateConfig()
	if err != nil {
		return err
	}
	controller, err := bitrate.New(bcfg, log)
	if err != nil {
		return err
	}

	clock := poseclock.NewClock()
	poses := poseclock.NewPoseBuffer(poseclock.DefaultHistory)

	sched, err := scheduler.New(cfg.SchedulerConfig(), scheduler.Deps{
		Source:     poseclock.NewBufferSource(poses, clock),
		Clock:      clock,
		Renderer:   sim.NewRenderer(),
		Encoder:    &sim.Encoder{GopLength: uint64(max(cfg.GopLength, 0))},
		Controller: controller,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	recorder := capture.NewRecorder(store, m, log, cfg.CaptureQueue)
	sched.SetTap(recorder)

	var reporter *telemetry.Reporter
	if mc, ok := cfg.MQTTConfig(); ok {
		pub, err := telemetry.NewMQTTPublisher(ctx, mc, log)
		if err != nil {
			// Telemetry is optional; keep streaming without it.
			log.Warn("telemetry disabled", slog.Any("error", err))
		} else {
			reporter = telemetry.NewReporter(pub, sched, cfg.MQTTTopicPrefix, cfg.TelemetryInterval, log)
		}
	}

	sessions := sessionmanager.New(m, cfg.MaxHeadsets)
	authManager := auth.New(cfg.PairingTokenExpiration)

	srv := httpServer.New(cfg, httpServer.Deps{
		Sessions:   sessions,
		Auth:       authManager,
		Scheduler:  sched,
		Controller: controller,
		Recorder:   recorder,
		Metrics:    m,
		Clock:      clock,
		Poses:      poses,
		Logger:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(sched.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(recorder.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(reporter.Run(gctx)) })
	g.Go(func() error {
		ticker := time.NewTicker(tokenCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := authManager.CleanupExpiredTokens(); n > 0 {
					log.Debug("expired pairing tokens removed", slog.Int("count", n))
				}
			}
		}
	})
	g.Go(func() error { return srv.Run(gctx, cfg.HTTPAddr) })

	log.Info("vrlink host started",
		slog.String("pair", "POST /api/v1/pair"),
		slog.String("stream", "GET /stream?token="),
		slog.String("metrics", "GET /metrics"),
	)

	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.StorageBackend == "gcs" {
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, err
		}
		log.Info("capture storage initialized", slog.String("backend", "gcs"),
			slog.String("bucket", cfg.GCSBucket), slog.String("prefix", cfg.GCSPrefix))
		return gcs, nil
	}

	local, err := storage.NewLocalStorage(cfg.CaptureDir)
	if err != nil {
		return nil, err
	}
	log.Info("capture storage initialized", slog.String("backend", "local"), slog.String("dir", cfg.CaptureDir))
	return local, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
