// Package main is the entry point for the MTTx API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"secops-toolkit/internal/api"
	"secops-toolkit/internal/api/mttxapi"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/config"
	safeerrors "secops-toolkit/internal/errors"
	"secops-toolkit/internal/kafka"
	"secops-toolkit/internal/logging"
	"secops-toolkit/internal/metrics"
	"secops-toolkit/internal/middleware"
	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/scheduler"
	"secops-toolkit/internal/soar"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/storage/archive"
	"secops-toolkit/internal/storage/s3"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mttx-server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	safeerrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"database", cfg.Database.Path,
		"auth_enabled", cfg.Auth.Enabled,
		"s3_enabled", cfg.S3.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SeedCaseStatuses(ctx, mttx.DefaultCaseStatuses()); err != nil {
		return fmt.Errorf("seed case statuses: %w", err)
	}

	m := metrics.New()
	analyzer := mttx.NewAnalyzer(db, mttx.ChronicleQuerier(cfg.Chronicle.Config, logger), logger)

	sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	sched := scheduler.New(db, analyzer, sinks, logger, scheduler.WithMetrics(m))
	if err := sched.Sync(ctx); err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	sched.Start()

	handler := mttxapi.New(mttxapi.Deps{
		Store:       db,
		Analyzer:    analyzer,
		Scheduler:   sched,
		TestTenant:  testTenant(cfg.Chronicle.Config, logger),
		FetchStages: fetchStages(cfg.SOAR.ClientConfig, logger),
		Logger:      logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", api.Health)
	mux.Handle("GET /metrics", m.Handler())

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	defer limiter.Stop()

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: middleware.Chain(mux,
			middleware.RequestID(),
			middleware.Logging(logger, m),
			middleware.Recovery(logger),
			middleware.SecurityHeaders(),
			middleware.CORS(cfg.CORS),
			limiter.Middleware(),
			middleware.APIKeyAuth(cfg.Auth, logger),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting mttx server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler stop error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// buildSinks returns the delivery sinks keyed by destination type. CSV is
// always available; the others follow their enabled flags.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]scheduler.Sink, func(), error) {
	sinks := map[string]scheduler.Sink{
		storage.DestinationCSV: scheduler.NewCSVSink(logger),
	}
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("sink close error", "error", err)
			}
		}
	}

	if cfg.S3.Enabled {
		client, err := s3.NewClient(ctx, cfg.S3, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		sinks[storage.DestinationS3] = scheduler.NewS3Sink(client, logger)
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		closers = append(closers, producer.Close)
		sinks[storage.DestinationKafka] = scheduler.NewKafkaSink(producer)
	}

	if cfg.Archive.Enabled {
		client, err := archive.NewClient(ctx, cfg.Archive.Config)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("clickhouse: %w", err)
		}
		closers = append(closers, client.Close)
		sinks[storage.DestinationClickHouse] = scheduler.NewClickHouseSink(
			scheduler.ArchiveWriters(client, cfg.Archive.Writer, logger))
	}

	return sinks, closeAll, nil
}

// testTenant checks a tenant's Chronicle instance by listing its feeds.
func testTenant(cfg chronicle.Config, logger *slog.Logger) mttxapi.ConnectionTester {
	return func(ctx context.Context, t *storage.Tenant) error {
		client, err := chronicle.NewClient(ctx, cfg, chronicle.Instance{
			ProjectID:  t.GCPProjectID,
			Region:     t.Region,
			CustomerID: t.GUID,
		}, chronicle.WithLogger(logger))
		if err != nil {
			return err
		}
		_, err = client.ListFeeds(ctx)
		return err
	}
}

// fetchStages reads case stages from the tenant's SOAR with the server's
// timeout and retry settings.
func fetchStages(base soar.ClientConfig, logger *slog.Logger) mttxapi.StageFetcher {
	return func(ctx context.Context, t *storage.Tenant) ([]soar.Stage, error) {
		cfg := base
		cfg.URL = t.SOARURL
		cfg.APIKey = t.SOARAPIKey
		client, err := soar.NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client.GetCaseStages(ctx)
	}
}
