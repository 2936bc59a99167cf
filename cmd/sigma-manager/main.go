// Package main is the entry point for the Sigma rule manager API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"secops-toolkit/internal/api"
	"secops-toolkit/internal/api/sigmaapi"
	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/config"
	safeerrors "secops-toolkit/internal/errors"
	"secops-toolkit/internal/logging"
	"secops-toolkit/internal/metrics"
	"secops-toolkit/internal/middleware"
	"secops-toolkit/internal/sigma"
	"secops-toolkit/internal/storage"
)

// defaultPort keeps the manager off the MTTx server's port when both run
// from one config file.
const defaultPort = 8001

func main() {
	port := flag.Int("port", defaultPort, "HTTP listen port")
	flag.Parse()

	if err := run(*port); err != nil {
		slog.Error("sigma-manager failed", "error", err)
		os.Exit(1)
	}
}

func run(port int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Server.HTTPPort = port
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
		"repos_dir", cfg.Sigma.ReposDir,
		"converter", cfg.Sigma.ConverterCommand,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	handler := sigmaapi.New(sigmaapi.Deps{
		Store:     db,
		Syncer:    sigma.NewSyncer(db, cfg.Sigma, sigma.ExecGit, logger),
		Converter: sigma.NewConverter(db, cfg.Sigma, sigma.ExecCommand, m, logger),
		Rules:     ruleClients(cfg.Chronicle.Config, logger),
		Logger:    logger,
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
		ReadTimeout: cfg.Server.ReadTimeout,
		// Rule test streams stay open for the whole run.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting sigma manager", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			handler.Close()
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
	// Cancels sync, conversion and deployment jobs and waits for them.
	handler.Close()
	slog.Info("shutdown complete")
	return nil
}

func ruleClients(cfg chronicle.Config, logger *slog.Logger) sigmaapi.RuleClientFactory {
	return func(ctx context.Context, t *storage.Tenant) (sigmaapi.RuleClient, error) {
		return chronicle.NewClient(ctx, cfg, chronicle.Instance{
			ProjectID:  t.GCPProjectID,
			Region:     t.Region,
			CustomerID: t.GUID,
		}, chronicle.WithLogger(logger))
	}
}
