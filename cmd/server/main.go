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
	"time"

	"github.com/tphummel/staging_kit/internal/audit"
	"github.com/tphummel/staging_kit/internal/config"
	"github.com/tphummel/staging_kit/internal/handlers"
	"github.com/tphummel/staging_kit/internal/logging"
	"github.com/tphummel/staging_kit/internal/metrics"
	"github.com/tphummel/staging_kit/internal/middleware"
	"github.com/tphummel/staging_kit/internal/pipeline"
	"github.com/tphummel/staging_kit/internal/runner"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start() error {
	var cfg config.Server
	if err := config.LoadConfig(&cfg, &os.Args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.Log.SlogLevel(), cfg.Log.JSON)
	slog.SetDefault(logger)

	r, err := runner.New(cfg.Staging.Runner, cfg.Staging.PowerShellPath, logger)
	if err != nil {
		return fmt.Errorf("command runner: %w", err)
	}

	store, err := audit.New()
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	metrics.Register(store)

	session := pipeline.New(r, store, pipeline.Options{
		InterfaceAlias: cfg.Staging.InterfaceAlias,
		ExportDir:      cfg.Staging.ExportDir,
		Logger:         logger,
	})
	h := &handlers.Handler{Session: session, Audit: store, Version: version, Commit: commit}

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           newHandler(h, cfg.HTTP.APIToken, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Applying a change can take a while; the executor keeps going
		// after the client gives up.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.ListenAddr, "runner", cfg.Staging.Runner, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newHandler builds the routed, logged handler tree.
func newHandler(h *handlers.Handler, token string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	open := func(pattern string, hf http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, hf))
	}
	protected := func(pattern string, hf http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, middleware.Auth(token, hf)))
	}

	// Health check, no auth
	open("GET /healthz", h.Health)

	// Prometheus metrics, no auth
	mux.Handle("GET /metrics", metrics.Handler())

	// API docs, no auth
	open("GET /openapi.yaml", h.OpenAPISpec)
	open("GET /docs", h.Docs)

	// Devices
	protected("GET /api/v1/devices", h.ListDevices)
	protected("GET /api/v1/devices/export", h.ExportDevices)
	protected("POST /api/v1/devices/export/file", h.ExportDevicesFile)
	protected("POST /api/v1/devices/import", h.ImportDevices)

	// Changes
	protected("POST /api/v1/changes", h.SubmitChange)
	protected("GET /api/v1/changes", h.ListChanges)
	protected("GET /api/v1/changes/{id}", h.GetChange)

	// Read-only lookups
	protected("GET /api/v1/env", h.MachineEnv)
	protected("GET /api/v1/timezones", h.Timezones)
	protected("GET /api/v1/activation", h.Activation)

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestLogger(logger, skip, mux)
}
