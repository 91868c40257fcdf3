package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/api"
	"github.com/flowpbx/fastagi/internal/config"
	"github.com/flowpbx/fastagi/internal/database"
	"github.com/flowpbx/fastagi/internal/database/pgstore"
	"github.com/flowpbx/fastagi/internal/metrics"
	"github.com/flowpbx/fastagi/internal/provision"
	"github.com/flowpbx/fastagi/internal/ratelimit"
	"github.com/flowpbx/fastagi/internal/scripts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// cleanupInterval is how often expired history is pruned.
const cleanupInterval = time.Hour

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting fastagi",
		"agi_port", cfg.AGIPort,
		"http_port", cfg.HTTPPort,
		"audio_cache", cfg.Provisioning().Dir(),
		"agi_trace", cfg.AGITrace,
	)

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.close() //nolint:errcheck

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	database.StartCleanupTicker(appCtx, store.sessions, store.assetEvents, cfg.SessionRetentionDays, cleanupInterval)

	provisioner := provision.New(cfg.Provisioning(),
		provision.WithRecorder(store.assetEvents),
		provision.WithLogger(logger),
		provision.WithDebug(cfg.ShellDebug),
	)

	mux := agi.NewMux()
	scripts.RegisterAll(mux, provisioner, logger)

	acceptLimiter := ratelimit.New(ratelimit.Config{
		Rate:            rate.Limit(cfg.AcceptRate),
		Burst:           cfg.AcceptBurst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	})
	defer acceptLimiter.Stop()

	tracer := agi.NewTracer(logger, cfg.TraceVerbosity())
	agiSrv := agi.NewServer(mux, store.sessions, acceptLimiter, tracer, logger)
	if err := agiSrv.Start(appCtx, cfg.AGIAddr()); err != nil {
		slog.Error("failed to start fastagi server", "error", err)
		os.Exit(1)
	}

	// Prometheus registry with the FastAGI collector plus runtime metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(agiSrv, store.sessions, provisioner, acceptLimiter, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	apiLimiter := ratelimit.New(ratelimit.DefaultConfig())
	defer apiLimiter.Stop()

	handler := api.NewServer(store.sessions, store.assetEvents, store.schema, agiSrv, mux, registry, apiLimiter, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers", "active_sessions", agiSrv.GetActiveCallCount())
	agiSrv.Stop()
	appCancel()

	waited := make(chan struct{})
	go func() {
		agiSrv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("fastagi sessions did not finish before shutdown timeout")
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("fastagi stopped")
}

// sessionStore bundles the history repositories of whichever backend the
// configuration selects.
type sessionStore struct {
	sessions    database.SessionRepository
	assetEvents database.AssetEventRepository
	schema      api.SchemaReporter
	close       func() error
}

// openStore opens PostgreSQL when database-url is set and the SQLite file
// in data-dir otherwise.
func openStore(cfg *config.Config) (*sessionStore, error) {
	if cfg.UsePostgres() {
		pg, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &sessionStore{
			sessions:    pg.Sessions(),
			assetEvents: pg.AssetEvents(),
			schema:      pg,
			close:       pg.Close,
		}, nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &sessionStore{
		sessions:    database.NewSessionRepository(db),
		assetEvents: database.NewAssetEventRepository(db),
		schema:      db,
		close:       db.Close,
	}, nil
}
