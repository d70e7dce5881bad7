// The Meridian dashboard API: a read-only view over persisted trust
// envelopes with on-demand signature re-verification.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/meridian/internal/agent"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/dashboard"
	"github.com/example/meridian/internal/db"
	"github.com/example/meridian/internal/logging"
	"github.com/example/meridian/internal/store"
)

func main() {
	logger := logging.NewFromEnv().With("service", "meridian-dashboard")
	slog.SetDefault(logger)

	cfg := config.Load()

	addr := strings.TrimSpace(os.Getenv("DASHBOARD_ADDR"))
	if addr == "" {
		addr = ":8002"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var database *db.DB
	err := agent.WaitFor(ctx, logger, "postgres", agent.DatabaseWaitDeadline, func(ctx context.Context) error {
		var err error
		database, err = db.Connect(ctx, db.Config{DSN: cfg.PostgresDSN})
		return err
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	handler := dashboard.New(dashboard.Config{
		Envelopes: store.New(database),
		Logger:    logger,
		Health:    database.HealthCheck,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      logging.HTTPMiddleware(logger)(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("dashboard listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dashboard stopped")
}
