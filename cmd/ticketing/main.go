// The Meridian mock ticketing service: a ServiceNow Incident Table API
// subset with an in-memory store, used by the local stack and integration
// tests.
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

	"github.com/example/meridian/internal/logging"
	"github.com/example/meridian/internal/ticketing"
)

func main() {
	logger := logging.NewFromEnv().With("service", "meridian-ticketing")
	slog.SetDefault(logger)

	addr := strings.TrimSpace(os.Getenv("TICKETING_ADDR"))
	if addr == "" {
		addr = ":8001"
	}

	service := ticketing.NewService(logger)

	mux := http.NewServeMux()
	mux.Handle("/", service.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      logging.HTTPMiddleware(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("ticketing service listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ticketing service stopped")
}
