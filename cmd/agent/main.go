// The Meridian evidence collection agent. On startup it loads (or generates)
// the Ed25519 keypair, waits for Postgres, Keycloak, and the ticketing
// service, ensures the database schema, reconstructs the Merkle log from
// persisted leaf hashes, and then evaluates every configured control each
// cycle until the process is terminated.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/example/meridian/internal/agent"
	"github.com/example/meridian/internal/checks"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/db"
	"github.com/example/meridian/internal/keycloak"
	"github.com/example/meridian/internal/logging"
	"github.com/example/meridian/internal/merkle"
	"github.com/example/meridian/internal/signing"
	"github.com/example/meridian/internal/store"
	"github.com/example/meridian/internal/ticketing"
)

func main() {
	logger := logging.NewFromEnv().With("service", "meridian-agent")
	slog.SetDefault(logger)

	cfg := config.Load()

	controlsFile, err := config.LoadControls(cfg.ConfigPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}
	productsFile, err := config.LoadProducts(cfg.ProductsPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}
	if err := checks.ValidateControls(controlsFile.Controls); err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	if err := initMetricsProvider(logger); err != nil {
		logger.Warn("metrics exporter not initialized", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Ed25519 keypair: generated on first run, reused afterwards.
	keys, err := signing.LoadOrGenerate(
		filepath.Join(cfg.KeyDir, "signing_key.pem"),
		filepath.Join(cfg.KeyDir, "signing_key.pub.pem"))
	if err != nil {
		logger.Error("key setup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("signing key ready", "public_key", keys.PublicKeyHex())

	idp := keycloak.NewClient(keycloak.Config{
		BaseURL:       cfg.KeycloakURL,
		Realm:         controlsFile.Agent.Realm,
		AdminUser:     cfg.KeycloakAdmin,
		AdminPassword: cfg.KeycloakAdminPass,
		Timeout:       cfg.HTTPTimeout,
		Logger:        logger,
	})
	tickets := ticketing.NewClient(cfg.TicketingURL, logger)

	database := connectDatabase(ctx, logger, cfg)
	defer database.Close()

	if err := agent.WaitFor(ctx, logger, "keycloak", agent.IdPWaitDeadline, idp.Ping); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := agent.WaitFor(ctx, logger, "ticketing", agent.TicketingWaitDeadline, tickets.Ping); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := database.EnsureSchema(ctx); err != nil {
		logger.Error("schema setup failed", "error", err)
		os.Exit(1)
	}

	a := &agent.Agent{
		Settings: controlsFile.Agent,
		Controls: controlsFile.Controls,
		Products: productsFile,
		IdP:      idp,
		Tickets:  tickets,
		Store:    store.New(database),
		Keys:     keys,
		Merkle:   merkle.NewLog(),
		Logger:   logger,
		Metrics:  agent.NewMetrics(prometheus.DefaultRegisterer),
	}

	if err := a.RestoreMerkleLog(ctx); err != nil {
		logger.Error("merkle reconstruction failed", "error", err)
		os.Exit(1)
	}

	interval := controlsFile.Agent.RunInterval()
	logger.Info("all dependencies ready", "run_interval", interval.String())

	for {
		if err := a.RunCycle(ctx); err != nil {
			logger.Error("cycle finished with errors", "error", err)
			// A dead connection poisons every subsequent write; reconnect
			// before the next cycle rather than attempting in-flight repair.
			if database.HealthCheck(ctx) != nil {
				_ = database.Close()
				database = connectDatabase(ctx, logger, cfg)
				a.Store = store.New(database)
				if err := a.RestoreMerkleLog(ctx); err != nil {
					logger.Error("merkle reconstruction failed", "error", err)
					os.Exit(1)
				}
			}
		}

		logger.Info("sleeping until next run", "interval", interval.String())
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-time.After(interval):
		}
	}
}

// connectDatabase waits for Postgres with the startup backoff policy and
// exits after the deadline.
func connectDatabase(ctx context.Context, logger *slog.Logger, cfg config.Config) *db.DB {
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
	return database
}

// initMetricsProvider configures an OTLP metrics exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise it is a no-op.
func initMetricsProvider(logger *slog.Logger) error {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(stripScheme(endpoint)),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("meridian-agent"),
			semconv.DeploymentEnvironment(os.Getenv("APP_ENV")),
		),
	)
	if err != nil {
		return err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	logger.Info("metrics exporter initialized", "endpoint", endpoint)
	return nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}
