// Command flowhs runs the flow orchestration engine: it consumes flow
// change requests over NATS, drives speaker commands to the switches and
// answers on the northbound subject of each flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/plaenen/flowhs/pkg/command"
	"github.com/plaenen/flowhs/pkg/config"
	"github.com/plaenen/flowhs/pkg/middleware"
	natspkg "github.com/plaenen/flowhs/pkg/nats"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/runner"
	"github.com/plaenen/flowhs/pkg/runtime/embeddednats"
	"github.com/plaenen/flowhs/pkg/runtime/engine"
	"github.com/plaenen/flowhs/pkg/security/credentials"
	"github.com/plaenen/flowhs/pkg/store/sqlite"
	"github.com/plaenen/flowhs/pkg/validation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("flowhs stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tel, err := initTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	creds, err := credentialsProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer creds.Close()

	burst, err := cfg.BurstPolicy()
	if err != nil {
		return err
	}

	transport := natspkg.DefaultTransportConfig()
	transport.URL = cfg.NATS.URL
	transport.Name = cfg.NATS.ClientName
	transport.Credentials = creds

	engineOpts := []engine.Option{
		engine.WithTransport(transport),
		engine.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
		engine.WithStoreOptions(sqlite.WithDSN(cfg.SQLite.DSN), sqlite.WithWALMode(cfg.SQLite.WALMode)),
		engine.WithHistoryBufferSize(cfg.History.BufferSize),
		engine.WithOrchestrationOptions(
			orchestration.WithValidator(validation.NewMirrorPointValidator(validation.WithLogger(logger))),
			orchestration.WithBuilder(command.NewBuilder(command.WithBurstPolicy(burst))),
			orchestration.WithRetriesLimit(cfg.Orchestration.SpeakerCommandRetriesLimit),
			orchestration.WithOperationTimeout(cfg.Orchestration.OperationTimeout),
		),
		engine.WithMiddleware(middleware.Default(middleware.WithLogger(logger))...),
		engine.WithLogger(logger),
		engine.WithTracer(tel.Tracer("flowhs/engine")),
		engine.WithMetrics(tel.Metrics),
	}

	var services []runner.Service
	if cfg.NATS.Embedded {
		serverOpts := []natspkg.ServerOption{
			natspkg.WithPort(cfg.NATS.EmbeddedPort),
			natspkg.WithServerName(cfg.Service.Name),
		}
		if cfg.NATS.StoreDir != "" {
			serverOpts = append(serverOpts, natspkg.WithJetStream(cfg.NATS.StoreDir))
		}
		natsService := embeddednats.New(
			embeddednats.WithLogger(logger),
			embeddednats.WithTracer(tel.Tracer("flowhs/embeddednats")),
			// The broker accepts exactly the credentials the engine connects with.
			embeddednats.WithCredentials(creds),
			embeddednats.WithServerOptions(serverOpts...),
		)
		services = append(services, natsService)
		// The server URL is only known once it listens.
		engineOpts = append(engineOpts, engine.WithURLSource(natsService.URL))
	}
	services = append(services, engine.New(engineOpts...))

	logger.Info("starting flowhs",
		slog.String("version", cfg.Service.Version),
		slog.Bool("embedded_nats", cfg.NATS.Embedded),
		slog.String("sqlite_dsn", cfg.SQLite.DSN),
	)

	r := runner.New(services,
		runner.WithLogger(logger),
		runner.WithHealthInterval(cfg.Service.HealthInterval),
	)
	return r.Run(ctx)
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Telemetry, error) {
	obsCfg := observability.Config{
		ServiceName:     cfg.Service.Name,
		ServiceVersion:  cfg.Service.Version,
		Environment:     cfg.Service.Environment,
		TraceSampleRate: cfg.Telemetry.TraceSampleRate,
		Logger:          logger,
	}

	var exporter *observability.SQLiteExporter
	if cfg.Telemetry.ExportDSN != "" {
		var err error
		exporter, err = observability.OpenSQLiteExporter(ctx, cfg.Telemetry.ExportDSN,
			observability.WithRetention(cfg.Telemetry.Retention))
		if err != nil {
			return nil, fmt.Errorf("failed to open telemetry store: %w", err)
		}
		obsCfg.TraceExporter = exporter
		obsCfg.MetricReader = sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Telemetry.MetricInterval))
	}

	tel, err := observability.Init(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if exporter != nil {
		tel.OnShutdown(func(context.Context) error { return exporter.Close() })
	}
	return tel, nil
}

// credentialsProvider decrypts the configured secret file, or falls back to
// FLOWHS_NATS_* variables. Without either the connection is anonymous.
func credentialsProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (credentials.Provider, error) {
	if cfg.NATS.CredentialsURL == "" {
		return credentials.NewChainProvider(credentials.NewEnvProvider()), nil
	}
	provider, err := credentials.NewSecretProvider(ctx, cfg.NATS.CredentialsURL, cfg.NATS.CredentialsFile,
		credentials.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials keeper: %w", err)
	}
	return provider, nil
}
