package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolscope/telemetry/internal/api"
	"github.com/toolscope/telemetry/internal/governance"
	"github.com/toolscope/telemetry/internal/ingest"
	"github.com/toolscope/telemetry/internal/observability"
	"github.com/toolscope/telemetry/internal/rollup"
	"github.com/toolscope/telemetry/internal/telemetry"
	"github.com/toolscope/telemetry/internal/version"
)

const defaultConfigPath = "toolscope.yaml"

const registryShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	var store telemetry.Store
	var keyStore governance.KeyStore
	switch cfg.Storage.Driver {
	case "sqlite":
		sqliteStore, err := telemetry.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize sqlite storage: %v\n", err)
			return 1
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				logger.Error("failed to close sqlite storage", "error", err)
			}
		}()

		store = sqliteStore
		if cfg.Governance.Enabled {
			keyStore = governance.NewSQLiteKeyStore(sqliteStore.DB())
		}
	case "postgres":
		postgresStore, err := telemetry.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize postgres storage: %v\n", err)
			return 1
		}
		defer func() {
			if err := postgresStore.Close(); err != nil {
				logger.Error("failed to close postgres storage", "error", err)
			}
		}()

		store = postgresStore
		if cfg.Governance.Enabled {
			keyStore = governance.NewPostgresKeyStore(postgresStore.DB())
		}
	default:
		fmt.Fprintf(os.Stderr, "unsupported storage.driver %q\n", cfg.Storage.Driver)
		return 1
	}

	registry := telemetry.NewRegistry(store, cfg.Ingest.RegistryBuffer)
	registry.Start(context.Background())
	attachRegistryMetrics(registry, otelRuntime)
	attachRegistryFailureLogging(logger, registry, otelRuntime)
	defer shutdownRegistry(logger, registry, registryShutdownTimeout)

	var governor *governance.Governor
	if keyStore != nil {
		governor = governance.NewGovernor(keyStore, logger)
	}

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:        version.String(),
		Store:             store,
		StorageDriver:     cfg.Storage.Driver,
		StoragePath:       cfg.Storage.Path,
		Registry:          registry,
		Normalizer:        ingest.NewNormalizer(store, registry, logger, ingest.Options{Concurrency: cfg.Ingest.Concurrency}),
		Rollup:            rollup.NewEngine(store),
		Governor:          governor,
		GovernanceEnabled: cfg.Governance.Enabled,
		MaxBodyBytes:      cfg.Ingest.MaxBodyBytes,
		Logger:            logger,
	})

	serverHandler := http.Handler(apiHandler)
	if otelRuntime != nil {
		serverHandler = otelRuntime.WrapHTTPHandler(otelRuntime.SpanEnrichmentMiddleware(serverHandler))
	}
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"ingest_concurrency", cfg.Ingest.Concurrency,
		"registry_buffer", cfg.Ingest.RegistryBuffer,
		"governance_enabled", cfg.Governance.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("telemetry backend stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("telemetry backend failed", "error", err)
			return 1
		}
		return 0
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  toolscope serve [--config path/to/toolscope.yaml]")
	fmt.Fprintln(out, "  toolscope version")
	fmt.Fprintln(out, "  toolscope config validate [--config path/to/toolscope.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  toolscope config validate [--config path/to/toolscope.yaml]")
}

func attachRegistryMetrics(registry *telemetry.Registry, otelRuntime *observability.Runtime) {
	if registry == nil || otelRuntime == nil || !otelRuntime.Enabled() {
		return
	}
	registry.SetMetrics(&telemetry.RegistryMetrics{
		OnDrop: func() {
			otelRuntime.RecordRegistryDrop("queue_full", 1)
		},
	})
}

func attachRegistryFailureLogging(logger *slog.Logger, registry *telemetry.Registry, otelRuntime *observability.Runtime) {
	if logger == nil || registry == nil {
		return
	}
	registry.SetFailureHandler(newRegistryFailureHandler(logger, otelRuntime))
}

func newRegistryFailureHandler(logger *slog.Logger, otelRuntime *observability.Runtime) telemetry.TouchFailureHandler {
	return func(failure telemetry.TouchFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordRegistryDrop("write_failed", failure.FailedCount)
		}
		logger.Error(
			"profile touch persistence failed; dropped registry updates",
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
	}
}

func shutdownRegistry(logger *slog.Logger, registry *telemetry.Registry, timeout time.Duration) {
	if registry == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending profile touches before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending profile touches before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}
