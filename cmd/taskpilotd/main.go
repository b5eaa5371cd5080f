// Taskpilotd is the taskpilot agent daemon.
//
// It serves the HTTP/SSE API by default, or the MCP tool surface on stdio
// with -mcp. Configuration comes from a YAML file and TASKPILOT_
// environment variables. See internal/config for the keys.
//
// Usage:
//
//	# Start the HTTP server with the default config file
//	taskpilotd
//
//	# Use another config file and port
//	TASKPILOT_SERVER_HTTP_PORT=8080 taskpilotd -config ./taskpilot.yaml
//
//	# Serve MCP on stdio
//	taskpilotd -mcp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/config"
	taskhttp "github.com/fyrsmithlabs/taskpilot/internal/http"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	mcp        bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/taskpilot/config.yaml)")
	flag.BoolVar(&opts.mcp, "mcp", false, "serve MCP on stdio instead of HTTP")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskpilotd [-config path] [-mcp]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  taskpilotd version                 Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskpilotd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, wires the agent service and serves until ctx is
// cancelled.
func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	// stdout belongs to the MCP protocol in stdio mode.
	out := os.Stdout
	if opts.mcp {
		out = os.Stderr
	}
	logger, err := initLogger(cfg, out)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := initTelemetry(ctx, cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	if opts.mcp {
		return runStdio(ctx, deps, logger)
	}
	return serveHTTP(ctx, cfg, deps, logger)
}

func serveHTTP(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger) error {
	logger.Info(ctx, "Starting taskpilotd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("execution", cfg.Execution.Transport),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	srv, err := taskhttp.NewServer(deps.agent, logger, &taskhttp.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	logger.Info(shutdownCtx, "Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func initLogger(cfg *config.Config, out *os.File) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.Sampling.Enabled = cfg.Logging.Sampling
	lc.OTEL = cfg.Logging.OTEL
	lc.Fields["service"] = cfg.Observability.ServiceName
	lc.Fields["version"] = version

	return logging.NewLogger(lc,
		logging.WithOutput(out),
		logging.WithLoggerProvider(global.GetLoggerProvider()))
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*telemetry.Telemetry, error) {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	return telemetry.New(ctx, tc, logger)
}
