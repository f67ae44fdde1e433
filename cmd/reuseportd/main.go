package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/reuseportd/internal/affinity"
	"github.com/skypro1111/reuseportd/internal/classifier"
	"github.com/skypro1111/reuseportd/internal/config"
	"github.com/skypro1111/reuseportd/internal/metrics"
	"github.com/skypro1111/reuseportd/internal/server"
	"github.com/skypro1111/reuseportd/internal/steering"
	"github.com/skypro1111/reuseportd/internal/supervisor"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "reuseportd"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	os.Exit(run(*configPath))
}

// run starts the service and blocks until shutdown. It returns the process exit code.
func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("read_buffer", cfg.Server.ReadBuffer),
		slog.Int("cpus", cfg.Pool.CPUs),
		slog.String("failure_policy", cfg.Pool.FailurePolicy),
		slog.String("steering_backend", cfg.Steering.Backend),
		slog.String("pin_path", cfg.Steering.PinPath),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	store, err := steering.NewStore(cfg.Steering.Backend, cfg.Steering.PinPath)
	if err != nil {
		logger.Error("Failed to open steering store",
			slog.String("backend", cfg.Steering.Backend),
			slog.String("error", err.Error()),
		)
		return 1
	}

	cls, err := classifier.New(cfg.Steering.Backend, store)
	if err != nil {
		logger.Error("Failed to create classifier", slog.String("error", err.Error()))
		return 1
	}

	pool := supervisor.New(supervisor.FromConfig(cfg), supervisor.Deps{
		Pinner:     affinity.System,
		Store:      store,
		Classifier: cls,
		Metrics:    appMetrics,
		Logger:     logger,
	})

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, pool, appMetrics, registry)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := pool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", slog.String("error", err.Error()))
		return 1
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			pool.Stop()
			pool.Wait()
			return 1
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", cfg.Server.Address()),
		slog.String("run_id", pool.RunID()),
		slog.Int("workers", pool.CPUCount()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	pool.Stop()
	pool.Wait()

	var received, replied, receiveErrors, sendErrors uint64
	for _, w := range pool.Snapshot() {
		received += w.Stats.Received
		replied += w.Stats.Replied
		receiveErrors += w.Stats.ReceiveErrors
		sendErrors += w.Stats.SendErrors
	}
	logger.Info("Final pool statistics",
		slog.Uint64("datagrams_received", received),
		slog.Uint64("replies_sent", replied),
		slog.Uint64("receive_errors", receiveErrors),
		slog.Uint64("send_errors", sendErrors),
	)

	logger.Info("Service stopped")
	return 0
}

// initLogger creates and configures the structured logger based on configuration.
// The returned func closes the log file when output is a file path.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	closeOutput := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closeOutput = func() { file.Close() }
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeOutput
}
