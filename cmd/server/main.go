package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/smartcab/backend/internal/bootstrap"
	"github.com/smartcab/backend/internal/config"
	"github.com/smartcab/backend/internal/logging"
	"github.com/smartcab/backend/internal/metrics"
)

var signalNotify = signal.Notify

func main() {
	kingpinApp := kingpin.New("smartcab", "SmartCab backend - database, MQTT and HTTP API bootstrapper")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	envFile := kingpinApp.Flag("env-file", "Path to a .env file (default: nearest .env above the working directory)").String()

	kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	cfg, err := config.Load(&config.CLIOverrides{
		ConfigFile: *configFile,
		EnvFile:    *envFile,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.Production)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.EnvFile != "" {
		logger.Info("loaded environment file", zap.String("path", cfg.EnvFile))
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	m := metrics.New()
	b := bootstrap.New(cfg, logger, bootstrap.DefaultCollaborators(cfg, logger, m), bootstrap.WithMetrics(m))
	if err := b.Run(ctx); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	logger.Info("server stopped")
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
