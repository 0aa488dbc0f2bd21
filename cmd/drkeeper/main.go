// cmd/drkeeper/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/drkeeper/internal/api"
	"github.com/FairForge/drkeeper/internal/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", os.Getenv("DRKEEPER_CONFIG"), "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	defer app.close()

	if err := app.orch.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	app.orch.SetPipelineValue(cfg.PipelineValue)

	server := api.NewServer(app.orch, app.alerts, api.Options{
		Port:    cfg.Server.Port,
		APIKey:  cfg.Server.APIKey,
		Metrics: app.metrics.Handler(),
	}, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("drkeeper started",
		zap.Int("port", cfg.Server.Port),
		zap.String("primary", app.orch.GetCurrentTopology().Primary.ID),
		zap.Int("databases", len(cfg.Databases)),
		zap.Int("namespaces", len(cfg.Namespaces)))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("API shutdown error", zap.Error(err))
	}
	if err := app.orch.Shutdown(context.Background()); err != nil {
		logger.Error("orchestrator shutdown", zap.Error(err))
	}
	app.alerts.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
