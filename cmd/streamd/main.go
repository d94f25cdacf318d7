package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charleschow/sports-stream/internal/app"
	"github.com/charleschow/sports-stream/internal/config"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting sports-stream  feed=%s  registry=%s  partitions=%d",
		cfg.FeedBackend, cfg.RegistryBackend, cfg.Partitions)

	a, err := app.New(cfg, nil)
	if err != nil {
		telemetry.Errorf("Startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		telemetry.Errorf("Exited with error: %v", err)
		os.Exit(1)
	}
}
