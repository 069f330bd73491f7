package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/austenmoss/testforge/internal/app"
	"github.com/austenmoss/testforge/internal/config"
	"github.com/austenmoss/testforge/internal/observability"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "testforge",
		Environment: os.Getenv("ENVIRONMENT"),
		Version:     os.Getenv("SERVICE_VERSION"),
	})
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	a, err := app.New(log, cfg)
	if err != nil {
		log.Fatal("app init failed", "error", err)
	}

	a.StartBusForwarder(ctx)
	if err := a.StartWorkers(ctx); err != nil {
		log.Fatal("worker start failed", "error", err)
	}

	srv := a.Server()
	log.Info("HTTP server listening", "port", cfg.Port)
	if err := srv.Run(":" + cfg.Port); err != nil {
		log.Fatal("server exited", "error", err)
	}
}
