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

// Worker-only process: claims requests and drives the pipeline, no HTTP
// surface beyond the optional metrics listener.
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
		ServiceName: "testforge-worker",
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

	if m := observability.Current(); m != nil {
		m.StartServer(ctx, log, os.Getenv("METRICS_ADDR"))
		m.StartPostgresCollector(ctx, log, a.DB)
		m.StartJobQueueCollector(ctx, log, a.DB)
		if cfg.RedisAddr != "" {
			m.StartRedisCollector(ctx, log, cfg.RedisAddr)
		}
	}

	if err := a.StartWorkers(ctx); err != nil {
		log.Fatal("worker start failed", "error", err)
	}

	log.Info("worker running")
	<-ctx.Done()
	log.Info("worker shutting down")
}
