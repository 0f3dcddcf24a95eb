package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/app"
	"github.com/SirClappington/jobcore/internal/config"
	"github.com/SirClappington/jobcore/internal/logging"
	"github.com/SirClappington/jobcore/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	runner := worker.New(worker.Config{
		WorkerID:          cfg.WorkerID,
		Pool:              cfg.WorkerPool,
		Region:            cfg.WorkerRegion,
		Version:           cfg.WorkerVersion,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClaimRate:         cfg.ClaimRate,
	}, a.Claimer, a.Executor, a.Heartbeats, a.Queue, logger)

	logger.Info("worker started",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("pool", cfg.WorkerPool),
		zap.Strings("topics", a.Handlers.Topics()),
	)
	if err := runner.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
