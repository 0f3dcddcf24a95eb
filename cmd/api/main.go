package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/app"
	"github.com/SirClappington/jobcore/internal/config"
	"github.com/SirClappington/jobcore/internal/logging"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	go a.Tracker.Start()
	defer a.Tracker.Stop()

	if err := a.API().ListenAndServe(ctx, cfg.APIAddr); err != nil {
		logger.Error("api stopped", zap.Error(err))
	}
}
