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
	"github.com/SirClappington/jobcore/internal/leader"
	"github.com/SirClappington/jobcore/internal/logging"
	"github.com/SirClappington/jobcore/internal/storage"
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

	sqldb, err := storage.OpenSQL(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("leader db", zap.Error(err))
	}
	defer sqldb.Close()
	lock := leader.NewLock(sqldb, cfg.LeaderLockKey, logger)
	defer func() { _ = lock.Release(context.Background()) }()

	ticks := a.Ticks()
	err = leader.Run(ctx, lock, cfg.TickInterval, logger, func(ctx context.Context) {
		for _, name := range app.TickOrder {
			sum, err := ticks[name](ctx)
			if err != nil {
				logger.Warn("tick failed", zap.String("tick", name), zap.Any("summary", sum), zap.Error(err))
				continue
			}
			logger.Debug("tick", zap.String("tick", name), zap.Any("summary", sum))
		}
	})
	if err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
