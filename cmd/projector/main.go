package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/config"
	kafkax "github.com/ariefcatur/go-smm-orders/internal/kafka"
	"github.com/ariefcatur/go-smm-orders/internal/logging"
	"github.com/ariefcatur/go-smm-orders/internal/projector"
	"github.com/ariefcatur/go-smm-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.Init(logging.Options{Mode: cfg.LogMode, Filename: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{
		Cache: redisx.NewStatusCache(rdb),
		Dedup: projector.RedisDedup{RDB: rdb, Consumer: cfg.ProjectorGroup},
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, projector.Topics, cfg.ProjectorWorkers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		zap.L().Info("projector consumer started",
			zap.String("group", cfg.ProjectorGroup),
			zap.Strings("topics", projector.Topics),
			zap.Int("workers", cfg.ProjectorWorkers))
		if err := cons.Start(ctx, svc.Handle); err != nil && ctx.Err() == nil {
			zap.L().Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	zap.L().Info("shutting down")
	cancel()
	<-done
}
