package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/app"
	"github.com/ariefcatur/go-smm-orders/internal/config"
	"github.com/ariefcatur/go-smm-orders/internal/jobs"
	kafkax "github.com/ariefcatur/go-smm-orders/internal/kafka"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/logging"
	"github.com/ariefcatur/go-smm-orders/internal/outbox"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.ServiceName == "smm-api" {
		cfg.ServiceName = "smm-syncer"
	}
	logger, err := logging.Init(logging.Options{Mode: cfg.LogMode, Filename: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	if err := cfg.Validate(); err != nil {
		logging.Fatal("config", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logging.Fatal("init", err)
	}
	defer a.Close()

	// the syncer keeps its own outbox so it never shares a pebble dir with the api
	box, err := outbox.Open(cfg.OutboxDir + "-syncer")
	if err != nil {
		logging.Fatal("outbox", err)
	}
	defer box.Close()
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()
	bcDone := make(chan struct{})
	go func() {
		defer close(bcDone)
		outbox.NewBroadcaster(box, prod, 0).Run(ctx)
	}()

	engine := a.Engine(lifecycle.WithEvents(box))

	var cat jobs.CatalogSyncer
	if a.Syncer != nil {
		cat = a.Syncer
	}
	sched, err := jobs.New(jobs.Config{
		SyncSpec:        cfg.SyncCron,
		CatalogSyncSpec: cfg.CatalogSyncCron,
		SyncBatch:       cfg.SyncBatch,
		Timeout:         cfg.RequestTimeout * 10,
	}, engine, cat)
	if err != nil {
		logging.Fatal("scheduler", err)
	}
	sched.Start()
	zap.L().Info("syncer started",
		zap.String("sync_cron", cfg.SyncCron),
		zap.String("catalog_sync_cron", cfg.CatalogSyncCron))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.L().Info("shutting down")
	sched.Stop()
	cancel()
	<-bcDone
}
