package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/app"
	"github.com/ariefcatur/go-smm-orders/internal/config"
	"github.com/ariefcatur/go-smm-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-smm-orders/internal/kafka"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/logging"
	"github.com/ariefcatur/go-smm-orders/internal/outbox"
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

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// events go to the local outbox first; the broadcaster drains it to kafka
	box, err := outbox.Open(cfg.OutboxDir)
	if err != nil {
		logging.Fatal("outbox", err)
	}
	defer box.Close()
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()
	bc := outbox.NewBroadcaster(box, prod, 0)
	bcDone := make(chan struct{})
	go func() {
		defer close(bcDone)
		bc.Run(ctx)
	}()

	engine := a.Engine(lifecycle.WithEvents(box))

	router := httpx.NewRouter(cfg.RequestTimeout)
	(&httpx.CatalogHandler{Catalog: a.Catalog}).Register(router)
	(&httpx.OrdersHandler{
		Engine: engine,
		Cache:  redisx.NewStatusCache(rdb),
		Idem:   redisx.NewIdempotency(rdb),
	}).Register(router)
	admin := &httpx.AdminHandler{Engine: engine, Users: a.Store}
	if a.Syncer != nil {
		admin.Sync = a.Syncer
	}
	admin.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		zap.L().Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("listen", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.L().Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-bcDone
}
