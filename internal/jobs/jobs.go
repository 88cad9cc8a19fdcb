// Package jobs schedules the periodic reconciliation work run by the syncer.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/catalog"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Reconciler interface {
	ReconcileOpen(ctx context.Context, limit int) ([]lifecycle.SyncOutcome, error)
}

type CatalogSyncer interface {
	SyncServices(ctx context.Context) (catalog.SyncReport, error)
}

type Config struct {
	SyncSpec        string
	CatalogSyncSpec string // empty disables the catalog job
	SyncBatch       int
	Timeout         time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	rec     Reconciler
	catalog CatalogSyncer
	cfg     Config

	reconciling atomic.Bool
	syncing     atomic.Bool
}

func New(cfg Config, rec Reconciler, cat CatalogSyncer) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		rec:     rec,
		catalog: cat,
		cfg:     cfg,
	}
	if _, err := s.cron.AddFunc(cfg.SyncSpec, func() { s.ReconcileOnce(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "schedule reconcile %q", cfg.SyncSpec)
	}
	if cat != nil && cfg.CatalogSyncSpec != "" {
		if _, err := s.cron.AddFunc(cfg.CatalogSyncSpec, func() { s.SyncCatalogOnce(context.Background()) }); err != nil {
			return nil, errors.Wrapf(err, "schedule catalog sync %q", cfg.CatalogSyncSpec)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// ReconcileOnce syncs open orders. A tick that fires while the previous run is
// still going is skipped.
func (s *Scheduler) ReconcileOnce(ctx context.Context) (synced, failed int) {
	if !s.reconciling.CompareAndSwap(false, true) {
		zap.L().Debug("reconcile still running, tick skipped")
		return 0, 0
	}
	defer s.reconciling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			zap.S().Error("reconcile panic: ", r)
		}
	}()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	out, err := s.rec.ReconcileOpen(ctx, s.cfg.SyncBatch)
	if err != nil {
		zap.L().Error("reconcile open orders", zap.Error(err))
		return 0, 0
	}
	for _, o := range out {
		if o.Err != "" {
			failed++
		} else {
			synced++
		}
	}
	zap.L().Info("reconcile done",
		zap.Int("orders", len(out)), zap.Int("synced", synced), zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
	return synced, failed
}

func (s *Scheduler) SyncCatalogOnce(ctx context.Context) {
	if s.catalog == nil || !s.syncing.CompareAndSwap(false, true) {
		return
	}
	defer s.syncing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			zap.S().Error("catalog sync panic: ", r)
		}
	}()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.catalog.SyncServices(ctx); err != nil {
		zap.L().Error("catalog sync", zap.Error(err))
	}
}
