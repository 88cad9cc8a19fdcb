// Package app assembles the shared pieces the binaries run on.
package app

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/catalog"
	"github.com/ariefcatur/go-smm-orders/internal/config"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/postgres"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

type Application struct {
	Config   config.Config
	Store    orders.Store
	Provider *provider.Client
	Policy   pricing.Policy
	Catalog  *catalog.Catalog
	// Syncer is nil when the catalog is read straight from the provider.
	Syncer *catalog.Syncer

	closers []func()
}

// New opens the store and builds the provider client and catalog.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	a := &Application{Config: cfg}

	policy, err := pricing.New(cfg.PriceMarkup)
	if err != nil {
		return nil, errors.Wrap(err, "price markup")
	}
	a.Policy = policy

	var opts []provider.Option
	if cfg.ProviderRPS > 0 {
		opts = append(opts, provider.WithRateLimit(cfg.ProviderRPS))
	}
	a.Provider, err = provider.New(cfg.ProviderURL, cfg.ProviderAPIKey, opts...)
	if err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		zap.L().Warn("using in-memory store, data is lost on exit")
		a.Store = orders.NewMemStore()
	default:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = &orders.Repo{DB: pool}
	}

	if cfg.CatalogSource == config.CatalogSourceStore {
		a.Catalog = catalog.New(catalog.StoreSource{Store: a.Store})
		a.Syncer = &catalog.Syncer{Provider: a.Provider, Store: a.Store, Policy: policy}
		if n, err := a.Syncer.SeedCategories(ctx); err != nil {
			zap.L().Warn("seed categories", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("seeded categories", zap.Int("count", n))
		}
	} else {
		a.Catalog = catalog.New(catalog.ProviderSource{Provider: a.Provider, Policy: policy})
	}
	return a, nil
}

// Engine builds a lifecycle engine over the application's dependencies.
func (a *Application) Engine(opts ...lifecycle.Option) *lifecycle.Engine {
	base := []lifecycle.Option{
		lifecycle.WithLogger(zap.L().Named("lifecycle")),
		lifecycle.WithUsers(a.Store),
		lifecycle.WithParallelism(a.Config.BulkParallelism),
		lifecycle.WithProducer(a.Config.ServiceName),
	}
	return lifecycle.New(a.Provider, a.Catalog, a.Store, a.Policy, append(base, opts...)...)
}

func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
