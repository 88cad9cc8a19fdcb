// Package catalog derives the storefront's category and service views.
//
// In the external-catalog configuration every view is recomputed from the
// upstream service list on each call; nothing is cached. In the local-catalog
// configuration the views are computed over the services table, which the
// Syncer keeps in step with the upstream.
package catalog

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

type ServiceLister interface {
	Services(ctx context.Context) ([]provider.ServiceDescriptor, error)
}

// Source yields the orderable services.
type Source interface {
	Services(ctx context.Context) ([]orders.Service, error)
	Service(ctx context.Context, id int64) (*orders.Service, error)
}

// ProviderSource reads the live upstream catalog. Service ids are upstream ids.
type ProviderSource struct {
	Provider ServiceLister
	Policy   pricing.Policy
}

func (p ProviderSource) Services(ctx context.Context) ([]orders.Service, error) {
	descs, err := p.Provider.Services(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list upstream services")
	}
	out := make([]orders.Service, 0, len(descs))
	for _, d := range descs {
		out = append(out, FromDescriptor(d, p.Policy))
	}
	return out, nil
}

func (p ProviderSource) Service(ctx context.Context, id int64) (*orders.Service, error) {
	all, err := p.Services(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, orders.ErrNotFound
}

// StoreSource reads the services table.
type StoreSource struct {
	Store orders.CatalogStore
}

func (s StoreSource) Services(ctx context.Context) ([]orders.Service, error) {
	return s.Store.ListServices(ctx, true)
}

func (s StoreSource) Service(ctx context.Context, id int64) (*orders.Service, error) {
	return s.Store.GetService(ctx, id)
}

// Catalog is the read-only view the route layer and the engine use.
type Catalog struct {
	src Source
}

func New(src Source) *Catalog { return &Catalog{src: src} }

func (c *Catalog) ListServices(ctx context.Context) ([]orders.Service, error) {
	return c.src.Services(ctx)
}

func (c *Catalog) ListCategories(ctx context.Context) ([]CategoryCount, error) {
	all, err := c.src.Services(ctx)
	if err != nil {
		return nil, err
	}
	return CategoriesFromServices(all), nil
}

func (c *Catalog) ListServicesByCategory(ctx context.Context, name string) ([]orders.Service, error) {
	all, err := c.src.Services(ctx)
	if err != nil {
		return nil, err
	}
	return ServicesForCategory(all, name), nil
}

func (c *Catalog) ListServicesByPlatform(ctx context.Context, platform string) ([]orders.Service, error) {
	all, err := c.src.Services(ctx)
	if err != nil {
		return nil, err
	}
	return CategorizeByPlatform(all, platform), nil
}

func (c *Catalog) ListPlatformCategories(ctx context.Context, platform string) ([]CategoryCount, error) {
	all, err := c.src.Services(ctx)
	if err != nil {
		return nil, err
	}
	return PlatformCategories(all, platform), nil
}

// GetService resolves one service; orders.ErrNotFound when it does not exist.
func (c *Catalog) GetService(ctx context.Context, id int64) (*orders.Service, error) {
	return c.src.Service(ctx, id)
}
