package catalog

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
)

const OthersSlug = "others"

// StorefrontCategories are the storefront groups created on an empty database.
var StorefrontCategories = []orders.Category{
	{Name: "Instagram", Slug: "instagram", Icon: "fab fa-instagram", Color: "from-pink-500 to-purple-600", Description: "Followers, Likes, Views, Comments, Stories", OrderIndex: 1},
	{Name: "YouTube", Slug: "youtube", Icon: "fab fa-youtube", Color: "from-red-500 to-red-600", Description: "Views, Subscribers, Likes, Watch Time", OrderIndex: 2},
	{Name: "TikTok", Slug: "tiktok", Icon: "fab fa-tiktok", Color: "from-black to-gray-800", Description: "Followers, Likes, Views, Shares", OrderIndex: 3},
	{Name: "Facebook", Slug: "facebook", Icon: "fab fa-facebook", Color: "from-blue-600 to-blue-700", Description: "Page Likes, Post Likes, Followers", OrderIndex: 4},
	{Name: "Twitter", Slug: "twitter", Icon: "fab fa-twitter", Color: "from-blue-400 to-blue-600", Description: "Followers, Likes, Retweets, Views", OrderIndex: 5},
	{Name: "Spotify", Slug: "spotify", Icon: "fab fa-spotify", Color: "from-green-500 to-green-600", Description: "Plays, Followers, Monthly Listeners", OrderIndex: 6},
	{Name: "LinkedIn", Slug: "linkedin", Icon: "fab fa-linkedin", Color: "from-blue-600 to-indigo-700", Description: "Connections, Post Likes, Followers", OrderIndex: 7},
	{Name: "Others", Slug: OthersSlug, Icon: "fas fa-ellipsis-h", Color: "from-gray-600 to-gray-800", Description: "Discord, Telegram, Reddit & More", OrderIndex: 8},
}

type SyncReport struct {
	Fetched int `json:"fetched"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Syncer copies the upstream catalog into the services table.
type Syncer struct {
	Provider ServiceLister
	Store    orders.CatalogStore
	Policy   pricing.Policy
}

// SeedCategories inserts the storefront categories when none exist and
// returns how many were created.
func (s *Syncer) SeedCategories(ctx context.Context) (int, error) {
	existing, err := s.Store.ListCategories(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list categories")
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, c := range StorefrontCategories {
		c := c
		if err := s.Store.CreateCategory(ctx, &c); err != nil {
			return 0, err
		}
	}
	return len(StorefrontCategories), nil
}

// SyncServices upserts every upstream service by external id. A row that fails
// is counted and skipped; only a failed upstream listing aborts the run.
func (s *Syncer) SyncServices(ctx context.Context) (SyncReport, error) {
	descs, err := s.Provider.Services(ctx)
	if err != nil {
		return SyncReport{}, errors.WithMessage(err, "fetch upstream services")
	}
	cats, err := s.Store.ListCategories(ctx)
	if err != nil {
		return SyncReport{}, errors.Wrap(err, "list categories")
	}
	bySlug := make(map[string]int64, len(cats))
	for _, c := range cats {
		bySlug[c.Slug] = c.ID
	}

	rep := SyncReport{Fetched: len(descs)}
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		svc := FromDescriptor(d, s.Policy)
		svc.ID = 0
		slug := OthersSlug
		if p, ok := PlatformOf(d.Category); ok {
			slug = p.Slug
		}
		svc.CategoryID = bySlug[slug]

		if err := s.Store.UpsertServiceByExternalID(ctx, &svc); err != nil {
			rep.Failed++
			zap.L().Warn("service sync failed", zap.Int64("external_id", d.Service), zap.Error(err))
			continue
		}
		rep.Synced++
	}
	zap.L().Info("service sync done",
		zap.Int("fetched", rep.Fetched), zap.Int("synced", rep.Synced), zap.Int("failed", rep.Failed))
	return rep, nil
}
