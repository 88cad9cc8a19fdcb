package catalog

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

func svc(id int64, category string) orders.Service {
	return orders.Service{ID: id, ExternalID: id, Category: category, Name: category}
}

func ids(list []orders.Service) []int64 {
	out := []int64{}
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestCategoriesFromServices(t *testing.T) {
	got := CategoriesFromServices([]orders.Service{
		svc(1, "Instagram Followers"),
		svc(2, "Instagram Followers"),
		svc(3, "YouTube Views"),
	})
	assert.Equal(t, []CategoryCount{
		{Name: "Instagram Followers", ServiceCount: 2},
		{Name: "YouTube Views", ServiceCount: 1},
	}, got)
}

func TestCategoriesFromServices_TiesKeepFirstSeen(t *testing.T) {
	got := CategoriesFromServices([]orders.Service{
		svc(1, "B"), svc(2, "A"), svc(3, "C"), svc(4, "C"),
	})
	assert.Equal(t, []string{"C", "B", "A"}, []string{got[0].Name, got[1].Name, got[2].Name})
	assert.Empty(t, CategoriesFromServices(nil))
}

func TestPlatformOf(t *testing.T) {
	cases := map[string]string{
		"Instagram Followers [Real]": "instagram",
		"YOUTUBE views":              "youtube",
		"Tik Tok Likes":              "tiktok",
		"TikTok Views":               "tiktok",
		"Facebook Page Likes":        "facebook",
		"Twitter Retweets":           "x (twitter)",
		"x.com Followers":            "x (twitter)",
		"Telegram Members":           "telegram",
		"LinkedIn Connections":       "linkedin",
		"Spotify Plays":              "spotify",
	}
	for label, want := range cases {
		p, ok := PlatformOf(label)
		require.True(t, ok, label)
		assert.Equal(t, want, p.Tag, label)
	}
	_, ok := PlatformOf("Website Traffic")
	assert.False(t, ok)
}

func TestCategorizeByPlatform(t *testing.T) {
	all := []orders.Service{
		svc(1, "Instagram Likes"),
		svc(2, "Twitter Followers"),
		svc(3, "Website Traffic"),
		svc(4, "X.com Views"),
		svc(5, "instagram views"),
	}
	assert.Equal(t, []int64{1, 5}, ids(CategorizeByPlatform(all, "Instagram")))
	assert.Equal(t, []int64{2, 4}, ids(CategorizeByPlatform(all, "twitter")))
	assert.Equal(t, []int64{2, 4}, ids(CategorizeByPlatform(all, "x")))
	assert.Equal(t, []int64{2, 4}, ids(CategorizeByPlatform(all, "X (Twitter)")))
	assert.Empty(t, CategorizeByPlatform(all, "website"))
	assert.Empty(t, CategorizeByPlatform(all, ""))
}

func TestServicesForCategory(t *testing.T) {
	all := []orders.Service{svc(1, "Instagram Likes"), svc(2, "instagram likes"), svc(3, "Instagram Likes HQ")}
	assert.Equal(t, []int64{1, 2}, ids(ServicesForCategory(all, "INSTAGRAM LIKES")))
	assert.Empty(t, ServicesForCategory(all, "Instagram"))
}

func TestPlatformCategories(t *testing.T) {
	all := []orders.Service{
		svc(1, "Instagram Likes"), svc(2, "Instagram Followers"), svc(3, "Instagram Followers"),
		svc(4, "YouTube Views"),
	}
	got := PlatformCategories(all, "instagram")
	assert.Equal(t, []CategoryCount{{"Instagram Followers", 2}, {"Instagram Likes", 1}}, got)
}

func TestFromDescriptor(t *testing.T) {
	s := FromDescriptor(provider.ServiceDescriptor{
		Service: 1001, Name: "Likes", Category: "Instagram Likes", Rate: "10.00",
		Min: "50", Max: "oops", Refill: true,
	}, pricing.Default())

	assert.Equal(t, int64(1001), s.ID)
	assert.Equal(t, int64(1001), s.ExternalID)
	assert.Equal(t, int64(1200), s.Price)
	assert.Equal(t, int64(50), s.MinQuantity)
	assert.Equal(t, int64(DefaultMaxQuantity), s.MaxQuantity)
	assert.Equal(t, DefaultDeliveryTime, s.DeliveryTime)
	assert.Equal(t, "Likes - Instagram Likes", s.Description)
	assert.True(t, s.RefillSupported)
	assert.False(t, s.CancelSupported)
	assert.True(t, s.Active)

	clamped := FromDescriptor(provider.ServiceDescriptor{Service: 1, Min: "500", Max: "100"}, pricing.Default())
	assert.Equal(t, int64(500), clamped.MinQuantity)
	assert.Equal(t, int64(500), clamped.MaxQuantity)
}

type fakeLister struct {
	descs []provider.ServiceDescriptor
	err   error
	calls int
}

func (f *fakeLister) Services(context.Context) ([]provider.ServiceDescriptor, error) {
	f.calls++
	return f.descs, f.err
}

func TestCatalog_ProviderSource(t *testing.T) {
	lister := &fakeLister{descs: []provider.ServiceDescriptor{
		{Service: 1, Category: "Instagram Likes", Rate: "1"},
		{Service: 2, Category: "Instagram Likes", Rate: "2"},
		{Service: 3, Category: "YouTube Views", Rate: "3"},
	}}
	c := New(ProviderSource{Provider: lister, Policy: pricing.Default()})
	ctx := context.Background()

	cats, err := c.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CategoryCount{{"Instagram Likes", 2}, {"YouTube Views", 1}}, cats)

	byPlatform, err := c.ListServicesByPlatform(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(byPlatform))

	s, err := c.GetService(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(240), s.Price)

	_, err = c.GetService(ctx, 99)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	assert.Equal(t, 4, lister.calls, "every view re-reads the upstream")
}

func TestCatalog_ProviderFailurePropagates(t *testing.T) {
	boom := errors.New("upstream down")
	c := New(ProviderSource{Provider: &fakeLister{err: boom}, Policy: pricing.Default()})
	_, err := c.ListCategories(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = c.GetService(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}

func TestCatalog_StoreSourceOnlyActive(t *testing.T) {
	st := orders.NewMemStore()
	st.PutService(orders.Service{ID: 1, Category: "Instagram Likes", Active: true})
	st.PutService(orders.Service{ID: 2, Category: "Instagram Likes", Active: false})

	c := New(StoreSource{Store: st})
	list, err := c.ListServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(list))

	s, err := c.GetService(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, s.Active)
}

func TestSyncer(t *testing.T) {
	ctx := context.Background()
	st := orders.NewMemStore()
	lister := &fakeLister{descs: []provider.ServiceDescriptor{
		{Service: 10, Name: "IG", Category: "Instagram Followers", Rate: "1.00", Min: "10", Max: "100"},
		{Service: 11, Name: "TG", Category: "Telegram Members", Rate: "2.00"},
		{Service: 0, Name: "broken", Category: "Instagram"},
	}}
	s := &Syncer{Provider: lister, Store: st, Policy: pricing.Default()}

	n, err := s.SeedCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	n, err = s.SeedCategories(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rep, err := s.SyncServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Fetched: 3, Synced: 2, Failed: 1}, rep)

	cats, err := st.ListCategories(ctx)
	require.NoError(t, err)
	slugID := map[string]int64{}
	for _, c := range cats {
		slugID[c.Slug] = c.ID
	}

	all, err := st.ListServices(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, slugID["instagram"], all[0].CategoryID)
	assert.Equal(t, slugID[OthersSlug], all[1].CategoryID)
	assert.Equal(t, int64(120), all[0].Price)

	// second run refreshes rather than duplicates
	lister.descs = lister.descs[:1]
	lister.descs[0].Rate = "2.00"
	_, err = s.SyncServices(ctx)
	require.NoError(t, err)
	all, err = st.ListServices(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(240), all[0].Price)
}
