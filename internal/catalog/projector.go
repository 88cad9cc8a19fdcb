package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

const (
	DefaultMinQuantity  = 1
	DefaultMaxQuantity  = 100000
	DefaultDeliveryTime = "1-24 hours"
)

type CategoryCount struct {
	Name         string `json:"name"`
	ServiceCount int    `json:"service_count"`
}

// CategoriesFromServices groups services by their upstream label, biggest group first.
func CategoriesFromServices(services []orders.Service) []CategoryCount {
	idx := map[string]int{}
	var out []CategoryCount
	for _, s := range services {
		i, ok := idx[s.Category]
		if !ok {
			i = len(out)
			idx[s.Category] = i
			out = append(out, CategoryCount{Name: s.Category})
		}
		out[i].ServiceCount++
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ServiceCount > out[j].ServiceCount })
	return out
}

// Platform is a storefront grouping above upstream category labels.
type Platform struct {
	Tag      string   // "instagram", "x (twitter)", ...
	Slug     string   // local category slug the platform syncs into
	Aliases  []string // extra keys accepted when filtering by platform
	keywords []string
}

// platformRules is evaluated in order; the first rule with a matching keyword wins.
var platformRules = []Platform{
	{Tag: "instagram", Slug: "instagram", keywords: []string{"instagram"}},
	{Tag: "youtube", Slug: "youtube", keywords: []string{"youtube"}},
	{Tag: "tiktok", Slug: "tiktok", keywords: []string{"tiktok", "tik tok"}},
	{Tag: "facebook", Slug: "facebook", keywords: []string{"facebook"}},
	{Tag: "x (twitter)", Slug: "twitter", Aliases: []string{"twitter", "x"}, keywords: []string{"twitter", "x.com"}},
	{Tag: "telegram", Slug: OthersSlug, keywords: []string{"telegram"}},
	{Tag: "linkedin", Slug: "linkedin", keywords: []string{"linkedin"}},
	{Tag: "spotify", Slug: "spotify", keywords: []string{"spotify"}},
}

// Platforms returns the rule table in evaluation order.
func Platforms() []Platform {
	out := make([]Platform, len(platformRules))
	copy(out, platformRules)
	return out
}

// PlatformOf matches a category label against the rule table.
func PlatformOf(label string) (Platform, bool) {
	l := strings.ToLower(label)
	for _, p := range platformRules {
		for _, kw := range p.keywords {
			if strings.Contains(l, kw) {
				return p, true
			}
		}
	}
	return Platform{}, false
}

func (p Platform) matchesKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if key == p.Tag {
		return true
	}
	for _, a := range p.Aliases {
		if key == a {
			return true
		}
	}
	return false
}

// CategorizeByPlatform keeps the services whose label maps to the given platform.
func CategorizeByPlatform(services []orders.Service, platformKey string) []orders.Service {
	out := []orders.Service{}
	for _, s := range services {
		p, ok := PlatformOf(s.Category)
		if ok && p.matchesKey(platformKey) {
			out = append(out, s)
		}
	}
	return out
}

func ServicesForCategory(services []orders.Service, name string) []orders.Service {
	out := []orders.Service{}
	for _, s := range services {
		if strings.EqualFold(s.Category, name) {
			out = append(out, s)
		}
	}
	return out
}

// PlatformCategories lists the category labels that belong to one platform.
func PlatformCategories(services []orders.Service, platformKey string) []CategoryCount {
	return CategoriesFromServices(CategorizeByPlatform(services, platformKey))
}

// FromDescriptor maps an upstream catalog row onto a local service. The local
// id is the upstream id, which is what the external-catalog mode exposes.
func FromDescriptor(d provider.ServiceDescriptor, policy pricing.Policy) orders.Service {
	minQ := parseQuantity(d.Min, DefaultMinQuantity)
	maxQ := parseQuantity(d.Max, DefaultMaxQuantity)
	if maxQ < minQ {
		maxQ = minQ
	}
	desc := d.Description
	if strings.TrimSpace(desc) == "" {
		desc = fmt.Sprintf("%s - %s", d.Name, d.Category)
	}
	return orders.Service{
		ID:              d.Service,
		ExternalID:      d.Service,
		Category:        d.Category,
		Name:            d.Name,
		Type:            d.Type,
		Description:     desc,
		Rate:            d.Rate,
		Price:           policy.PerThousand(d.Rate),
		MinQuantity:     minQ,
		MaxQuantity:     maxQ,
		DeliveryTime:    DefaultDeliveryTime,
		RefillSupported: d.Refill,
		CancelSupported: d.Cancel,
		Active:          true,
	}
}

func parseQuantity(s string, def int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
