package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-smm-orders/internal/catalog"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

// panel answers like the upstream API. Quantity 13 is refused.
type panel struct {
	mu     sync.Mutex
	next   int64
	status string
	down   bool
}

func (p *panel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("action") {
	case "add":
		if r.PostForm.Get("quantity") == "13" {
			_, _ = io.WriteString(w, `{"error":"Not enough funds on balance"}`)
			return
		}
		p.next++
		_ = json.NewEncoder(w).Encode(map[string]any{"order": 9000 + p.next})
	case "status":
		_ = json.NewEncoder(w).Encode(map[string]any{"status": p.status, "start_count": "100", "remains": "0", "charge": "0.12", "currency": "USD"})
	case "refill":
		_, _ = io.WriteString(w, `{"refill":"55"}`)
	case "cancel":
		_ = json.NewEncoder(w).Encode([]map[string]any{{"order": r.PostForm.Get("orders"), "cancel": 1}})
	case "balance":
		_, _ = io.WriteString(w, `{"balance":"42.50","currency":"USD"}`)
	case "services":
		_, _ = io.WriteString(w, `[{"service":1001,"name":"IG Followers","category":"Instagram Followers","rate":"10.00","min":"10","max":"10000","refill":true,"cancel":true}]`)
	default:
		_, _ = io.WriteString(w, `{"error":"Incorrect request"}`)
	}
}

func (p *panel) placed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func (p *panel) set(status string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.down = status, down
}

type memCache struct {
	mu    sync.Mutex
	snaps map[int64]orders.StatusSnapshot
}

func (c *memCache) Get(_ context.Context, id int64) (orders.StatusSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[id]
	return s, ok, nil
}

func (c *memCache) PutIfNewer(_ context.Context, s orders.StatusSnapshot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[s.OrderID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return false, nil
	}
	c.snaps[s.OrderID] = s
	return true, nil
}

func (c *memCache) snap(id int64) (orders.StatusSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[id]
	return s, ok
}

func (c *memCache) drop(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, id)
}

type memIdem struct {
	mu   sync.Mutex
	keys map[string]int64
}

func (m *memIdem) Reserve(_ context.Context, uid int64, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(uid, key)
	if id, ok := m.keys[k]; ok {
		return id, false, nil
	}
	m.keys[k] = 0
	return 0, true, nil
}

func (m *memIdem) Complete(_ context.Context, uid int64, key string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[idemKey(uid, key)] = id
	return nil
}

func (m *memIdem) Release(_ context.Context, uid int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, idemKey(uid, key))
	return nil
}

func idemKey(uid int64, key string) string { return strconv.FormatInt(uid, 10) + ":" + key }

type fixture struct {
	srv   *httptest.Server
	panel *panel
	store *orders.MemStore
	cache *memCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test swap the order store the engine writes to.
func newFixtureWith(t *testing.T, wrap func(*orders.MemStore) orders.OrderStore) *fixture {
	t.Helper()
	p := &panel{status: "In progress"}
	up := httptest.NewServer(p)
	t.Cleanup(up.Close)
	client, err := provider.New(up.URL, "k")
	require.NoError(t, err)

	ctx := context.Background()
	store := orders.NewMemStore()
	store.PutService(orders.Service{
		ID: 1, ExternalID: 1001, Name: "IG Followers", Category: "Instagram Followers",
		Rate: "10.00", Price: 1200, MinQuantity: 10, MaxQuantity: 10000,
		RefillSupported: true, CancelSupported: true, Active: true,
	})
	store.PutService(orders.Service{
		ID: 2, ExternalID: 1002, Name: "YT Views", Category: "YouTube Views",
		Rate: "1.00", Price: 120, MinQuantity: 100, MaxQuantity: 100000, Active: true,
	})
	require.NoError(t, store.UpsertUser(ctx, &orders.User{ID: 1, Email: "buyer@example.com"}))
	require.NoError(t, store.UpsertUser(ctx, &orders.User{ID: 2, Email: "admin@example.com", IsAdmin: true}))

	policy := pricing.Default()
	cat := catalog.New(catalog.StoreSource{Store: store})
	var orderStore orders.OrderStore = store
	if wrap != nil {
		orderStore = wrap(store)
	}
	engine := lifecycle.New(client, cat, orderStore, policy, lifecycle.WithUsers(store))
	cache := &memCache{snaps: map[int64]orders.StatusSnapshot{}}

	r := NewRouter(5 * time.Second)
	(&CatalogHandler{Catalog: cat}).Register(r)
	(&OrdersHandler{Engine: engine, Cache: cache, Idem: &memIdem{keys: map[string]int64{}}}).Register(r)
	(&AdminHandler{Engine: engine, Users: store, Sync: &catalog.Syncer{Provider: client, Store: store, Policy: policy}}).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, panel: p, store: store, cache: cache}
}

func (f *fixture) do(t *testing.T, method, path string, user string, body string, hdr ...string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func decodeAs[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestCatalogRoutes(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/services", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeAs[[]orders.Service](t, body), 2)

	code, body = f.do(t, http.MethodGet, "/categories", "", "")
	require.Equal(t, http.StatusOK, code)
	cats := decodeAs[[]catalog.CategoryCount](t, body)
	assert.Len(t, cats, 2)

	code, body = f.do(t, http.MethodGet, "/categories/Instagram%20Followers/services", "", "")
	require.Equal(t, http.StatusOK, code)
	svcs := decodeAs[[]orders.Service](t, body)
	require.Len(t, svcs, 1)
	assert.Equal(t, int64(1), svcs[0].ID)

	code, body = f.do(t, http.MethodGet, "/platforms/youtube/services", "", "")
	require.Equal(t, http.StatusOK, code)
	svcs = decodeAs[[]orders.Service](t, body)
	require.Len(t, svcs, 1)
	assert.Equal(t, int64(2), svcs[0].ID)

	code, body = f.do(t, http.MethodGet, "/platforms/instagram/categories", "", "")
	require.Equal(t, http.StatusOK, code)
	cats = decodeAs[[]catalog.CategoryCount](t, body)
	require.Len(t, cats, 1)
	assert.Equal(t, "Instagram Followers", cats[0].Name)
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"https://instagram.com/a","quantity":1000}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	o := decodeAs[orders.Order](t, body)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, int64(1200), o.TotalPrice)
	require.NotNil(t, o.ExternalOrderID)
	assert.Equal(t, int64(9001), *o.ExternalOrderID)
	_, cached := f.cache.snap(o.ID)
	assert.True(t, cached)

	code, body = f.do(t, http.MethodGet, "/orders", "1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeAs[[]orders.Order](t, body), 1)

	code, body = f.do(t, http.MethodGet, "/orders", "2", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))
}

func TestPlaceOrder_Errors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		user string
		body string
		code int
		errc string
	}{
		{"no user", "", `{"service_id":1,"link":"x","quantity":100}`, http.StatusUnauthorized, "unauthenticated"},
		{"unknown user", "77", `{"service_id":1,"link":"x","quantity":100}`, http.StatusNotFound, "not_found"},
		{"bad json", "1", `{`, http.StatusBadRequest, "validation"},
		{"missing link", "1", `{"service_id":1,"quantity":100}`, http.StatusBadRequest, "validation"},
		{"below min", "1", `{"service_id":1,"link":"x","quantity":5}`, http.StatusBadRequest, "validation"},
		{"unknown service", "1", `{"service_id":99,"link":"x","quantity":100}`, http.StatusNotFound, "not_found"},
		{"rejected", "1", `{"service_id":1,"link":"x","quantity":13}`, http.StatusUnprocessableEntity, "provider_rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/orders", tc.user, tc.body)
			assert.Equal(t, tc.code, code, string(body))
			assert.Equal(t, tc.errc, decodeAs[errorBody](t, body).Code)
		})
	}

	code, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":13}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Not enough funds on balance", decodeAs[errorBody](t, body).Error)

	list, err := f.store.ListOrdersByUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, f.panel.placed())
}

func TestPlaceOrder_UpstreamDown(t *testing.T) {
	f := newFixture(t)
	f.panel.set("In progress", true)
	code, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "upstream", decodeAs[errorBody](t, body).Code)
}

func TestPlaceOrder_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := `{"service_id":1,"link":"https://instagram.com/a","quantity":100}`

	code, body := f.do(t, http.MethodPost, "/orders", "1", req, headerIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, code)
	first := decodeAs[orders.Order](t, body)

	code, body = f.do(t, http.MethodPost, "/orders", "1", req, headerIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.ID, decodeAs[orders.Order](t, body).ID)

	list, err := f.store.ListOrdersByUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type brokenOrders struct{ *orders.MemStore }

func (brokenOrders) CreateOrder(context.Context, *orders.Order) error {
	return errors.New(`insert or update on table "orders" violates foreign key constraint`)
}

func TestPlaceOrder_NotRecordedKeepsIdempotencyKey(t *testing.T) {
	f := newFixtureWith(t, func(m *orders.MemStore) orders.OrderStore { return brokenOrders{m} })
	req := `{"service_id":1,"link":"https://instagram.com/a","quantity":100}`

	code, body := f.do(t, http.MethodPost, "/orders", "1", req, headerIdempotencyKey, "k-1")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "not_recorded", decodeAs[errorBody](t, body).Code)

	code, body = f.do(t, http.MethodPost, "/orders", "1", req, headerIdempotencyKey, "k-1")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "in_progress", decodeAs[errorBody](t, body).Code)
	assert.Equal(t, int64(1), f.panel.placed())
}

func TestPlaceOrder_FailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":13}`, headerIdempotencyKey, "k-2")
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`, headerIdempotencyKey, "k-2")
	assert.Equal(t, http.StatusCreated, code)
}

func TestOrderRoutesAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	o := decodeAs[orders.Order](t, body)
	path := "/orders/" + itoa(o.ID)

	code, _ := f.do(t, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, path},
		{http.MethodPost, path + "/sync"},
		{http.MethodPost, path + "/refill"},
		{http.MethodPost, path + "/cancel"},
	} {
		code, body := f.do(t, route.method, route.path, "2", "")
		assert.Equal(t, http.StatusNotFound, code, route.path)
		assert.Equal(t, "not_found", decodeAs[errorBody](t, body).Code, route.path)
	}

	code, body = f.do(t, http.MethodPost, "/orders/sync", "2", `{"order_ids":[`+itoa(o.ID)+`]}`)
	require.Equal(t, http.StatusOK, code)
	out := decodeAs[[]lifecycle.SyncOutcome](t, body)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Order)
	assert.NotEmpty(t, out[0].Err)

	stored, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, stored.Status)

	code, _ = f.do(t, http.MethodGet, path, "1", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestSyncAndStatusCache(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	o := decodeAs[orders.Order](t, body)
	path := "/orders/" + itoa(o.ID)

	f.panel.set("Completed", false)
	code, body := f.do(t, http.MethodPost, path+"/sync", "1", "")
	require.Equal(t, http.StatusOK, code)
	synced := decodeAs[orders.Order](t, body)
	assert.Equal(t, orders.StatusCompleted, synced.Status)
	assert.NotNil(t, synced.CompletedAt)

	code, body = f.do(t, http.MethodGet, path+"/status", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, orders.StatusCompleted, decodeAs[orders.StatusSnapshot](t, body).Status)

	// an upstream failure still answers with the stored order
	f.panel.set("Completed", true)
	code, body = f.do(t, http.MethodPost, path+"/sync", "1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, orders.StatusCompleted, decodeAs[orders.Order](t, body).Status)

	code, _ = f.do(t, http.MethodGet, "/orders/abc", "1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/orders/404", "1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusCacheMissFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	o := decodeAs[orders.Order](t, body)
	f.cache.drop(o.ID)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/orders/"+itoa(o.ID)+"/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "miss", resp.Header.Get("X-Cache"))
	_, cached := f.cache.snap(o.ID)
	assert.True(t, cached)
}

func TestBulkSync(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	o := decodeAs[orders.Order](t, body)

	code, body := f.do(t, http.MethodPost, "/orders/sync", "1", `{"order_ids":[`+itoa(o.ID)+`,999]}`)
	require.Equal(t, http.StatusOK, code)
	out := decodeAs[[]lifecycle.SyncOutcome](t, body)
	require.Len(t, out, 2)
	assert.Equal(t, o.ID, out[0].OrderID)
	assert.Equal(t, orders.StatusProcessing, out[0].Order.Status)
	assert.Empty(t, out[0].Err)
	assert.Equal(t, int64(999), out[1].OrderID)
	assert.NotEmpty(t, out[1].Err)

	code, _ = f.do(t, http.MethodPost, "/orders/sync", "1", `{"order_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRefillAndCancel(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "1", `{"service_id":1,"link":"x","quantity":100}`)
	o := decodeAs[orders.Order](t, body)
	_, body = f.do(t, http.MethodPost, "/orders", "1", `{"service_id":2,"link":"x","quantity":100}`)
	plain := decodeAs[orders.Order](t, body)

	code, body := f.do(t, http.MethodPost, "/orders/"+itoa(o.ID)+"/refill", "1", "")
	require.Equal(t, http.StatusOK, code)
	res := decodeAs[lifecycle.ActionResult](t, body)
	assert.True(t, res.OK)
	assert.Equal(t, int64(55), res.RefillID)

	code, body = f.do(t, http.MethodPost, "/orders/"+itoa(plain.ID)+"/refill", "1", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "unsupported", decodeAs[errorBody](t, body).Code)
	code, _ = f.do(t, http.MethodPost, "/orders/"+itoa(plain.ID)+"/cancel", "1", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/orders/"+itoa(o.ID)+"/cancel", "1", "")
	require.Equal(t, http.StatusOK, code)
	res = decodeAs[lifecycle.ActionResult](t, body)
	assert.True(t, res.OK)
	assert.Equal(t, orders.StatusCancelled, res.Order.Status)
	snap, _ := f.cache.snap(o.ID)
	assert.Equal(t, orders.StatusCancelled, snap.Status)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodGet, "/admin/provider/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodGet, "/admin/provider/balance", "1", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, http.MethodGet, "/admin/provider/balance", "77", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodGet, "/admin/provider/balance", "2", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"balance":"42.50","currency":"USD"}`, string(body))

	code, body = f.do(t, http.MethodPost, "/admin/catalog/sync", "2", "")
	require.Equal(t, http.StatusOK, code)
	rep := decodeAs[catalog.SyncReport](t, body)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Synced)
}

func TestAdminCatalogSyncDisabled(t *testing.T) {
	store := orders.NewMemStore()
	require.NoError(t, store.UpsertUser(context.Background(), &orders.User{ID: 2, Email: "a@b", IsAdmin: true}))
	r := chi.NewRouter()
	(&AdminHandler{Users: store}).Register(r)

	req := httptest.NewRequest(http.MethodPost, "/admin/catalog/sync", nil)
	req.Header.Set(headerUserID, "2")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
