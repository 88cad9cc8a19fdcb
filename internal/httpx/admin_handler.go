package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-smm-orders/internal/catalog"
	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
)

type CatalogSyncer interface {
	SyncServices(ctx context.Context) (catalog.SyncReport, error)
}

// AdminHandler serves privileged routes. Sync is nil when the catalog is
// read straight from the provider.
type AdminHandler struct {
	Engine *lifecycle.Engine
	Users  orders.UserStore
	Sync   CatalogSyncer
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/provider/balance", h.balance)
		r.Post("/catalog/sync", h.syncCatalog)
	})
}

func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := callerID(w, r)
		if !ok {
			return
		}
		u, err := h.Users.GetUser(r.Context(), uid)
		if err != nil && !errors.Is(err, orders.ErrNotFound) {
			writeFailure(w, r, err)
			return
		}
		if u == nil || !u.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden", "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.ProviderBalance(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AdminHandler) syncCatalog(w http.ResponseWriter, r *http.Request) {
	if h.Sync == nil {
		writeError(w, http.StatusConflict, "unsupported", "catalog is served from the provider")
		return
	}
	rep, err := h.Sync.SyncServices(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
