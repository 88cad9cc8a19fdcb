package httpx

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-smm-orders/internal/catalog"
)

type CatalogHandler struct {
	Catalog *catalog.Catalog
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Get("/categories", h.listCategories)
	r.Get("/categories/{name}/services", h.listByCategory)
	r.Get("/services", h.listServices)
	r.Get("/platforms/{platform}/services", h.listByPlatform)
	r.Get("/platforms/{platform}/categories", h.listPlatformCategories)
}

// param returns the unescaped path value; category names carry spaces and slashes.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func (h *CatalogHandler) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Catalog.ListCategories(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (h *CatalogHandler) listServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := h.Catalog.ListServices(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (h *CatalogHandler) listByCategory(w http.ResponseWriter, r *http.Request) {
	svcs, err := h.Catalog.ListServicesByCategory(r.Context(), param(r, "name"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (h *CatalogHandler) listByPlatform(w http.ResponseWriter, r *http.Request) {
	svcs, err := h.Catalog.ListServicesByPlatform(r.Context(), param(r, "platform"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (h *CatalogHandler) listPlatformCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Catalog.ListPlatformCategories(r.Context(), param(r, "platform"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}
