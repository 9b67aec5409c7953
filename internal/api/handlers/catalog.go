package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-prontuario/internal/domain/record"
)

// CatalogHandler exposes the medication selectors
type CatalogHandler struct {
	catalog *record.Catalog
}

// NewCatalogHandler creates a new handler
func NewCatalogHandler(catalog *record.Catalog) *CatalogHandler {
	if catalog == nil {
		catalog = record.DefaultCatalog()
	}
	return &CatalogHandler{catalog: catalog}
}

// Routes returns the handler routes
func (h *CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Kinds)
	r.Get("/{kind}", h.List)
	return r
}

// Kinds handles GET /catalog
func (h *CatalogHandler) Kinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"kinds": h.catalog.Kinds()})
}

// List handles GET /catalog/{kind}
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	kind := record.Kind(chi.URLParam(r, "kind"))
	opts, ok := h.catalog.List(kind)
	if !ok {
		jsonError(w, "unknown catalog "+string(kind), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}
