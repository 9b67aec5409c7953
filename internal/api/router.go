// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/api/handlers"
	"github.com/drfirst/go-prontuario/internal/api/middleware"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
)

// Deps are the collaborators of the router. History and Enqueuer may be nil, which leaves
// the records routes unmounted or regeneration disabled.
type Deps struct {
	ServiceName string
	Generator   handlers.Generator
	Renderer    generation.Renderer
	Catalog     *record.Catalog
	History     handlers.History
	Enqueuer    handlers.Enqueuer
	// RegenerateTopic is where regeneration requests are relayed
	RegenerateTopic string
	APIKeys         map[string]string
	Checks          map[string]handlers.Check
	Breakers        *circuitbreaker.Manager
	Metrics         http.Handler
	Logger          *zap.Logger
}

// NewRouter builds the chi router with the global middleware chain
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	health := handlers.NewHealthHandler(d.ServiceName, d.Checks, d.Breakers)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.APIKeys))
		r.Mount("/documents", handlers.NewDocumentHandler(d.Generator, d.Renderer, d.Catalog, logger).Routes())
		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(d.Generator, d.Catalog, logger).Routes())
		r.Mount("/catalog", handlers.NewCatalogHandler(d.Catalog).Routes())
		if d.History != nil {
			r.Mount("/records", handlers.NewRecordHandler(d.History, d.Generator, d.Enqueuer, d.RegenerateTopic, logger).Routes())
		}
	})

	return r
}
