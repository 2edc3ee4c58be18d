package pipeline

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qkdops/groundsync/internal/store"
)

// NewRouter creates the ingest operations API router: health probes,
// pipeline stats, ledger listings, anomaly queries, manual correlation
// and push ingestion.
func NewRouter(coord *Coordinator, st *store.Store) chi.Router {
	r := chi.NewRouter()

	// Add common middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Unit-Name", "X-Unit-Kind", "X-Unit-Source"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	startedAt := time.Now()
	r.Get("/healthz", healthHandler(startedAt))
	r.Get("/livez", healthHandler(startedAt))
	r.Get("/readyz", readyHandler(st))

	r.Route("/api/ingest/v1", func(r chi.Router) {
		r.Get("/stats", statsHandler(coord, st))
		r.Get("/units", listUnitsHandler(st))
		r.Post("/units", submitUnitHandler(coord))
		r.Get("/anomalies", listAnomaliesHandler(st))
		r.Post("/correlate", correlateHandler(coord))
	})

	return r
}
