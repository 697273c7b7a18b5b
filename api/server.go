/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the POS frontends

SECURITY NOTE:
  No authentication middleware here; the embedding application fronts this
  API with its own auth/role layer and passes the acting user as actor_id.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Register routes
		r.Route("/registers", func(r chi.Router) {
			r.Get("/", h.ListRegisters)
			r.Post("/", h.CreateRegister)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRegister)
				r.Delete("/", h.DeleteRegister)
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/transactions", h.ApplyTransaction)
				r.Post("/sales", h.RecordSale)
				r.Post("/movements", h.RecordManualMovement)
				r.Post("/open", h.OpenRegister)
				r.Post("/close", h.CloseRegister)
				r.Post("/reconcile", h.ReconcileRegister)
				r.Get("/events", h.StreamEvents)
			})
		})

		// Site routes
		r.Get("/sites/{siteID}/registers", h.ListRegistersBySite)

		// Audit routes
		r.Get("/audit", h.QueryAudit)
	})

	return r
}
