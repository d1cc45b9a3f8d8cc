/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/packages/*      Package lifecycle, recommendations, auto-assign, flow
  /api/assignments/*   Batch assignment
  /api/assessments     Single organization assessment
  /api/rules/*         Rule management and dry-run tests
  /api/organizations/* Disposal organization directory
  /api/flow            Flow record queries
  /api/strategies      Strategy weights
  /api/state-machine   Status graph
  /api/scenarios/*     Demo scenarios
  /healthz             Liveness

ACTOR:
  Mutating requests name the acting user with X-Actor-ID / X-Actor-Name.
  Requests without them act as "api".

SECURITY NOTE:
  No authentication middleware. The actor headers are trusted as sent.

SEE ALSO:
  - handlers.go: Package and assignment handlers
  - rules.go: Rule and organization handlers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/disposal-engine/engine"
)

// transitionRoutes maps POST /packages/{id}/<action> to lifecycle events.
var transitionRoutes = []struct {
	action string
	event  engine.Event
}{
	{"publish", engine.EventPublish},
	{"withdraw", engine.EventWithdraw},
	{"accept", engine.EventAccept},
	{"reject", engine.EventReject},
	{"return", engine.EventReturn},
	{"start", engine.EventStart},
	{"complete", engine.EventComplete},
	{"cancel", engine.EventCancel},
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorName},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Package routes
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.CreatePackage)
			r.Get("/{id}", h.GetPackage)
			r.Delete("/{id}", h.DeletePackage)
			r.Get("/{id}/next-statuses", h.NextStatuses)
			r.Get("/{id}/recommendations", h.Recommendations)
			r.Get("/{id}/flow", h.PackageFlow)
			r.Post("/{id}/auto-assign", h.AutoAssign)
			r.Post("/{id}/assign", h.ManualAssign)
			r.Post("/{id}/status", h.ChangeStatus)
			for _, tr := range transitionRoutes {
				r.Post("/{id}/"+tr.action, h.Transition(tr.event))
			}
		})

		// Assignment routes
		r.Post("/assignments/batch", h.BatchAssign)
		r.Get("/assessments", h.Assess)

		// Rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
			r.Post("/{id}/test", h.TestRule)
		})

		// Organization routes
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.SaveOrganization)
			r.Get("/{id}", h.GetOrganization)
		})

		r.Get("/flow", h.QueryFlow)
		r.Get("/strategies", h.ListStrategies)
		r.Get("/state-machine", h.StateMachine)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
