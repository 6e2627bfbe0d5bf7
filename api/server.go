/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the studio frontend
  5. Auth:       Bearer token on every /api route except webhooks

ROUTE GROUPS:
  /api/schedules/*      Booking and billing actions
  /api/students/*       Lesson-status lookup
  /api/coaches/*        Reward reports
  /api/admin/*          Jobs on demand
  /api/scenarios/*      Demo data (admin only)
  /api/webhooks/*       Payment processor callbacks (signature-checked)
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Stripe signs its deliveries; no bearer token
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Route("/schedules", func(r chi.Router) {
				r.Post("/", h.CreateSchedule)
				r.Get("/{id}", h.GetSchedule)
				r.Post("/{id}/approve", h.ApproveSchedule)
				r.Post("/{id}/reject", h.RejectSchedule)
				r.Post("/{id}/manual-approve", h.ManualApproveSchedule)
				r.Post("/{id}/refund", h.RefundSchedule)
			})

			r.Get("/students/{id}/lesson-status", h.GetLessonStatus)

			r.Route("/coaches/{id}", func(r chi.Router) {
				r.Get("/reward-rate", h.GetRewardRate)
				r.Get("/rewards", h.GetRewardHistory)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Post("/billing/run", h.RunBilling)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}
