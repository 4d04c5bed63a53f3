/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the mobile client

ROUTE GROUPS:
  /api/bookings/*       Booking lifecycle and ledger
  /api/drivers/*        Driver queries
  /api/owners/*         Owner queries and earnings
  /api/admin/*          Escalation tasks, sweep trigger, sweep audit
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, reg *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/confirm", h.ConfirmBooking)
			r.Post("/{id}/deposit", h.RecordDeposit)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/complete", h.CompleteBooking)
			r.Post("/{id}/rent/declare", h.DeclareRent)
			r.Post("/{id}/rent/confirm", h.ConfirmRent)
		})

		// Driver routes
		r.Route("/drivers", func(r chi.Router) {
			r.Get("/{id}/bookings", h.DriverBookings)
		})

		// Owner routes
		r.Route("/owners", func(r chi.Router) {
			r.Get("/{id}/bookings", h.OwnerBookings)
			r.Get("/{id}/earnings", h.OwnerEarnings)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/tasks", h.ListAdminTasks)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep/runs/{day}", h.GetSweepRun)
		})
	})

	// Prometheus scrape endpoint
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}
