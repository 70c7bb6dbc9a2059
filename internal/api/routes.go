package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, health *HealthChecker, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The dashboard calls retry from the browser with the trigger bearer token
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", health.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.RequireTrigger)
			r.Post("/scheduler/run", h.RunScheduler)
			// Hosted cron services often only issue GETs
			r.Get("/scheduler/run", h.RunScheduler)
			r.Post("/scheduler/reconcile", h.Reconcile)
			r.Get("/scheduler/stats", h.SchedulerStats)
			r.Post("/items/{id}/retry", h.RetryItem)
		})
	})

	return r
}
