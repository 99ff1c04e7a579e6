package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Public
	r.Get("/health", s.HandleHealth)
	r.Post("/auth/login", s.HandleLogin)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.HandleStatus)

		r.Route("/network", func(r chi.Router) {
			r.Get("/status", s.HandleNetworkStatus)
			r.Get("/health", s.HandleNetworkHealth)
			r.Post("/force", s.HandleForceInterface)
			r.Post("/auto", s.HandleAutoMode)
			r.Post("/reconnect", s.HandleReconnect)
		})

		r.Get("/forwarder/stats", s.HandleForwarderStats)
		r.Get("/events", s.HandleListEvents)
	})
}
