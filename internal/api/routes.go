package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Device state
		r.Get("/status", s.HandleStatus)
		r.Post("/join", s.HandleJoin)

		// Data path
		r.Post("/uplink", s.HandleSendUplink)
		r.Get("/downlink", s.HandleLastDownlink)

		// Link check
		r.Route("/linkcheck", func(r chi.Router) {
			r.Post("/", s.HandleTriggerLinkCheck)
			r.Get("/", s.HandleGetLinkCheck)
		})

		// Runtime MAC configuration
		r.Route("/mac", func(r chi.Router) {
			r.Get("/", s.HandleGetMACSettings)
			r.Put("/", s.HandleUpdateMACSettings)
		})

		// History (requires a configured store)
		r.Get("/events", s.HandleListEvents)
		r.Route("/frames", func(r chi.Router) {
			r.Get("/uplink", s.HandleListUplinkFrames)
			r.Get("/downlink", s.HandleListDownlinkFrames)
		})
	})
}
