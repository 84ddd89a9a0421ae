// Package api serves the gateway's HTTP status and control API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iogate/iogate/internal/auth"
	"github.com/iogate/iogate/internal/middleware"
)

// Dependencies are the collaborators of the API handlers.
type Dependencies struct {
	Auth    *auth.Service
	State   *State
	Outputs Outputs
	Streams Streams
	Ready   func() bool
	Version string
	Logger  *slog.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger.With("component", "api")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	healthHandler := NewHealthHandler(deps.Version, deps.Ready)
	authHandler := NewAuthHandler(deps.Auth)
	ioHandler := NewIOHandler(deps.State, deps.Outputs, deps.Streams, logger)

	// Public routes (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", authHandler.Login)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Get("/inputs", ioHandler.ListInputs)
			r.Route("/outputs", func(r chi.Router) {
				r.Get("/", ioHandler.ListOutputs)
				r.Put("/{name}", ioHandler.SetOutput)
			})
			r.Get("/sensors", ioHandler.ListSensors)
			r.Post("/streams/{name}", ioHandler.SendStream)
		})
	})

	return r
}
