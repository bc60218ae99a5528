package api

import (
	"net/http"

	"github.com/ashureev/pccare/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP router with the global middleware stack.
func NewRouter(h *Handler, health *HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(h.allowedOrigins))

	health.RegisterHealth(r)
	h.RegisterRoutes(r)
	return r
}
