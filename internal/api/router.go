package api

import (
	"net/http"

	"github.com/ashureev/alsin/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps are the pieces mounted on the HTTP router.
type RouterDeps struct {
	Handler        *Handler
	Health         *HealthHandler
	Chat           http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
	RequestLogging bool
}

// NewRouter builds the chi router for the relay server.
func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if d.RequestLogging {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins))

	if d.Health != nil {
		d.Health.RegisterHealth(r)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	d.Handler.RegisterRoutes(r, d.Chat)
	return r
}
