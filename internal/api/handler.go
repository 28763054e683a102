// Package api provides HTTP handlers for the ALSIN API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/alsin/internal/auth"
	"github.com/ashureev/alsin/internal/config"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/identity"
	"github.com/ashureev/alsin/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize caps JSON and form bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler provides common handler dependencies.
type Handler struct {
	repo   store.Repository
	issuer *auth.Issuer
	cfg    *config.Config
	now    func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, issuer *auth.Issuer, cfg *config.Config) *Handler {
	return &Handler{
		repo:   repo,
		issuer: issuer,
		cfg:    cfg,
		now:    time.Now,
	}
}

// RegisterRoutes registers the user directory, auth and chat routes. ws, when
// non-nil, serves the live channel and authenticates from the token query
// parameter itself.
func (h *Handler) RegisterRoutes(r chi.Router, ws http.Handler) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login/token", h.LoginToken)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(h.issuer, h.repo))
			r.Get("/me", h.Me)
			r.Get("/directory", h.Directory)

			r.Group(func(r chi.Router) {
				r.Use(identity.RequireRole(domain.RoleAdmin))
				r.Get("/", h.ListUsers)
				r.Post("/{user_id}/approve", h.Approve)
			})
		})
	})

	r.Route("/chat", func(r chi.Router) {
		r.With(identity.Middleware(h.issuer, h.repo)).Get("/history/{other_user_id}", h.History)
		if ws != nil {
			r.Get("/ws", ws.ServeHTTP)
		}
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response. The detail string is what clients show
// to the user.
func Error(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, map[string]string{"detail": detail})
}
