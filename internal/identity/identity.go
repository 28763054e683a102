// Package identity authenticates requests with bearer access tokens.
package identity

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/alsin/internal/auth"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/store"
)

const (
	// TokenQueryParam carries the credential on the live channel upgrade.
	TokenQueryParam = "token"
	bearerPrefix    = "Bearer "
)

type contextKey int

const (
	userKey contextKey = iota
)

// Verifier verifies an access token and returns its claims.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) *domain.User {
	if v, ok := ctx.Value(userKey).(*domain.User); ok {
		return v
	}
	return nil
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Authenticate verifies token and resolves the approved user it names.
func Authenticate(ctx context.Context, v Verifier, repo store.Repository, token string) (*domain.User, error) {
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := repo.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsApproved() {
		return nil, auth.ErrInvalidToken
	}
	return user, nil
}

// Middleware rejects requests without a valid access token and injects the
// authenticated user into the request context.
func Middleware(v Verifier, repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := Authenticate(r.Context(), v, repo, TokenFromRequest(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRole allows only users holding role. It must run after Middleware.
// The role is read from the stored user, not from the token the client decoded.
func RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
				return
			}
			if user.Role != role {
				writeDetail(w, http.StatusForbidden, "The user doesn't have enough privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
