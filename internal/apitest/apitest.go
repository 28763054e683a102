// Package apitest runs a complete relay server on an httptest listener.
package apitest

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/alsin/internal/api"
	"github.com/ashureev/alsin/internal/auth"
	"github.com/ashureev/alsin/internal/config"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/hub"
	"github.com/ashureev/alsin/internal/store"
)

// Secret signs every token issued by the test server.
const Secret = "apitest-secret-0123456789"

// Server is a relay server backed by a temporary SQLite database.
type Server struct {
	*httptest.Server
	Repo   store.Repository
	Issuer *auth.Issuer
	Hub    *hub.Hub
}

// New starts a server and registers cleanup with t.
func New(t *testing.T) *Server {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "alsin.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}

	cfg := &config.Config{
		JWTSecret:      Secret,
		JWTIssuer:      "alsin-test",
		AccessTokenTTL: time.Hour,
		Timeout: config.TimeoutConfig{
			HealthCheck: time.Second,
			WSWrite:     time.Second,
			WSPing:      time.Minute,
		},
	}
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	relay := hub.New(cfg.Timeout.WSWrite, nil)
	ws := hub.NewWebSocketHandler(repo, issuer, relay, "*", true)
	ws.SetPingInterval(cfg.Timeout.WSPing)

	router := api.NewRouter(api.RouterDeps{
		Handler: api.NewHandler(repo, issuer, cfg),
		Health:  api.NewHealthHandler(repo, relay, cfg),
		Chat:    ws,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = repo.Close()
	})

	return &Server{Server: srv, Repo: repo, Issuer: issuer, Hub: relay}
}

// CreateUser inserts an approved user with the given password.
func (s *Server) CreateUser(t *testing.T, email, password string, role domain.Role) *domain.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	now := time.Now().UTC()
	user := &domain.User{
		Email:        email,
		FullName:     email,
		Role:         role,
		PasswordHash: hash,
		ApprovedAt:   &now,
	}
	if err := s.Repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", email, err)
	}
	return user
}

// Token issues a valid access token for user.
func (s *Server) Token(t *testing.T, user *domain.User) string {
	t.Helper()
	token, err := s.Issuer.Issue(user)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

// WaitForConnections blocks until the hub holds n connections or the timeout elapses.
func (s *Server) WaitForConnections(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Hub.Connections() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d chat connections, have %d", n, s.Hub.Connections())
}
