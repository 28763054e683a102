package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func makeToken(t *testing.T, sub string, role domain.Role, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"role": string(role)}
	if sub != "" {
		claims["sub"] = sub
	}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("any-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(store CredentialStore, c *clock) *Manager {
	return New(store,
		WithClock(c.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestInitializeWithoutCredential(t *testing.T) {
	m := newManager(NewMemoryStore(""), &clock{now: testNow})
	if m.Snapshot().State != Uninitialized {
		t.Fatalf("expected Uninitialized before Initialize, got %v", m.Snapshot().State)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	s := m.Snapshot()
	if s.State != Unauthenticated || s.Authenticated || s.Loading || s.Identity != nil {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestInitializeWithValidCredential(t *testing.T) {
	token := makeToken(t, "dosen@alsin.test", domain.RoleDosen, testNow.Add(time.Hour))
	m := newManager(NewMemoryStore(token), &clock{now: testNow})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	s := m.Snapshot()
	if s.State != Authenticated || !s.Authenticated || s.Loading {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Identity.Email != "dosen@alsin.test" || s.Identity.Role != domain.RoleDosen {
		t.Fatalf("unexpected identity %+v", s.Identity)
	}
	if s.Identity.FullName != PlaceholderName || s.Identity.ID != 0 {
		t.Fatalf("expected placeholder display fields, got %+v", s.Identity)
	}
	if m.Credential() != token {
		t.Fatal("credential not exposed")
	}
}

func TestInitializeExpiredCredentialLogsOut(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(-time.Second))
	store := NewMemoryStore(token)
	m := newManager(store, &clock{now: testNow})

	err := m.Initialize(context.Background())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if s := m.Snapshot(); s.State != Unauthenticated || s.Loading {
		t.Fatalf("unexpected session %+v", s)
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatal("expired credential should be removed")
	}
}

func TestInitializeExpiresExactlyNow(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow)
	m := newManager(NewMemoryStore(token), &clock{now: testNow})
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at exp == now, got %v", err)
	}
}

func TestInitializeRejectsBadCredentials(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"missing subject", makeToken(t, "", domain.RoleDosen, testNow.Add(time.Hour))},
		{"missing expiry", makeToken(t, "a@alsin.test", domain.RoleDosen, time.Time{})},
		{"unknown role", makeToken(t, "a@alsin.test", domain.Role("superuser"), testNow.Add(time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(tt.token)
			m := newManager(store, &clock{now: testNow})

			err := m.Initialize(context.Background())
			if !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
			if s := m.Snapshot(); s.State != Unauthenticated || s.Loading {
				t.Fatalf("unexpected session %+v", s)
			}
			if _, ok, _ := store.Load(); ok {
				t.Fatal("bad credential should be removed")
			}
		})
	}
}

func TestInitializeRecoversDecodePanic(t *testing.T) {
	m := newManager(NewMemoryStore("x.y.z"), &clock{now: testNow})
	m.decode = func(string) (*Claims, error) { panic("boom") }

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error after decode panic")
	}
	if s := m.Snapshot(); s.State != Unauthenticated || s.Loading {
		t.Fatalf("loading must end false after panic, got %+v", s)
	}
}

func TestLogoutThenInitialize(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Hour))
	store := NewMemoryStore(token)
	m := newManager(store, &clock{now: testNow})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := m.Logout(); err != nil {
		t.Fatalf("second Logout failed: %v", err)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if s := m.Snapshot(); s.State != Unauthenticated || s.Credential != "" {
		t.Fatalf("expected logged out after restart, got %+v", s)
	}
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Remove() error { return errors.New("disk on fire") }

func TestLogoutClearsStateWhenRemoveFails(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Hour))
	m := newManager(failingStore{NewMemoryStore(token)}, &clock{now: testNow})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := m.Logout(); err == nil {
		t.Fatal("expected removal error")
	}
	if s := m.Snapshot(); s.Authenticated || s.Identity != nil || s.Credential != "" {
		t.Fatalf("state must be cleared, got %+v", s)
	}
}

func TestCheckExpiry(t *testing.T) {
	c := &clock{now: testNow}
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Minute))
	m := newManager(NewMemoryStore(token), c)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if m.CheckExpiry() {
		t.Fatal("credential should still be valid")
	}
	c.Advance(2 * time.Minute)
	if !m.CheckExpiry() {
		t.Fatal("expected logout after expiry")
	}
	if s := m.Snapshot(); s.State != Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", s.State)
	}
	if m.CheckExpiry() {
		t.Fatal("second check must be a no-op")
	}
}

func TestLogin(t *testing.T) {
	m := newManager(NewMemoryStore(""), &clock{now: testNow})

	bad := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(-time.Hour))
	if err := m.Login(context.Background(), bad); err == nil {
		t.Fatal("expected expired credential to be rejected")
	}
	if m.Snapshot().Authenticated {
		t.Fatal("rejected login must not authenticate")
	}

	good := makeToken(t, "admin@alsin.test", domain.RoleAdmin, testNow.Add(time.Hour))
	if err := m.Login(context.Background(), good); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := RequireAdmin(m.Snapshot()); err != nil {
		t.Fatalf("RequireAdmin: %v", err)
	}
}

func TestSubscribeSeesLoadingThenResult(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Hour))
	m := newManager(NewMemoryStore(token), &clock{now: testNow})

	var states []State
	var loading []bool
	unsubscribe := m.Subscribe(func(s Session) {
		states = append(states, s.State)
		loading = append(loading, s.Loading)
	})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if states[0] != Loading || !loading[0] {
		t.Fatalf("first notification should be Loading, got %v", states)
	}
	last := len(states) - 1
	if states[last] != Authenticated || loading[last] {
		t.Fatalf("last notification should be Authenticated and not loading, got %v %v", states, loading)
	}

	unsubscribe()
	n := len(states)
	_ = m.Logout()
	if len(states) != n {
		t.Fatal("unsubscribed callback was invoked")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Hour))
	m := newManager(NewMemoryStore(token), &clock{now: testNow})
	_ = m.Initialize(context.Background())

	s := m.Snapshot()
	s.Identity.Email = "mallory@alsin.test"
	if m.Snapshot().Identity.Email != "a@alsin.test" {
		t.Fatal("snapshot mutation leaked into manager")
	}
}

type fakeProfile struct {
	user *domain.User
	err  error
}

func (f fakeProfile) Me(context.Context) (*domain.User, error) { return f.user, f.err }

func TestRefresh(t *testing.T) {
	token := makeToken(t, "a@alsin.test", domain.RoleMahasiswa, testNow.Add(time.Hour))
	m := newManager(NewMemoryStore(token), &clock{now: testNow})
	_ = m.Initialize(context.Background())

	err := m.Refresh(context.Background(), fakeProfile{user: &domain.User{ID: 7, Email: "a@alsin.test", FullName: "Ani"}})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	ident := m.Snapshot().Identity
	if ident.ID != 7 || ident.FullName != "Ani" {
		t.Fatalf("unexpected identity %+v", ident)
	}

	err = m.Refresh(context.Background(), fakeProfile{user: &domain.User{ID: 8, Email: "b@alsin.test"}})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestGuards(t *testing.T) {
	tests := []struct {
		name      string
		session   Session
		wantAuth  error
		wantAdmin error
	}{
		{"uninitialized", Session{}, ErrLoading, ErrLoading},
		{"loading", Session{State: Loading, Loading: true}, ErrLoading, ErrLoading},
		{"logged out", Session{State: Unauthenticated}, ErrUnauthenticated, ErrUnauthenticated},
		{"member", Session{State: Authenticated, Authenticated: true, Identity: &Identity{Role: domain.RolePLP}}, nil, ErrForbidden},
		{"admin", Session{State: Authenticated, Authenticated: true, Identity: &Identity{Role: domain.RoleAdmin}}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := RequireAuthenticated(tt.session); !errors.Is(err, tt.wantAuth) {
				t.Errorf("RequireAuthenticated = %v, want %v", err, tt.wantAuth)
			}
			if err := RequireAdmin(tt.session); !errors.Is(err, tt.wantAdmin) {
				t.Errorf("RequireAdmin = %v, want %v", err, tt.wantAdmin)
			}
		})
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credential")
	store := NewFileStore(path)

	if _, ok, err := store.Load(); ok || err != nil {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	if err := store.Remove(); err != nil {
		t.Fatalf("Remove on missing file: %v", err)
	}

	if err := store.Save("abc.def.ghi"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}

	got, ok, err := store.Load()
	if err != nil || !ok || got != "abc.def.ghi" {
		t.Fatalf("Load = %q %v %v", got, ok, err)
	}

	if err := store.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatal("credential still present after Remove")
	}
}
