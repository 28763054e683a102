// Package session tracks who the local user is, based on the persisted
// access credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alsin/internal/domain"
)

var (
	ErrLoading         = errors.New("session is still loading")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrForbidden       = errors.New("insufficient role")
	ErrExpired         = errors.New("credential expired")
)

// PlaceholderName is shown until the profile has been fetched.
const PlaceholderName = "Authenticated User"

// State is the lifecycle state of the session.
type State int

const (
	Uninitialized State = iota
	Loading
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Identity describes the signed-in user.
type Identity struct {
	ID        int64
	Email     string
	FullName  string
	Role      domain.Role
	ExpiresAt time.Time
}

// Session is a read-only snapshot of the manager.
type Session struct {
	State         State
	Loading       bool
	Authenticated bool
	Identity      *Identity
	Credential    string
}

// ProfileFetcher returns the profile of the credential's owner.
type ProfileFetcher interface {
	Me(ctx context.Context) (*domain.User, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager owns the session state. All methods are safe for concurrent use.
type Manager struct {
	store  CredentialStore
	now    func() time.Time
	logger *slog.Logger
	decode func(string) (*Claims, error)

	mu      sync.RWMutex
	session Session

	subMu   sync.Mutex
	subs    map[int]func(Session)
	nextSub int
}

// New creates a manager in the Uninitialized state.
func New(store CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		decode: DecodeClaims,
		subs:   make(map[int]func(Session)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize reads the persisted credential and derives the session from it.
// An undecodable or expired credential is removed. Loading is false when
// Initialize returns, whatever happened.
func (m *Manager) Initialize(ctx context.Context) (err error) {
	m.update(func(s *Session) {
		s.State = Loading
		s.Loading = true
	})
	defer func() {
		m.update(func(s *Session) {
			s.Loading = false
			if s.State == Loading {
				s.State = Unauthenticated
			}
		})
	}()

	if err := ctx.Err(); err != nil {
		m.clear()
		return err
	}

	credential, ok, err := m.store.Load()
	if err != nil {
		m.logger.Error("failed to load credential", "error", err)
		m.clear()
		return err
	}
	if !ok {
		m.clear()
		return nil
	}

	claims, err := m.safeDecode(credential)
	if err != nil {
		m.logger.Warn("discarding unreadable credential", "error", err)
		m.forceLogout()
		return err
	}
	if claims.Expired(m.now()) {
		m.logger.Info("credential expired", "email", claims.Subject, "expires_at", claims.ExpiresAt)
		m.forceLogout()
		return ErrExpired
	}

	m.update(func(s *Session) {
		s.State = Authenticated
		s.Authenticated = true
		s.Credential = credential
		s.Identity = &Identity{
			Email:     claims.Subject,
			FullName:  PlaceholderName,
			Role:      claims.Role,
			ExpiresAt: claims.ExpiresAt,
		}
	})
	m.logger.Debug("session restored", "email", claims.Subject, "role", claims.Role)
	return nil
}

// Login persists credential and re-initializes from it. The returned error
// is non-nil when the credential was rejected.
func (m *Manager) Login(ctx context.Context, credential string) error {
	if err := m.store.Save(credential); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if !m.Snapshot().Authenticated {
		return ErrUnauthenticated
	}
	return nil
}

// Logout removes the persisted credential and clears the session. It is
// safe to call repeatedly. The session is cleared even when removal fails.
func (m *Manager) Logout() error {
	err := m.store.Remove()
	if err != nil {
		m.logger.Error("failed to remove credential", "error", err)
	}
	m.clear()
	return err
}

// CheckExpiry logs the user out when the loaded credential has expired since
// it was decoded. It reports whether a logout happened.
func (m *Manager) CheckExpiry() bool {
	m.mu.RLock()
	ident := m.session.Identity
	authed := m.session.Authenticated
	m.mu.RUnlock()

	if !authed || ident == nil || m.now().Before(ident.ExpiresAt) {
		return false
	}
	m.logger.Info("credential expired during session", "email", ident.Email)
	m.forceLogout()
	return true
}

// Refresh replaces the placeholder display fields with the server profile.
func (m *Manager) Refresh(ctx context.Context, fetcher ProfileFetcher) error {
	snap := m.Snapshot()
	if !snap.Authenticated {
		return ErrUnauthenticated
	}

	user, err := fetcher.Me(ctx)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	if user.Email != snap.Identity.Email {
		return fmt.Errorf("profile %s does not match credential %s", user.Email, snap.Identity.Email)
	}

	m.update(func(s *Session) {
		if s.Identity == nil || s.Identity.Email != user.Email {
			return
		}
		ident := *s.Identity
		ident.ID = user.ID
		ident.FullName = user.FullName
		s.Identity = &ident
	})
	return nil
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySession(m.session)
}

// Credential returns the active credential, or "" when logged out.
func (m *Manager) Credential() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Credential
}

// Subscribe registers fn to receive every new snapshot and returns a function
// that removes it.
func (m *Manager) Subscribe(fn func(Session)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) safeDecode(credential string) (claims *Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			claims = nil
			err = fmt.Errorf("%w: decode panic: %v", ErrInvalidCredential, r)
		}
	}()
	return m.decode(credential)
}

func (m *Manager) forceLogout() {
	if err := m.store.Remove(); err != nil {
		m.logger.Error("failed to remove credential", "error", err)
	}
	m.clear()
}

func (m *Manager) clear() {
	m.update(func(s *Session) {
		*s = Session{State: Unauthenticated, Loading: s.Loading}
	})
}

func (m *Manager) update(fn func(*Session)) {
	m.mu.Lock()
	fn(&m.session)
	snap := copySession(m.session)
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]func(Session), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func copySession(s Session) Session {
	if s.Identity != nil {
		ident := *s.Identity
		s.Identity = &ident
	}
	return s
}

// RequireAuthenticated gates screens that need a signed-in user.
func RequireAuthenticated(s Session) error {
	if s.Loading || s.State == Loading || s.State == Uninitialized {
		return ErrLoading
	}
	if !s.Authenticated || s.Identity == nil {
		return ErrUnauthenticated
	}
	return nil
}

// RequireAdmin gates admin screens. The server enforces the role again.
func RequireAdmin(s Session) error {
	if err := RequireAuthenticated(s); err != nil {
		return err
	}
	if !s.Identity.Role.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
