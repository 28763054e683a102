package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Claims is the locally decoded content of a credential.
type Claims struct {
	Subject   string
	Role      domain.Role
	ExpiresAt time.Time
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// DecodeClaims reads the payload of a credential without checking its
// signature. The server validates every request; the client only needs the
// subject, role and expiry to drive its own state.
func DecodeClaims(credential string) (*Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCredential)
	}

	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &tc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	if tc.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidCredential)
	}
	role, err := domain.ParseRole(tc.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return &Claims{
		Subject:   tc.Subject,
		Role:      role,
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}

// Expired reports whether the claims are no longer usable at now.
func (c *Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
