package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/ashureev/alsin/internal/domain"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("0123456789abcdef", "alsin", time.Minute)
	token, err := iss.Issue(&domain.User{Email: "dosen@alsin.test", Role: domain.RoleDosen})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "dosen@alsin.test" || claims.Role != domain.RoleDosen {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := NewIssuer("0123456789abcdef", "alsin", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, err := iss.Issue(&domain.User{Email: "a@alsin.test", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	iss.now = time.Now
	if _, err := iss.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewIssuer("0123456789abcdef", "alsin", time.Minute).
		Issue(&domain.User{Email: "a@alsin.test", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	other := NewIssuer("fedcba9876543210", "alsin", time.Minute)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Fatal("expected password to match")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatal("expected wrong password to be rejected")
	}
}
