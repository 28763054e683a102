// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/alsin/internal/domain"
)

var (
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUserNotFound is returned by updates targeting a missing user.
	ErrUserNotFound = errors.New("user not found")
)

// Repository defines the interface for persisting users and chat messages.
type Repository interface {
	// CreateUser inserts a new user and fills in its ID and CreatedAt.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, id int64) (*domain.User, error)

	// GetUserByEmail retrieves a user by email. Returns nil, nil when absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// ListUsers returns users ordered by ID.
	ListUsers(ctx context.Context, skip, limit int) ([]*domain.User, error)

	// ApproveUser marks a user as approved at the given time.
	ApproveUser(ctx context.Context, id int64, at time.Time) (*domain.User, error)

	// CreateMessage persists a message and fills in its ID and CreatedAt.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// MessageHistory returns the messages exchanged between two users, oldest first.
	MessageHistory(ctx context.Context, userA, userB int64) ([]*domain.Message, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
