package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	messageMu  sync.Mutex // serializes message inserts to limit SQLITE_BUSY
	maxRetries int
	baseDelay  time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets the retry policy for writes that hit SQLITE_BUSY.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, baseDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		hashed_password TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		approved_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		receiver_id INTEGER NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		attachment_url TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const userColumns = `id, email, full_name, hashed_password, role, created_at, approved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var role string
	var createdAt int64
	var approvedAt sql.NullInt64

	if err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &role, &createdAt, &approvedAt); err != nil {
		return nil, err
	}

	user.Role = domain.Role(role)
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	if approvedAt.Valid {
		ts := time.UnixMilli(approvedAt.Int64).UTC()
		user.ApprovedAt = &ts
	}
	return &user, nil
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.CreatedAt = user.CreatedAt.UTC().Truncate(time.Millisecond)
	if user.ApprovedAt != nil {
		at := user.ApprovedAt.UTC().Truncate(time.Millisecond)
		user.ApprovedAt = &at
	}

	var approvedAt interface{}
	if user.ApprovedAt != nil {
		approvedAt = user.ApprovedAt.UnixMilli()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, full_name, hashed_password, role, created_at, approved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.Email, user.FullName, user.PasswordHash, string(user.Role),
		user.CreatedAt.UnixMilli(), approvedAt,
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// ListUsers returns users ordered by ID.
func (s *SQLiteStore) ListUsers(ctx context.Context, skip, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close user rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ApproveUser sets approved_at for a user.
func (s *SQLiteStore) ApproveUser(ctx context.Context, id int64, at time.Time) (*domain.User, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET approved_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("approve user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("ApproveUser affected 0 rows", "user_id", id)
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

// CreateMessage persists a message. Inserts that hit SQLITE_BUSY are retried
// with exponential backoff.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	// Stored with millisecond precision; the relayed copy must match history.
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)

	for i := 0; i < s.maxRetries; i++ {
		err := s.createMessageOnce(ctx, msg)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < s.maxRetries-1 {
			delay := s.baseDelay * time.Duration(1<<i)
			slog.Debug("CreateMessage failed with SQLITE_BUSY, retrying",
				"sender_id", msg.SenderID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("failed to create message after %d attempts: %w", i+1, err)
	}
	return nil
}

func (s *SQLiteStore) createMessageOnce(ctx context.Context, msg *domain.Message) error {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	var attachment interface{}
	if msg.AttachmentURL != nil {
		attachment = *msg.AttachmentURL
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, attachment_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, msg.Content, attachment, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get message id: %w", err)
	}
	msg.ID = id
	return nil
}

// MessageHistory returns the messages exchanged between two users, oldest first.
func (s *SQLiteStore) MessageHistory(ctx context.Context, userA, userB int64) ([]*domain.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, attachment_url, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("query message history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		var attachment sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &attachment, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if attachment.Valid {
			msg.AttachmentURL = &attachment.String
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
