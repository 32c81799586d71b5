package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/lib/pq"
)

var ErrUserExists = errors.New("user already exists")

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, u *models.User) error {
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (id, name, phone, password_hash) VALUES ($1, $2, $3, $4) RETURNING created_at",
		u.ID, u.Name, u.Phone, u.PasswordHash,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	var u models.User
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, phone, password_hash, failed_attempts, locked_until, created_at FROM users WHERE phone = $1",
		phone,
	).Scan(&u.ID, &u.Name, &u.Phone, &u.PasswordHash, &u.FailedAttempts, &lockedUntil, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return &u, nil
}

// RecordFailedLogin stores the new attempt count and, when set, the lock expiry.
func (s *UserStore) RecordFailedLogin(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error {
	var until sql.NullTime
	if lockedUntil != nil {
		until = sql.NullTime{Time: *lockedUntil, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET failed_attempts = $1, locked_until = $2 WHERE id = $3",
		attempts, until, id)
	if err != nil {
		return fmt.Errorf("failed to record failed login: %w", err)
	}
	return nil
}

func (s *UserStore) ResetFailedLogins(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET failed_attempts = 0, locked_until = NULL WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to reset failed logins: %w", err)
	}
	return nil
}

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3) RETURNING created_at",
		sess.ID, sess.UserID, sess.ExpiresAt,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, expires_at, revoked, created_at FROM sessions WHERE id = $1", id,
	).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.Revoked, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET revoked = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
