package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/payment"
	"github.com/Moonlitwhisper254/datakibanda/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPhoneTaken         = errors.New("phone number already registered")
	ErrInvalidSession     = errors.New("invalid or expired session")
)

// LockedError is returned while an account is locked after repeated failed logins.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByPhone(ctx context.Context, phone string) (*models.User, error)
	RecordFailedLogin(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error
	ResetFailedLogins(ctx context.Context, id string) error
}

type SessionStore interface {
	Create(ctx context.Context, sess *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Revoke(ctx context.Context, id string) error
}

// Notifier is satisfied by webhook.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event string, data any)
}

type Config struct {
	JWTSecret        string
	SessionTTL       time.Duration
	MaxLoginAttempts int
	LockDuration     time.Duration
}

// Service registers users and issues session tokens. A token is an HS256 JWT whose
// jti names a row in the sessions table, so logout takes effect immediately.
type Service struct {
	users    UserStore
	sessions SessionStore
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(users UserStore, sessions SessionStore, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 15 * time.Minute
	}
	return &Service{
		users:    users,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	phone, err := payment.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Phone:        phone,
		PasswordHash: string(hashed),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, ErrPhoneTaken
		}
		return nil, err
	}

	s.logger.Info("User registered", zap.String("user_id", user.ID))
	if s.notifier != nil {
		data := models.UserWebhookData{UserID: user.ID, Phone: user.Phone, CreatedAt: user.CreatedAt}
		go s.notifier.Notify(context.WithoutCancel(ctx), models.EventUserRegistered, data)
	}
	return user, nil
}

func (s *Service) Login(ctx context.Context, phone, password string) (*models.LoginResponse, error) {
	normalized, err := payment.NormalizePhone(phone)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByPhone(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return nil, &LockedError{Until: *user.LockedUntil}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.recordFailure(ctx, user, now)
	}

	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
			s.logger.Warn("Failed to reset login attempts", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	token, err := s.sign(sess, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("User logged in", zap.String("user_id", user.ID), zap.String("session_id", sess.ID))
	return &models.LoginResponse{Token: token, ExpiresAt: sess.ExpiresAt, User: *user}, nil
}

func (s *Service) recordFailure(ctx context.Context, user *models.User, now time.Time) error {
	attempts := user.FailedAttempts + 1
	var until *time.Time
	if attempts >= s.cfg.MaxLoginAttempts {
		t := now.Add(s.cfg.LockDuration)
		until = &t
		attempts = 0
	}
	if err := s.users.RecordFailedLogin(ctx, user.ID, attempts, until); err != nil {
		s.logger.Error("Failed to record failed login", zap.String("user_id", user.ID), zap.Error(err))
	}
	if until != nil {
		s.logger.Warn("Account locked after repeated failed logins",
			zap.String("user_id", user.ID),
			zap.Time("locked_until", *until),
		)
		return &LockedError{Until: *until}
	}
	return ErrInvalidCredentials
}

func (s *Service) sign(sess *models.Session, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sess.UserID,
		ID:        sess.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate implements middleware.SessionValidator.
func (s *Service) Validate(ctx context.Context, token string) (string, string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || claims.ID == "" {
		return "", "", ErrInvalidSession
	}

	sess, err := s.sessions.Get(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrInvalidSession
	}
	if err != nil {
		return "", "", err
	}
	if sess.Revoked || !s.now().Before(sess.ExpiresAt) || sess.UserID != claims.Subject {
		return "", "", ErrInvalidSession
	}
	return sess.UserID, sess.ID, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("Session revoked", zap.String("session_id", sessionID))
	return nil
}
