package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/lib/pq"
)

type WebhookStore struct {
	db *sql.DB
}

func NewWebhookStore(db *sql.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func (s *WebhookStore) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_subscriptions (id, url, events, secret, description, active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		sub.ID, sub.URL, pq.Array(sub.Events), sub.Secret, sub.Description, sub.Active, sub.CreatedBy,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook subscription: %w", err)
	}
	return nil
}

// ListActiveForEvent returns active subscriptions including their secrets.
func (s *WebhookStore) ListActiveForEvent(ctx context.Context, event string) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, events, secret, description, active, created_by, created_at
		FROM webhook_subscriptions WHERE active = TRUE AND $1 = ANY(events) ORDER BY created_at`,
		event)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.URL, pq.Array(&sub.Events), &sub.Secret, &sub.Description,
			&sub.Active, &sub.CreatedBy, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// List returns every subscription without secrets.
func (s *WebhookStore) List(ctx context.Context) ([]models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, events, description, active, created_by, created_at
		FROM webhook_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.URL, pq.Array(&sub.Events), &sub.Description,
			&sub.Active, &sub.CreatedBy, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
