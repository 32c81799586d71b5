package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const secretBytes = 32

// SubscriptionStore is implemented by store.WebhookStore.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	List(ctx context.Context) ([]models.WebhookSubscription, error)
}

// InvalidSubscriptionError rejects a registration before it is stored.
type InvalidSubscriptionError struct {
	Reason string
}

func (e *InvalidSubscriptionError) Error() string {
	return "invalid webhook subscription: " + e.Reason
}

type Registry struct {
	store  SubscriptionStore
	logger *zap.Logger
}

func NewRegistry(store SubscriptionStore, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Register stores a new active subscription. The returned secret is not retrievable later.
func (r *Registry) Register(ctx context.Context, rawURL string, events []string, description, createdBy string) (*models.WebhookSubscription, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", &InvalidSubscriptionError{Reason: "url must be an absolute http(s) URL"}
	}
	if len(events) == 0 {
		return nil, "", &InvalidSubscriptionError{Reason: "at least one event is required"}
	}
	seen := make(map[string]bool, len(events))
	unique := make([]string, 0, len(events))
	for _, e := range events {
		if !models.AllowedEvents[e] {
			return nil, "", &InvalidSubscriptionError{Reason: fmt.Sprintf("unknown event %q", e)}
		}
		if !seen[e] {
			seen[e] = true
			unique = append(unique, e)
		}
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}

	sub := &models.WebhookSubscription{
		ID:          uuid.NewString(),
		URL:         u.String(),
		Events:      unique,
		Secret:      secret,
		Description: description,
		Active:      true,
		CreatedBy:   createdBy,
	}
	if err := r.store.Create(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("failed to store webhook subscription: %w", err)
	}

	r.logger.Info("Webhook subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.Strings("events", sub.Events),
		zap.String("created_by", createdBy),
	)
	return sub, secret, nil
}

func (r *Registry) List(ctx context.Context) ([]models.WebhookSubscription, error) {
	return r.store.List(ctx)
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
