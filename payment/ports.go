package payment

import (
	"context"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/models"
)

// TransactionStore is implemented by store.TransactionStore.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*models.Transaction, error)
	MergeMetadata(ctx context.Context, id string, patch models.Metadata) error
	Transition(ctx context.Context, id string, to models.TransactionStatus, patch models.Metadata) (*models.Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)
}

// Gateway is implemented by gateway.Client.
type Gateway interface {
	PushPayment(ctx context.Context, req gateway.PushRequest) (*gateway.PushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.QueryResult, error)
}

type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

// Catalog resolves package ids; unknown ids return store.ErrNotFound.
type Catalog interface {
	Get(ctx context.Context, id string) (*models.DataPackage, error)
}

// Notifier fans an event out to webhook subscribers. It never returns delivery errors.
type Notifier interface {
	Notify(ctx context.Context, event string, data any)
}

// EventPublisher hands terminal payments to bundle provisioning.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error
}
