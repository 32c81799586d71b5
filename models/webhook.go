package models

import "time"

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventUserRegistered   = "user.registered"
)

// AllowedEvents lists the event names a subscription may ask for.
var AllowedEvents = map[string]bool{
	EventPaymentCompleted: true,
	EventPaymentFailed:    true,
	EventUserRegistered:   true,
}

type WebhookSubscription struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Secret      string    `json:"-"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RegisterWebhookRequest struct {
	URL         string   `json:"url" binding:"required,url"`
	Events      []string `json:"events" binding:"required,min=1,dive,required"`
	Description string   `json:"description"`
}

// RegisterWebhookResponse is the only place a subscription secret is ever returned.
type RegisterWebhookResponse struct {
	Subscription WebhookSubscription `json:"subscription"`
	Secret       string              `json:"secret"`
}

// WebhookEnvelope is the signed body sent to subscribers.
type WebhookEnvelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type PaymentWebhookData struct {
	TransactionID string            `json:"transactionId"`
	Reference     string            `json:"reference"`
	Amount        string            `json:"amount"`
	Status        TransactionStatus `json:"status"`
	PackageID     string            `json:"packageId,omitempty"`
	UserID        string            `json:"userId"`
	CreatedAt     time.Time         `json:"createdAt"`
}

type UserWebhookData struct {
	UserID    string    `json:"userId"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}
