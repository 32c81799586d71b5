package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	PasswordHash   string     `json:"-"`
	FailedAttempts int        `json:"-"`
	LockedUntil    *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone" binding:"required,kephone"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

type DataPackage struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Provider string          `json:"provider"`
	DataMB   int             `json:"data_mb"`
	Validity string          `json:"validity"`
	Price    decimal.Decimal `json:"price"`
	Active   bool            `json:"active"`
}

// PaymentEvent is published to Kafka on every terminal transition.
type PaymentEvent struct {
	TransactionID string            `json:"transaction_id"`
	Reference     string            `json:"reference"`
	UserID        string            `json:"user_id"`
	PackageID     string            `json:"package_id,omitempty"`
	Phone         string            `json:"phone"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        TransactionStatus `json:"status"`
	EventType     string            `json:"event_type"` // payment.completed, payment.failed
	ReceiptNumber string            `json:"receipt_number,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}
