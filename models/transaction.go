package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// CanTransitionTo allows only pending -> completed and pending -> failed.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TransactionStatusPending && next.IsTerminal()
}

const PaymentMethodMpesa = "mpesa"

// Metadata keys written into Transaction.Metadata.
const (
	MetaCheckoutRequestID       = "checkout_request_id"
	MetaMerchantRequestID       = "merchant_request_id"
	MetaCustomerMessage         = "customer_message"
	MetaProvider                = "provider"
	MetaError                   = "error"
	MetaErrorCode               = "error_code"
	MetaErrorKind               = "error_kind"
	MetaFailedAt                = "failed_at"
	MetaReceiptNumber           = "receipt_number"
	MetaAmountPaid              = "amount_paid"
	MetaPaidPhone               = "paid_phone"
	MetaTransactionDate         = "transaction_date"
	MetaCompletedAt             = "completed_at"
	MetaResultCode              = "result_code"
	MetaResultDesc              = "result_desc"
	MetaLateCallback            = "late_callback"
	MetaLateResultCode          = "late_result_code"
	MetaLateResultDesc          = "late_result_desc"
	MetaExpiredAt               = "expired_at"
	MetaProvisioningRequestedAt = "provisioning_requested_at"
)

// Metadata is the free-form JSONB column on transactions.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = out
	return nil
}

// String returns the value under key when it is a string.
func (m Metadata) String(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

type Transaction struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	UserID        string            `json:"user_id"`
	PackageID     string            `json:"package_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Phone         string            `json:"phone"`
	PaymentMethod string            `json:"payment_method"`
	Status        TransactionStatus `json:"status"`
	Metadata      Metadata          `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type InitiatePaymentRequest struct {
	Phone     string          `json:"phone" binding:"required,kephone"`
	Amount    decimal.Decimal `json:"amount"`
	PackageID string          `json:"packageId"`
}

type InitiatePaymentResponse struct {
	Success       bool   `json:"success"`
	ReferenceCode string `json:"referenceCode,omitempty"`
	Message       string `json:"message"`
}

type StatusRequest struct {
	ReferenceCode string `json:"referenceCode" binding:"required"`
}

type StatusResponse struct {
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	ReferenceCode string            `json:"referenceCode"`
	Status        TransactionStatus `json:"status,omitempty"`
}

type AuditEntry struct {
	TransactionID string            `json:"transaction_id"`
	Reference     string            `json:"reference"`
	Event         string            `json:"event"`
	Status        TransactionStatus `json:"status"`
	Detail        Metadata          `json:"detail"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Audit events.
const (
	AuditInitiated       = "initiated"
	AuditGatewayAccepted = "gateway_accepted"
	AuditGatewayFailed   = "gateway_failed"
	AuditCompleted       = "completed"
	AuditFailed          = "failed"
	AuditExpired         = "expired"
)
