package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxReferenceAttempts  = 3
	defaultCallTimeout    = 30 * time.Second
	defaultPersistTimeout = 5 * time.Second

	MessageAccepted    = "Payment request sent. Check your phone to complete the payment."
	MessageUnavailable = "Payment service is temporarily unavailable. Please try again."
)

type InitiateRequest struct {
	UserID    string
	Phone     string
	Amount    decimal.Decimal
	PackageID string
}

type InitiateResult struct {
	ReferenceCode string
	Accepted      bool
	Message       string
	Transaction   *models.Transaction
}

type Initiator struct {
	store          TransactionStore
	gateway        Gateway
	audit          Auditor
	catalog        Catalog
	refs           *ReferenceGenerator
	callTimeout    time.Duration
	persistTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// budgeted is implemented by gateway.Client.
type budgeted interface {
	Budget() time.Duration
}

// NewInitiator bounds the gateway call by the gateway's own retry budget when it reports
// one, so every attempt gets its full timeout.
func NewInitiator(store TransactionStore, gw Gateway, audit Auditor, catalog Catalog, refs *ReferenceGenerator, logger *zap.Logger) *Initiator {
	callTimeout := defaultCallTimeout
	if b, ok := gw.(budgeted); ok && b.Budget() > 0 {
		callTimeout = b.Budget()
	}
	return &Initiator{
		store:          store,
		gateway:        gw,
		audit:          audit,
		catalog:        catalog,
		refs:           refs,
		callTimeout:    callTimeout,
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
		logger:         logger,
	}
}

// Initiate validates the request, persists a pending transaction, then asks the gateway to
// prompt the payer. The pending record is committed before the gateway is contacted.
//
// Validation problems return a *ValidationError and nothing is stored. Gateway failures
// return a result carrying the reference code together with the gateway error; the
// transaction is then already failed.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "InitiatePayment")
	defer span.End()
	traceID := middleware.GetTraceID(ctx)

	tx, err := i.validate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := i.create(ctx, tx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.reference", tx.Reference))
	i.record(ctx, tx, models.AuditInitiated, nil)

	i.logger.Info("Payment initiated",
		zap.String("trace_id", traceID),
		zap.String("reference", tx.Reference),
		zap.String("user_id", tx.UserID),
		zap.String("amount", tx.Amount.String()),
	)

	// The push cannot be recalled once sent, so it is not tied to the caller's cancellation.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.callTimeout)
	defer cancel()

	result, err := i.gateway.PushPayment(callCtx, gateway.PushRequest{
		Phone:     tx.Phone,
		Amount:    tx.Amount,
		Reference: tx.Reference,
	})

	// The call may have used up callCtx; the outcome still has to be written.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), i.persistTimeout)
	defer cancelPersist()

	if err != nil {
		span.RecordError(err)
		return i.fail(persistCtx, tx, err)
	}

	patch := models.Metadata{
		models.MetaCheckoutRequestID: result.CheckoutRequestID,
		models.MetaMerchantRequestID: result.MerchantRequestID,
		models.MetaCustomerMessage:   result.CustomerMessage,
	}
	if err := i.store.MergeMetadata(persistCtx, tx.ID, patch); err != nil {
		i.logger.Error("Failed to store gateway correlation id",
			zap.String("trace_id", traceID),
			zap.String("reference", tx.Reference),
			zap.String("checkout_request_id", result.CheckoutRequestID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record gateway correlation id: %w", err)
	}
	for k, v := range patch {
		tx.Metadata[k] = v
	}
	i.record(persistCtx, tx, models.AuditGatewayAccepted, patch)
	middleware.RecordPaymentProcessed(string(models.TransactionStatusPending))

	i.logger.Info("Payment request accepted by gateway",
		zap.String("trace_id", traceID),
		zap.String("reference", tx.Reference),
		zap.String("checkout_request_id", result.CheckoutRequestID),
	)

	message := result.CustomerMessage
	if message == "" {
		message = MessageAccepted
	}
	return &InitiateResult{
		ReferenceCode: tx.Reference,
		Accepted:      true,
		Message:       message,
		Transaction:   tx,
	}, nil
}

func (i *Initiator) validate(ctx context.Context, req InitiateRequest) (*models.Transaction, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "is required"}
	}

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	if req.PackageID != "" {
		if _, err := i.catalog.Get(ctx, req.PackageID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ValidationError{Field: "packageId", Reason: "Invalid package ID"}
			}
			return nil, fmt.Errorf("failed to look up package: %w", err)
		}
	}

	return &models.Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		PackageID:     req.PackageID,
		Amount:        req.Amount,
		Phone:         phone,
		PaymentMethod: models.PaymentMethodMpesa,
		Status:        models.TransactionStatusPending,
		Metadata:      models.Metadata{models.MetaProvider: DetectProvider(phone)},
	}, nil
}

// create persists tx with a fresh reference, retrying on the rare reference collision.
func (i *Initiator) create(ctx context.Context, tx *models.Transaction) error {
	for attempt := 1; attempt <= maxReferenceAttempts; attempt++ {
		tx.Reference = i.refs.Next()
		err := i.store.Create(ctx, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			return fmt.Errorf("failed to create transaction: %w", err)
		}
	}
	return fmt.Errorf("failed to allocate a unique reference after %d attempts", maxReferenceAttempts)
}

func (i *Initiator) fail(ctx context.Context, tx *models.Transaction, cause error) (*InitiateResult, error) {
	patch := models.Metadata{
		models.MetaError:     describe(cause),
		models.MetaErrorKind: gateway.Kind(cause),
		models.MetaFailedAt:  i.now().UTC().Format(time.RFC3339),
	}
	var rejected *gateway.RejectedError
	if errors.As(cause, &rejected) {
		patch[models.MetaErrorCode] = rejected.Code
	}

	updated, err := i.store.Transition(ctx, tx.ID, models.TransactionStatusFailed, patch)
	switch {
	case err == nil:
		tx = updated
		middleware.RecordPaymentProcessed(string(models.TransactionStatusFailed))
	case errors.Is(err, store.ErrNotPending):
		i.logger.Warn("Transaction resolved before gateway failure was recorded",
			zap.String("reference", tx.Reference))
	default:
		i.logger.Error("Failed to mark transaction failed",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
	i.record(ctx, tx, models.AuditGatewayFailed, patch)

	i.logger.Warn("Payment request failed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("reference", tx.Reference),
		zap.String("kind", gateway.Kind(cause)),
		zap.Error(cause),
	)

	return &InitiateResult{
		ReferenceCode: tx.Reference,
		Accepted:      false,
		Message:       userMessage(cause),
		Transaction:   tx,
	}, cause
}

func (i *Initiator) record(ctx context.Context, tx *models.Transaction, event string, detail models.Metadata) {
	if i.audit == nil {
		return
	}
	entry := models.AuditEntry{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Event:         event,
		Status:        tx.Status,
		Detail:        detail,
	}
	if err := i.audit.Record(ctx, entry); err != nil {
		i.logger.Error("Failed to write audit entry",
			zap.String("reference", tx.Reference),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func describe(err error) string {
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Description
	}
	return err.Error()
}

func userMessage(err error) string {
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		return "Payment request was declined: " + rejected.Description
	}
	return MessageUnavailable
}
