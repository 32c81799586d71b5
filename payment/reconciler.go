package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome of one reconciliation. It is internal; the callback endpoint acknowledges
// the gateway the same way whatever the outcome.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeExpired         Outcome = "expired"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
	OutcomeMalformed       Outcome = "malformed"
	OutcomeError           Outcome = "error"
	// OutcomeDeferred leaves a stale transaction pending for a later expiry sweep.
	OutcomeDeferred Outcome = "deferred"
)

type ReconcileResult struct {
	Outcome   Outcome
	Reference string
	Err       error
}

type Reconciler struct {
	store    TransactionStore
	audit    Auditor
	notifier Notifier
	events   EventPublisher
	now      func() time.Time
	logger   *zap.Logger

	// Dispatch runs follow-up work (webhooks, events) after a transition is committed.
	Dispatch func(func())
}

func NewReconciler(store TransactionStore, audit Auditor, notifier Notifier, events EventPublisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		audit:    audit,
		notifier: notifier,
		events:   events,
		now:      time.Now,
		logger:   logger,
		Dispatch: func(f func()) { go f() },
	}
}

// Reconcile handles a raw callback body. It never returns an error: every problem is
// logged and reported in the result only.
func (r *Reconciler) Reconcile(ctx context.Context, payload []byte) ReconcileResult {
	ctx, span := otel.Tracer("payment").Start(ctx, "ReconcileCallback")
	defer span.End()

	cb, err := gateway.ParseCallback(payload)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("Ignoring malformed callback",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		middleware.RecordCallback(string(OutcomeMalformed))
		return ReconcileResult{Outcome: OutcomeMalformed, Err: err}
	}
	span.SetAttributes(
		attribute.String("gateway.checkout_request_id", cb.CheckoutRequestID),
		attribute.String("gateway.result_code", cb.ResultCode),
	)

	result := r.HandleCallback(ctx, cb)
	middleware.RecordCallback(string(result.Outcome))
	return result
}

// HandleCallback applies an already decoded callback.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *gateway.Callback) ReconcileResult {
	traceID := middleware.GetTraceID(ctx)

	tx, err := r.store.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("Callback for unknown transaction",
			zap.String("trace_id", traceID),
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.String("result_code", cb.ResultCode),
		)
		return ReconcileResult{Outcome: OutcomeNotFound, Err: ErrNotFound}
	}
	if err != nil {
		r.logger.Error("Failed to look up transaction for callback",
			zap.String("trace_id", traceID),
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.Error(err),
		)
		return ReconcileResult{Outcome: OutcomeError, Err: err}
	}

	patch := models.Metadata{
		models.MetaResultCode: cb.ResultCode,
		models.MetaResultDesc: cb.ResultDesc,
	}
	return r.Apply(ctx, tx, cb.Outcome, patch)
}

// Apply moves tx to the terminal state described by outcome. Extra metadata in patch is
// merged along with the transition. A transaction that is already terminal keeps its
// state; the new details are merged for the record and ErrAlreadyTerminal is reported.
func (r *Reconciler) Apply(ctx context.Context, tx *models.Transaction, outcome gateway.Outcome, patch models.Metadata) ReconcileResult {
	if patch == nil {
		patch = models.Metadata{}
	}
	now := r.now().UTC().Format(time.RFC3339)

	var (
		target models.TransactionStatus
		event  string
		audit  string
		result Outcome
	)
	switch o := outcome.(type) {
	case gateway.Succeeded:
		target, event, audit, result = models.TransactionStatusCompleted, models.EventPaymentCompleted, models.AuditCompleted, OutcomeCompleted
		if o.ReceiptNumber != "" {
			patch[models.MetaReceiptNumber] = o.ReceiptNumber
		}
		if !o.Amount.IsZero() {
			patch[models.MetaAmountPaid] = o.Amount.String()
			if !o.Amount.Equal(tx.Amount) {
				r.logger.Warn("Paid amount differs from requested amount",
					zap.String("reference", tx.Reference),
					zap.String("requested", tx.Amount.String()),
					zap.String("paid", o.Amount.String()),
				)
			}
		}
		if o.Phone != "" {
			patch[models.MetaPaidPhone] = o.Phone
		}
		if o.TransactionDate != "" {
			patch[models.MetaTransactionDate] = o.TransactionDate
		}
		patch[models.MetaCompletedAt] = now
	case gateway.Declined:
		target, event, audit, result = models.TransactionStatusFailed, models.EventPaymentFailed, models.AuditFailed, OutcomeFailed
		patch[models.MetaError] = o.Description
		patch[models.MetaErrorCode] = o.Code
		patch[models.MetaFailedAt] = now
	case expired:
		target, event, audit, result = models.TransactionStatusFailed, models.EventPaymentFailed, models.AuditExpired, OutcomeExpired
		patch[models.MetaError] = "expired"
		patch[models.MetaErrorKind] = "expired"
		patch[models.MetaExpiredAt] = now
		patch[models.MetaFailedAt] = now
	default:
		return ReconcileResult{Outcome: OutcomeError, Reference: tx.Reference, Err: errors.New("unknown outcome")}
	}

	if tx.Status.IsTerminal() {
		return r.late(ctx, tx, outcome, patch)
	}

	updated, err := r.store.Transition(ctx, tx.ID, target, patch)
	if errors.Is(err, store.ErrNotPending) {
		return r.late(ctx, tx, outcome, patch)
	}
	if err != nil {
		r.logger.Error("Failed to transition transaction",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("reference", tx.Reference),
			zap.String("target", string(target)),
			zap.Error(err),
		)
		return ReconcileResult{Outcome: OutcomeError, Reference: tx.Reference, Err: err}
	}

	middleware.RecordPaymentProcessed(string(target))
	r.record(ctx, updated, audit, patch)
	r.logger.Info("Transaction reconciled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("reference", updated.Reference),
		zap.String("status", string(updated.Status)),
	)

	r.followUp(ctx, updated, event)
	return ReconcileResult{Outcome: result, Reference: updated.Reference}
}

// late merges details for a transaction that has already been resolved. An expiry that
// lost the race leaves no trace.
func (r *Reconciler) late(ctx context.Context, tx *models.Transaction, outcome gateway.Outcome, patch models.Metadata) ReconcileResult {
	if _, ok := outcome.(expired); ok {
		return ReconcileResult{Outcome: OutcomeAlreadyTerminal, Reference: tx.Reference, Err: ErrAlreadyTerminal}
	}

	keep := models.Metadata{models.MetaLateCallback: true}
	if v, ok := patch[models.MetaResultCode]; ok {
		keep[models.MetaLateResultCode] = v
	}
	if v, ok := patch[models.MetaResultDesc]; ok {
		keep[models.MetaLateResultDesc] = v
	}
	for _, k := range []string{models.MetaReceiptNumber, models.MetaTransactionDate} {
		if _, has := tx.Metadata[k]; has {
			continue
		}
		if v, ok := patch[k]; ok {
			keep[k] = v
		}
	}
	if err := r.store.MergeMetadata(ctx, tx.ID, keep); err != nil {
		r.logger.Warn("Failed to merge late callback details",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
	r.logger.Info("Transaction already resolved; state unchanged",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("reference", tx.Reference),
		zap.String("status", string(tx.Status)),
	)
	return ReconcileResult{Outcome: OutcomeAlreadyTerminal, Reference: tx.Reference, Err: ErrAlreadyTerminal}
}

func (r *Reconciler) followUp(ctx context.Context, tx *models.Transaction, event string) {
	detached := context.WithoutCancel(ctx)
	r.Dispatch(func() {
		if r.notifier != nil {
			r.notifier.Notify(detached, event, models.PaymentWebhookData{
				TransactionID: tx.ID,
				Reference:     tx.Reference,
				Amount:        tx.Amount.StringFixed(2),
				Status:        tx.Status,
				PackageID:     tx.PackageID,
				UserID:        tx.UserID,
				CreatedAt:     tx.CreatedAt,
			})
		}
		if r.events != nil {
			err := r.events.PublishPaymentEvent(detached, models.PaymentEvent{
				TransactionID: tx.ID,
				Reference:     tx.Reference,
				UserID:        tx.UserID,
				PackageID:     tx.PackageID,
				Phone:         tx.Phone,
				Amount:        tx.Amount,
				Status:        tx.Status,
				EventType:     event,
				ReceiptNumber: tx.Metadata.String(models.MetaReceiptNumber),
				OccurredAt:    r.now().UTC(),
			})
			if err != nil {
				r.logger.Error("Failed to publish payment event",
					zap.String("reference", tx.Reference),
					zap.String("event_type", event),
					zap.Error(err),
				)
			}
		}
	})
}

func (r *Reconciler) record(ctx context.Context, tx *models.Transaction, event string, detail models.Metadata) {
	if r.audit == nil {
		return
	}
	err := r.audit.Record(ctx, models.AuditEntry{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Event:         event,
		Status:        tx.Status,
		Detail:        detail,
	})
	if err != nil {
		r.logger.Error("Failed to write audit entry",
			zap.String("reference", tx.Reference),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
