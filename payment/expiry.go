package payment

import (
	"context"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// expired resolves a transaction whose outcome never arrived.
type expired struct{}

func (expired) ResultCode() string { return "expired" }

// Gateway result codes that mean the payer has not finished yet.
var stillProcessing = map[string]bool{
	"":             true,
	"4999":         true,
	"500.001.1001": true,
}

type ExpiryConfig struct {
	PendingTimeout time.Duration
	// MaxPendingAge is how long a transaction may stay pending while the gateway gives
	// no definitive answer. Past it the transaction is failed as expired.
	MaxPendingAge  time.Duration
	Interval       time.Duration
	BatchSize      int
	Workers        int
}

// ExpiryWorker resolves transactions stuck in pending. Each stale transaction is checked
// with the gateway first. A definitive answer is applied; otherwise the transaction is
// left for a later sweep until it reaches MaxPendingAge, then failed as expired.
type ExpiryWorker struct {
	store      TransactionStore
	gateway    Gateway
	reconciler *Reconciler
	cfg        ExpiryConfig
	now        func() time.Time
	logger     *zap.Logger
}

func NewExpiryWorker(store TransactionStore, gw Gateway, reconciler *Reconciler, cfg ExpiryConfig, logger *zap.Logger) *ExpiryWorker {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 10 * time.Minute
	}
	if cfg.MaxPendingAge < cfg.PendingTimeout {
		cfg.MaxPendingAge = 6 * cfg.PendingTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &ExpiryWorker{
		store:      store,
		gateway:    gw,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// Start sweeps on every tick until ctx is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("Pending expiry worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("pending_timeout", w.cfg.PendingTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Pending expiry worker stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Pending expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep processes one batch of stale transactions and returns how many changed state.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.PendingTimeout)
	stale, err := w.store.ListStalePending(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	results := make([]ReconcileResult, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for i := range stale {
		i := i
		tx := &stale[i]
		g.Go(func() error {
			results[i] = w.resolve(gctx, tx)
			return nil
		})
	}
	_ = g.Wait()

	changed, deferred := 0, 0
	for _, r := range results {
		switch r.Outcome {
		case OutcomeCompleted, OutcomeFailed, OutcomeExpired:
			changed++
		case OutcomeDeferred:
			deferred++
		}
	}
	w.logger.Info("Pending expiry sweep finished",
		zap.Int("stale", len(stale)),
		zap.Int("resolved", changed),
		zap.Int("deferred", deferred),
	)
	return changed, nil
}

func (w *ExpiryWorker) resolve(ctx context.Context, tx *models.Transaction) ReconcileResult {
	checkoutID := tx.Metadata.String(models.MetaCheckoutRequestID)
	if checkoutID == "" || w.gateway == nil {
		return w.reconciler.Apply(ctx, tx, expired{}, nil)
	}

	res, err := w.gateway.QueryStatus(ctx, checkoutID)
	if err != nil {
		w.logger.Warn("Status query failed for stale transaction",
			zap.String("reference", tx.Reference),
			zap.String("checkout_request_id", checkoutID),
			zap.Error(err),
		)
		return w.undecided(ctx, tx, nil)
	}

	patch := models.Metadata{
		models.MetaResultCode: res.ResultCode,
		models.MetaResultDesc: res.ResultDesc,
	}
	switch {
	case res.ResultCode == gateway.ResultCodeSuccess:
		return w.reconciler.Apply(ctx, tx, gateway.Succeeded{}, patch)
	case stillProcessing[res.ResultCode]:
		return w.undecided(ctx, tx, patch)
	default:
		return w.reconciler.Apply(ctx, tx, gateway.Declined{Code: res.ResultCode, Description: res.ResultDesc}, patch)
	}
}

// undecided handles a stale transaction the gateway could not settle. The payer may still
// have paid, so it stays pending until MaxPendingAge.
func (w *ExpiryWorker) undecided(ctx context.Context, tx *models.Transaction, patch models.Metadata) ReconcileResult {
	if w.now().Sub(tx.CreatedAt) >= w.cfg.MaxPendingAge {
		return w.reconciler.Apply(ctx, tx, expired{}, patch)
	}
	return ReconcileResult{Outcome: OutcomeDeferred, Reference: tx.Reference}
}
