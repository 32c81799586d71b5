package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/store"
)

const (
	MessageCompleted = "Payment completed successfully"
	MessagePending   = "Payment is still being processed"
	MessageFailed    = "Payment failed"
	MessageNotFound  = "Transaction not found"
)

type StatusResult struct {
	Found     bool
	State     models.TransactionStatus
	Message   string
	Reference string
}

// StatusService answers status queries with a plain read; safe to call at any rate.
type StatusService struct {
	store TransactionStore
}

func NewStatusService(store TransactionStore) *StatusService {
	return &StatusService{store: store}
}

// Status never reports an unknown reference as an error; it returns Found=false.
func (s *StatusService) Status(ctx context.Context, reference string) (*StatusResult, error) {
	if reference == "" {
		return &StatusResult{Found: false, Message: MessageNotFound}, nil
	}

	tx, err := s.store.GetByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return &StatusResult{Found: false, Message: MessageNotFound, Reference: reference}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}

	return &StatusResult{
		Found:     true,
		State:     tx.Status,
		Message:   StatusMessage(tx),
		Reference: tx.Reference,
	}, nil
}

func StatusMessage(tx *models.Transaction) string {
	switch tx.Status {
	case models.TransactionStatusCompleted:
		return MessageCompleted
	case models.TransactionStatusFailed:
		if reason := tx.Metadata.String(models.MetaError); reason != "" {
			return MessageFailed + ": " + reason
		}
		return MessageFailed
	default:
		return MessagePending
	}
}
