package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Moonlitwhisper254/datakibanda/models"
)

type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Record(ctx context.Context, entry models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_audit_log (transaction_id, reference, event, status, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.TransactionID, entry.Reference, entry.Event, entry.Status, entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}
