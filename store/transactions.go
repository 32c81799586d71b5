package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/lib/pq"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrNotPending         = errors.New("transaction is no longer pending")
	ErrDuplicateReference = errors.New("reference already exists")
)

const uniqueViolation = "23505"

const transactionColumns = `id, reference, user_id, COALESCE(package_id, ''), amount, phone,
	payment_method, status, metadata, created_at, updated_at`

type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.Reference, &tx.UserID, &tx.PackageID, &tx.Amount, &tx.Phone,
		&tx.PaymentMethod, &tx.Status, &tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Create inserts a new transaction. A reference collision returns ErrDuplicateReference.
func (s *TransactionStore) Create(ctx context.Context, tx *models.Transaction) error {
	var packageID sql.NullString
	if tx.PackageID != "" {
		packageID = sql.NullString{String: tx.PackageID, Valid: true}
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO transactions (id, reference, user_id, package_id, amount, phone, payment_method, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`,
		tx.ID, tx.Reference, tx.UserID, packageID, tx.Amount, tx.Phone, tx.PaymentMethod, tx.Status, tx.Metadata,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference = $1", reference)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", reference, err)
	}
	return tx, nil
}

// GetByCheckoutRequestID finds the transaction whose metadata carries the gateway correlation id.
func (s *TransactionStore) GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE metadata->>'checkout_request_id' = $1", checkoutID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction for checkout %s: %w", checkoutID, err)
	}
	return tx, nil
}

// MergeMetadata adds keys to metadata without touching status.
func (s *TransactionStore) MergeMetadata(ctx context.Context, id string, patch models.Metadata) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET metadata = metadata || $1::jsonb, updated_at = NOW() WHERE id = $2",
		string(data), id)
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition moves a pending transaction to a terminal status and merges patch into its
// metadata in one statement. If the row is no longer pending nothing changes and
// ErrNotPending is returned.
func (s *TransactionStore) Transition(ctx context.Context, id string, to models.TransactionStatus, patch models.Metadata) (*models.Transaction, error) {
	if !models.TransactionStatusPending.CanTransitionTo(to) {
		return nil, fmt.Errorf("invalid target status %q", to)
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE transactions SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $3 AND status = 'pending' RETURNING `+transactionColumns,
		to, string(data), id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition transaction %s: %w", id, err)
	}
	return tx, nil
}

// ListStalePending returns up to limit pending transactions created before olderThan, oldest first.
func (s *TransactionStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListSince returns all transactions created at or after since, oldest first.
func (s *TransactionStore) ListSince(ctx context.Context, since time.Time) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE created_at >= $1 ORDER BY created_at",
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
