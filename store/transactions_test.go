package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var transactionRowColumns = []string{"id", "reference", "user_id", "package_id", "amount", "phone",
	"payment_method", "status", "metadata", "created_at", "updated_at"}

func setupTransactionStoreTest(t *testing.T) (*TransactionStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	return NewTransactionStore(db), mock, db
}

func transactionRow(status models.TransactionStatus, metadata string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(transactionRowColumns).
		AddRow("5f0c6a0e-1111-4c3b-9d55-0d3c8f1e2a10", "DS20250101120000123", "user-1", "daily-premium",
			"99.00", "254712345678", "mpesa", string(status), []byte(metadata), now, now)
}

func TestTransactionStore_Create_Success(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs("tx-1", "DS20250101120000123", "user-1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"254712345678", "mpesa", models.TransactionStatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	tx := &models.Transaction{
		ID:            "tx-1",
		Reference:     "DS20250101120000123",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(99),
		Phone:         "254712345678",
		PaymentMethod: models.PaymentMethodMpesa,
		Status:        models.TransactionStatusPending,
		Metadata:      models.Metadata{},
	}

	if err := s.Create(context.Background(), tx); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !tx.CreatedAt.Equal(now) {
		t.Errorf("Expected created_at to be populated")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestTransactionStore_Create_DuplicateReference(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.Create(context.Background(), &models.Transaction{ID: "tx-1", Reference: "DS1"})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("Expected ErrDuplicateReference, got %v", err)
	}
}

func TestTransactionStore_GetByReference(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("FROM transactions WHERE reference = \\$1").
		WithArgs("DS20250101120000123").
		WillReturnRows(transactionRow(models.TransactionStatusPending, `{"checkout_request_id":"ws_CO_1"}`))

	tx, err := s.GetByReference(context.Background(), "DS20250101120000123")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.Status != models.TransactionStatusPending {
		t.Errorf("Expected status pending, got %s", tx.Status)
	}
	if !tx.Amount.Equal(decimal.NewFromInt(99)) {
		t.Errorf("Expected amount 99, got %s", tx.Amount)
	}
	if tx.Metadata.String(models.MetaCheckoutRequestID) != "ws_CO_1" {
		t.Errorf("Expected checkout id in metadata, got %v", tx.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestTransactionStore_GetByReference_NotFound(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("FROM transactions WHERE reference = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetByReference(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTransactionStore_GetByCheckoutRequestID(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("WHERE metadata->>'checkout_request_id' = \\$1").
		WithArgs("ws_CO_1").
		WillReturnRows(transactionRow(models.TransactionStatusPending, `{"checkout_request_id":"ws_CO_1"}`))

	tx, err := s.GetByCheckoutRequestID(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("GetByCheckoutRequestID returned error: %v", err)
	}
	if tx.Reference != "DS20250101120000123" {
		t.Errorf("Expected reference DS20250101120000123, got %s", tx.Reference)
	}
}

func TestTransactionStore_Transition_Applied(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("UPDATE transactions SET status = \\$1").
		WithArgs(models.TransactionStatusCompleted, `{"receipt_number":"QK123"}`, "tx-1").
		WillReturnRows(transactionRow(models.TransactionStatusCompleted, `{"receipt_number":"QK123"}`))

	tx, err := s.Transition(context.Background(), "tx-1", models.TransactionStatusCompleted,
		models.Metadata{models.MetaReceiptNumber: "QK123"})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if tx.Status != models.TransactionStatusCompleted {
		t.Errorf("Expected status completed, got %s", tx.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestTransactionStore_Transition_NotPending(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectQuery("UPDATE transactions SET status = \\$1").
		WillReturnRows(sqlmock.NewRows(transactionRowColumns))

	_, err := s.Transition(context.Background(), "tx-1", models.TransactionStatusFailed, models.Metadata{})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("Expected ErrNotPending, got %v", err)
	}
}

func TestTransactionStore_Transition_RejectsNonTerminalTarget(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	if _, err := s.Transition(context.Background(), "tx-1", models.TransactionStatusPending, nil); err == nil {
		t.Error("Expected error for pending target")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database calls were made: %v", err)
	}
}

func TestTransactionStore_MergeMetadata(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	mock.ExpectExec("UPDATE transactions SET metadata = metadata").
		WithArgs(`{"late_callback":true}`, "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET metadata = metadata").
		WithArgs(`{"late_callback":true}`, "tx-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MergeMetadata(context.Background(), "tx-1", models.Metadata{models.MetaLateCallback: true}); err != nil {
		t.Errorf("MergeMetadata returned error: %v", err)
	}
	if err := s.MergeMetadata(context.Background(), "tx-2", models.Metadata{models.MetaLateCallback: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTransactionStore_ListStalePending(t *testing.T) {
	s, mock, db := setupTransactionStoreTest(t)
	defer db.Close()

	cutoff := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery("WHERE status = 'pending' AND created_at < \\$1").
		WithArgs(cutoff, 50).
		WillReturnRows(transactionRow(models.TransactionStatusPending, `{}`))

	txs, err := s.ListStalePending(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("ListStalePending returned error: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txs))
	}
}
