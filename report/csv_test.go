package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/shopspring/decimal"
)

func sampleTransactions() []models.Transaction {
	created := time.Date(2025, 3, 5, 0, 30, 15, 0, time.UTC)
	return []models.Transaction{
		{
			Reference: "DS1", Status: models.TransactionStatusCompleted, Amount: decimal.NewFromInt(99),
			Phone: "254712345678", PackageID: "daily-premium", UserID: "user-1",
			Metadata:  models.Metadata{models.MetaReceiptNumber: "NLJ7RT61SV"},
			CreatedAt: created, UpdatedAt: created.Add(time.Minute),
		},
		{
			Reference: "DS2", Status: models.TransactionStatusFailed, Amount: decimal.RequireFromString("20.5"),
			Phone: "254112345678", UserID: "user-2",
			Metadata:  models.Metadata{models.MetaError: "Request cancelled by user"},
			CreatedAt: created, UpdatedAt: created,
		},
		{
			Reference: "DS3", Status: models.TransactionStatusCompleted, Amount: decimal.NewFromInt(10),
			UserID: "user-1", Metadata: models.Metadata{}, CreatedAt: created, UpdatedAt: created,
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTransactions()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read CSV back: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected header plus 3 rows, got %d", len(records))
	}
	if records[0][0] != "reference" {
		t.Errorf("Unexpected header %v", records[0])
	}
	if records[1][2] != "99.00" || records[1][6] != "NLJ7RT61SV" || records[1][9] != "2025-03-05T00:31:15Z" {
		t.Errorf("Unexpected first row %v", records[1])
	}
	if records[2][2] != "20.50" || records[2][7] != "Request cancelled by user" {
		t.Errorf("Unexpected second row %v", records[2])
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleTransactions())

	if s.Count[models.TransactionStatusCompleted] != 2 || s.Count[models.TransactionStatusFailed] != 1 {
		t.Errorf("Unexpected counts %v", s.Count)
	}
	if got := s.Total[models.TransactionStatusCompleted].StringFixed(2); got != "109.00" {
		t.Errorf("Expected 109.00 completed, got %s", got)
	}
}
