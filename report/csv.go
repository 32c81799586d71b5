package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/shopspring/decimal"
)

var header = []string{
	"reference", "status", "amount", "phone", "package_id", "user_id",
	"receipt_number", "error", "created_at", "updated_at",
}

// WriteCSV writes one row per transaction, oldest first as given.
func WriteCSV(w io.Writer, txs []models.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, tx := range txs {
		row := []string{
			tx.Reference,
			string(tx.Status),
			tx.Amount.StringFixed(2),
			tx.Phone,
			tx.PackageID,
			tx.UserID,
			tx.Metadata.String(models.MetaReceiptNumber),
			tx.Metadata.String(models.MetaError),
			tx.CreatedAt.UTC().Format(time.RFC3339),
			tx.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write %s: %w", tx.Reference, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary counts transactions and their value per status.
type Summary struct {
	Count map[models.TransactionStatus]int
	Total map[models.TransactionStatus]decimal.Decimal
}

func Summarize(txs []models.Transaction) Summary {
	s := Summary{
		Count: map[models.TransactionStatus]int{},
		Total: map[models.TransactionStatus]decimal.Decimal{},
	}
	for _, tx := range txs {
		s.Count[tx.Status]++
		s.Total[tx.Status] = s.Total[tx.Status].Add(tx.Amount)
	}
	return s
}
