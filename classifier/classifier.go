package classifier

import (
	"context"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/shopspring/decimal"
)

// RawRow is one schema-valid row from file ingestion, before classification.
type RawRow struct {
	SourceType  reconcile.SourceType `json:"source_type"`
	RowIndex    int                  `json:"row_index"`
	Date        *time.Time           `json:"date"`
	Description *string              `json:"description"`
	Amount      decimal.Decimal      `json:"amount"`
	VatAmount   *decimal.Decimal     `json:"vat_amount,omitempty"`
	Tin         *string              `json:"tin"`
}

type Classification struct {
	RowIndex   int                            `json:"row_index"`
	VatType    reconcile.VatType              `json:"vat_type"`
	Category   reconcile.Category             `json:"category"`
	Confidence float64                        `json:"confidence"`
	Source     reconcile.ClassificationSource `json:"classification_source"`
}

func (c Classification) valid() bool {
	return c.VatType.IsValid() && c.Category.IsValid() && c.Confidence >= 0 && c.Confidence <= 1
}

// Classifier returns one classification per row, in row order. Active rules are
// passed along so a remote model can consult them before its own prediction.
type Classifier interface {
	Classify(ctx context.Context, rows []RawRow, rules []reconcile.Rule) ([]Classification, error)
}
