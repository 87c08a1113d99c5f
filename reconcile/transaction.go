package reconcile

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the engine's view of one classified row. Relations to match groups
// and anomalies are by id only.
type Transaction struct {
	ID                   int                  `json:"id"`
	SourceType           SourceType           `json:"source_type"`
	SourceFileId         int                  `json:"source_file_id"`
	RowIndex             int                  `json:"row_index"`
	Date                 *time.Time           `json:"date"`
	Description          *string              `json:"description"`
	Amount               decimal.Decimal      `json:"amount"`
	VatAmount            decimal.Decimal      `json:"vat_amount"`
	VatType              VatType              `json:"vat_type"`
	Category             Category             `json:"category"`
	Tin                  *string              `json:"tin"`
	Confidence           float64              `json:"confidence"`
	ClassificationSource ClassificationSource `json:"classification_source"`
	MatchGroupId         *string              `json:"match_group_id"`
	MatchStatus          MatchStatus          `json:"match_status"`
}

// Validate enforces the closed enum domain; it does not look at match fields.
func (t Transaction) Validate() error {
	if !t.SourceType.IsValid() {
		return Validationf("transaction %d: invalid source type %q", t.ID, t.SourceType)
	}
	if !t.VatType.IsValid() {
		return Validationf("transaction %d: invalid vat type %q", t.ID, t.VatType)
	}
	if !t.Category.IsValid() {
		return Validationf("transaction %d: invalid category %q", t.ID, t.Category)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return Validationf("transaction %d: confidence %v out of range", t.ID, t.Confidence)
	}
	return nil
}

// BankEffect is the signed cash movement a ledger row is expected to produce
// (sales deposit money, purchases pay it out). Bank rows are already signed.
func (t Transaction) BankEffect() decimal.Decimal {
	if t.SourceType == SourceTypePurchaseRecord {
		return t.Amount.Neg()
	}
	return t.Amount
}

func (t Transaction) DescriptionText() string {
	if t.Description == nil {
		return ""
	}
	return strings.TrimSpace(*t.Description)
}

// NormalizeDescription trims, case-folds and collapses whitespace. Digits are
// kept, so "Invoice #1001" and "Invoice #1002" stay distinct.
func NormalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SameRecord reports whether two rows describe the same source record: same
// source type, date, amount and normalized description.
func SameRecord(a, b Transaction) bool {
	if a.SourceType != b.SourceType || !a.Amount.Equal(b.Amount) {
		return false
	}
	if (a.Date == nil) != (b.Date == nil) {
		return false
	}
	if a.Date != nil && !DateOf(*a.Date).Equal(DateOf(*b.Date)) {
		return false
	}
	return NormalizeDescription(a.DescriptionText()) == NormalizeDescription(b.DescriptionText())
}

func (t Transaction) TinText() string {
	if t.Tin == nil {
		return ""
	}
	return strings.TrimSpace(*t.Tin)
}

// rowLess orders rows by where they came from.
func rowLess(a, b Transaction) bool {
	if a.SourceFileId != b.SourceFileId {
		return a.SourceFileId < b.SourceFileId
	}
	if a.RowIndex != b.RowIndex {
		return a.RowIndex < b.RowIndex
	}
	return a.ID < b.ID
}

// SplitSides partitions a session's rows into ledger and bank pools.
func SplitSides(txns []Transaction) (ledger, bank []Transaction) {
	for _, t := range txns {
		if t.SourceType == SourceTypeBankStatement {
			bank = append(bank, t)
		} else {
			ledger = append(ledger, t)
		}
	}
	return ledger, bank
}
