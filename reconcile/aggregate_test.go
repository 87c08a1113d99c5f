package reconcile

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_TaxLines(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "1000.005", "2024-01-01", withVatType(VatTypeVatable), withVat("120.0006")),
		txn(2, SourceTypeSalesRecord, "500", "2024-01-02", withVatType(VatTypeGovernment), withVat("60")),
		txn(3, SourceTypeSalesRecord, "200", "2024-01-03", withVatType(VatTypeZeroRated)),
		txn(4, SourceTypeSalesRecord, "50", "2024-01-04", withVatType(VatTypeExempt)),
		txn(5, SourceTypePurchaseRecord, "300", "2024-01-05", withVatType(VatTypeVatable), withCategory(CategoryGoods), withVat("36")),
		txn(6, SourceTypePurchaseRecord, "1000", "2024-01-06", withVatType(VatTypeVatable), withCategory(CategoryCapital), withVat("120")),
		txn(7, SourceTypePurchaseRecord, "100", "2024-01-07", withVatType(VatTypeVatable), withCategory(CategoryServices), withVat("12")),
		txn(8, SourceTypePurchaseRecord, "80", "2024-01-08", withVatType(VatTypeExempt), withCategory(CategoryGoods)),
		txn(9, SourceTypeBankStatement, "1500", "2024-01-09", withVatType(VatTypeExempt), withCategory(CategoryGoods)),
	}
	s, err := Aggregate(txns)
	require.NoError(t, err)

	assert.Equal(t, 9, s.TransactionCount)
	expect := map[TaxLine]string{
		TaxLineVatableSales:        "1000.01",
		TaxLineSalesToGovernment:   "500",
		TaxLineZeroRatedSales:      "200",
		TaxLineExemptSales:         "50",
		TaxLineTotalSales:          "1750.01",
		TaxLineOutputTax:           "120",
		TaxLineOutputTaxGovernment: "60",
		TaxLineTotalOutputTax:      "180",
		TaxLinePurchasesGoods:      "300",
		TaxLinePurchasesCapital:    "1000",
		TaxLinePurchasesServices:   "100",
		TaxLinePurchasesImports:    "0",
		TaxLinePurchasesExempt:     "80",
		TaxLineTotalPurchases:      "1480",
		TaxLineInputTaxGoods:       "36",
		TaxLineInputTaxCapital:     "120",
		TaxLineInputTaxServices:    "12",
		TaxLineTotalInputTax:       "168",
		TaxLineNetVatPayable:       "12",
	}
	for line, want := range expect {
		assert.Truef(t, s.LineValue(line).Equal(dec(want)), "%s: want %s got %s", line, want, s.LineValue(line))
	}
	// unrounded sums keep full precision
	assert.True(t, s.Lines[TaxLineVatableSales].Equal(dec("1000.005")))
	assert.True(t, s.Lines[TaxLineOutputTax].Equal(dec("120.0006")))
}

func TestAggregate_BucketsCoverEveryTransaction(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	sources := []SourceType{SourceTypeSalesRecord, SourceTypePurchaseRecord, SourceTypeBankStatement}
	for round := 0; round < 20; round++ {
		var txns []Transaction
		total := decimal.Zero
		n := r.Intn(60)
		for i := 0; i < n; i++ {
			amount := decimal.New(r.Int63n(10_000_000)-2_000_000, -3)
			tx := txn(i+1, sources[r.Intn(3)], "0", "2024-01-01",
				withVatType(AllVatTypes()[r.Intn(4)]), withCategory(AllCategories()[r.Intn(5)]))
			tx.Amount = amount
			tx.VatAmount = amount.Mul(dec("0.12"))
			txns = append(txns, tx)
			total = total.Add(amount)
		}
		s, err := Aggregate(txns)
		require.NoError(t, err)

		byVat, byCat, count := decimal.Zero, decimal.Zero, 0
		for _, b := range s.ByVatType {
			byVat = byVat.Add(b.Amount)
			count += b.Count
		}
		for _, b := range s.ByCategory {
			byCat = byCat.Add(b.Amount)
		}
		assert.True(t, byVat.Equal(total))
		assert.True(t, byCat.Equal(total))
		assert.True(t, s.TotalAmount.Equal(total))
		assert.Equal(t, n, count)
		assert.Equal(t, n, s.TransactionCount)
	}
}

func TestAggregate_RejectsOutOfDomainValues(t *testing.T) {
	bad := txn(1, SourceTypeSalesRecord, "10", "2024-01-01")
	bad.VatType = "reduced"
	_, err := Aggregate([]Transaction{bad})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestAggregate_ClassificationStats(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "1", "2024-01-01", withConfidence(0.95)),
		txn(2, SourceTypeSalesRecord, "1", "2024-01-01", withConfidence(0.7)),
		txn(3, SourceTypeSalesRecord, "1", "2024-01-01", withConfidence(0.2)),
	}
	txns[2].ClassificationSource = ClassificationSourceRule
	s, err := Aggregate(txns)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ClassificationStats.BySource[ClassificationSourceAI])
	assert.Equal(t, 1, s.ClassificationStats.BySource[ClassificationSourceRule])
	assert.Equal(t, 1, s.ClassificationStats.ByConfidence[ConfidenceBandHigh])
	assert.Equal(t, 1, s.ClassificationStats.ByConfidence[ConfidenceBandMedium])
	assert.Equal(t, 1, s.ClassificationStats.ByConfidence[ConfidenceBandLow])
	assert.InDelta(t, 0.6166, s.ClassificationStats.AverageConfidence, 1e-3)
}

func TestAggregate_Empty(t *testing.T) {
	s, err := Aggregate(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.TransactionCount)
	assert.True(t, s.LineValue(TaxLineNetVatPayable).IsZero())
	assert.Len(t, s.Rounded(), len(AllTaxLines()))
}
