package reconcile

import (
	"github.com/shopspring/decimal"
)

type TaxLine string

const (
	TaxLineVatableSales        TaxLine = "vatable_sales"
	TaxLineSalesToGovernment   TaxLine = "sales_to_government"
	TaxLineZeroRatedSales      TaxLine = "zero_rated_sales"
	TaxLineExemptSales         TaxLine = "exempt_sales"
	TaxLineTotalSales          TaxLine = "total_sales"
	TaxLineOutputTax           TaxLine = "output_tax"
	TaxLineOutputTaxGovernment TaxLine = "output_tax_government"
	TaxLineTotalOutputTax      TaxLine = "total_output_tax"
	TaxLinePurchasesCapital    TaxLine = "purchases_capital"
	TaxLinePurchasesGoods      TaxLine = "purchases_goods"
	TaxLinePurchasesServices   TaxLine = "purchases_services"
	TaxLinePurchasesImports    TaxLine = "purchases_imports"
	TaxLinePurchasesExempt     TaxLine = "purchases_exempt"
	TaxLinePurchasesZeroRated  TaxLine = "purchases_zero_rated"
	TaxLineTotalPurchases      TaxLine = "total_purchases"
	TaxLineInputTaxCapital     TaxLine = "input_tax_capital"
	TaxLineInputTaxGoods       TaxLine = "input_tax_goods"
	TaxLineInputTaxServices    TaxLine = "input_tax_services"
	TaxLineInputTaxImports     TaxLine = "input_tax_imports"
	TaxLineTotalInputTax       TaxLine = "total_input_tax"
	TaxLineNetVatPayable       TaxLine = "net_vat_payable"
)

// AllTaxLines is the fixed line set in filing order.
func AllTaxLines() []TaxLine {
	return []TaxLine{
		TaxLineVatableSales,
		TaxLineSalesToGovernment,
		TaxLineZeroRatedSales,
		TaxLineExemptSales,
		TaxLineTotalSales,
		TaxLineOutputTax,
		TaxLineOutputTaxGovernment,
		TaxLineTotalOutputTax,
		TaxLinePurchasesCapital,
		TaxLinePurchasesGoods,
		TaxLinePurchasesServices,
		TaxLinePurchasesImports,
		TaxLinePurchasesExempt,
		TaxLinePurchasesZeroRated,
		TaxLineTotalPurchases,
		TaxLineInputTaxCapital,
		TaxLineInputTaxGoods,
		TaxLineInputTaxServices,
		TaxLineInputTaxImports,
		TaxLineTotalInputTax,
		TaxLineNetVatPayable,
	}
}

func ParseTaxLine(s string) (TaxLine, error) {
	for _, l := range AllTaxLines() {
		if string(l) == s {
			return l, nil
		}
	}
	return "", Validationf("unknown tax line %q", s)
}

// PresentationPlaces is the only rounding applied to aggregated values.
const PresentationPlaces int32 = 2

type Bucket struct {
	Count     int             `json:"count"`
	Amount    decimal.Decimal `json:"amount"`
	VatAmount decimal.Decimal `json:"vat_amount"`
}

func (b Bucket) add(t Transaction) Bucket {
	return Bucket{Count: b.Count + 1, Amount: b.Amount.Add(t.Amount), VatAmount: b.VatAmount.Add(t.VatAmount)}
}

type ConfidenceBand string

const (
	ConfidenceBandHigh   ConfidenceBand = "high"
	ConfidenceBandMedium ConfidenceBand = "medium"
	ConfidenceBandLow    ConfidenceBand = "low"
)

func ConfidenceBandOf(c float64) ConfidenceBand {
	switch {
	case c >= 0.85:
		return ConfidenceBandHigh
	case c >= 0.6:
		return ConfidenceBandMedium
	default:
		return ConfidenceBandLow
	}
}

type ClassificationStats struct {
	BySource          map[ClassificationSource]int `json:"by_source"`
	ByConfidence      map[ConfidenceBand]int       `json:"by_confidence"`
	AverageConfidence float64                      `json:"average_confidence"`
}

// VatSummary holds unrounded sums. Use Rounded or LineValue for presentation.
type VatSummary struct {
	TransactionCount    int                         `json:"transaction_count"`
	TotalAmount         decimal.Decimal             `json:"total_amount"`
	TotalVatAmount      decimal.Decimal             `json:"total_vat_amount"`
	ByVatType           map[VatType]Bucket          `json:"by_vat_type"`
	ByCategory          map[Category]Bucket         `json:"by_category"`
	BySourceType        map[SourceType]Bucket       `json:"by_source_type"`
	Lines               map[TaxLine]decimal.Decimal `json:"lines"`
	ClassificationStats ClassificationStats         `json:"classification_stats"`
}

func newVatSummary() *VatSummary {
	s := &VatSummary{
		ByVatType:    map[VatType]Bucket{},
		ByCategory:   map[Category]Bucket{},
		BySourceType: map[SourceType]Bucket{},
		Lines:        map[TaxLine]decimal.Decimal{},
		ClassificationStats: ClassificationStats{
			BySource:     map[ClassificationSource]int{},
			ByConfidence: map[ConfidenceBand]int{},
		},
	}
	for _, v := range AllVatTypes() {
		s.ByVatType[v] = Bucket{}
	}
	for _, c := range AllCategories() {
		s.ByCategory[c] = Bucket{}
	}
	for _, src := range AllClassificationSources() {
		s.ClassificationStats.BySource[src] = 0
	}
	for _, l := range AllTaxLines() {
		s.Lines[l] = decimal.Zero
	}
	return s
}

// LineValue returns a line rounded for presentation.
func (s VatSummary) LineValue(line TaxLine) decimal.Decimal {
	return s.Lines[line].Round(PresentationPlaces)
}

func (s VatSummary) Rounded() map[TaxLine]decimal.Decimal {
	out := make(map[TaxLine]decimal.Decimal, len(s.Lines))
	for _, l := range AllTaxLines() {
		out[l] = s.LineValue(l)
	}
	return out
}

// Aggregate totals a session's classified rows. Every row lands in exactly one
// vat_type, category and source_type bucket; an out-of-domain value is an error.
// Bank rows feed the buckets but no tax line.
func Aggregate(txns []Transaction) (*VatSummary, error) {
	s := newVatSummary()
	var confidenceSum float64

	for _, t := range txns {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		s.TransactionCount++
		s.TotalAmount = s.TotalAmount.Add(t.Amount)
		s.TotalVatAmount = s.TotalVatAmount.Add(t.VatAmount)
		s.ByVatType[t.VatType] = s.ByVatType[t.VatType].add(t)
		s.ByCategory[t.Category] = s.ByCategory[t.Category].add(t)
		s.BySourceType[t.SourceType] = s.BySourceType[t.SourceType].add(t)

		s.ClassificationStats.BySource[t.ClassificationSource]++
		s.ClassificationStats.ByConfidence[ConfidenceBandOf(t.Confidence)]++
		confidenceSum += t.Confidence

		switch t.SourceType {
		case SourceTypeSalesRecord:
			s.addSale(t)
		case SourceTypePurchaseRecord:
			s.addPurchase(t)
		case SourceTypeBankStatement:
		}
	}

	s.Lines[TaxLineTotalOutputTax] = s.Lines[TaxLineOutputTax].Add(s.Lines[TaxLineOutputTaxGovernment])
	s.Lines[TaxLineTotalInputTax] = sumLines(s.Lines,
		TaxLineInputTaxCapital, TaxLineInputTaxGoods, TaxLineInputTaxServices, TaxLineInputTaxImports)
	s.Lines[TaxLineNetVatPayable] = s.Lines[TaxLineTotalOutputTax].Sub(s.Lines[TaxLineTotalInputTax])

	if s.TransactionCount > 0 {
		s.ClassificationStats.AverageConfidence = confidenceSum / float64(s.TransactionCount)
	}
	return s, nil
}

func (s *VatSummary) addLine(line TaxLine, v decimal.Decimal) {
	s.Lines[line] = s.Lines[line].Add(v)
}

func (s *VatSummary) addSale(t Transaction) {
	s.addLine(TaxLineTotalSales, t.Amount)
	switch t.VatType {
	case VatTypeVatable:
		s.addLine(TaxLineVatableSales, t.Amount)
		s.addLine(TaxLineOutputTax, t.VatAmount)
	case VatTypeGovernment:
		s.addLine(TaxLineSalesToGovernment, t.Amount)
		s.addLine(TaxLineOutputTaxGovernment, t.VatAmount)
	case VatTypeZeroRated:
		s.addLine(TaxLineZeroRatedSales, t.Amount)
	case VatTypeExempt:
		s.addLine(TaxLineExemptSales, t.Amount)
	}
}

func (s *VatSummary) addPurchase(t Transaction) {
	s.addLine(TaxLineTotalPurchases, t.Amount)
	switch t.VatType {
	case VatTypeExempt:
		s.addLine(TaxLinePurchasesExempt, t.Amount)
		return
	case VatTypeZeroRated:
		s.addLine(TaxLinePurchasesZeroRated, t.Amount)
		return
	case VatTypeVatable, VatTypeGovernment:
	}

	var amountLine, taxLine TaxLine
	switch t.Category {
	case CategoryCapital:
		amountLine, taxLine = TaxLinePurchasesCapital, TaxLineInputTaxCapital
	case CategoryServices:
		amountLine, taxLine = TaxLinePurchasesServices, TaxLineInputTaxServices
	case CategoryImports:
		amountLine, taxLine = TaxLinePurchasesImports, TaxLineInputTaxImports
	case CategoryGoods, CategorySale:
		// a purchase tagged "sale" is treated as a domestic goods purchase
		amountLine, taxLine = TaxLinePurchasesGoods, TaxLineInputTaxGoods
	}
	s.addLine(amountLine, t.Amount)
	s.addLine(taxLine, t.VatAmount)
}

func sumLines(lines map[TaxLine]decimal.Decimal, names ...TaxLine) decimal.Decimal {
	total := decimal.Zero
	for _, n := range names {
		total = total.Add(lines[n])
	}
	return total
}
