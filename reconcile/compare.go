package reconcile

import (
	"github.com/shopspring/decimal"
)

type LineComparison struct {
	Line       TaxLine         `json:"line"`
	Computed   decimal.Decimal `json:"computed"`
	Declared   decimal.Decimal `json:"declared"`
	Difference decimal.Decimal `json:"difference"`
	Match      bool            `json:"match"`
}

type Comparison struct {
	Lines        []LineComparison `json:"lines"`
	MatchedLines int              `json:"matched_lines"`
	TotalLines   int              `json:"total_lines"`
	FullyMatched bool             `json:"fully_matched"`
	// TotalDifference sums |difference| over lines outside tolerance.
	TotalDifference decimal.Decimal `json:"total_difference"`
	// GrossDifference sums |difference| over every line.
	GrossDifference decimal.Decimal `json:"gross_difference"`
	Tolerance       decimal.Decimal `json:"tolerance"`
}

// Compare diffs computed lines against a filed baseline. Lines absent from the
// baseline are declared as zero. Difference is computed minus declared.
func Compare(summary *VatSummary, baseline map[TaxLine]decimal.Decimal, tolerance decimal.Decimal) (*Comparison, error) {
	if summary == nil {
		return nil, Validationf("summary is required")
	}
	if tolerance.IsNegative() {
		return nil, Validationf("compare tolerance must be >= 0, got %s", tolerance.String())
	}
	for line := range baseline {
		if _, err := ParseTaxLine(string(line)); err != nil {
			return nil, err
		}
	}

	out := &Comparison{
		Lines:           make([]LineComparison, 0, len(AllTaxLines())),
		TotalDifference: decimal.Zero,
		GrossDifference: decimal.Zero,
		Tolerance:       tolerance,
	}
	for _, line := range AllTaxLines() {
		computed := summary.LineValue(line)
		declared, ok := baseline[line]
		if !ok {
			declared = decimal.Zero
		}
		diff := computed.Sub(declared)
		abs := diff.Abs()
		match := abs.LessThanOrEqual(tolerance)

		out.Lines = append(out.Lines, LineComparison{
			Line:       line,
			Computed:   computed,
			Declared:   declared,
			Difference: diff,
			Match:      match,
		})
		out.TotalLines++
		out.GrossDifference = out.GrossDifference.Add(abs)
		if match {
			out.MatchedLines++
		} else {
			out.TotalDifference = out.TotalDifference.Add(abs)
		}
	}
	out.FullyMatched = out.MatchedLines == out.TotalLines
	return out, nil
}

// ParseBaseline converts a declared-values payload keyed by line name.
func ParseBaseline(raw map[string]decimal.Decimal) (map[TaxLine]decimal.Decimal, error) {
	out := make(map[TaxLine]decimal.Decimal, len(raw))
	for k, v := range raw {
		line, err := ParseTaxLine(k)
		if err != nil {
			return nil, err
		}
		out[line] = v
	}
	return out, nil
}
