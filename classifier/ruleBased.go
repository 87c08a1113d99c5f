package classifier

import (
	"context"
	"strings"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
)

// MaxFallbackConfidence bounds every rule-based classification.
const MaxFallbackConfidence = 0.5

var governmentKeywords = []string{"government", "dpwh", "deped", "bureau of", "department of", "city of", "municipality", "province of", "lgu", "barangay"}

var zeroRatedKeywords = []string{"export", "peza", "boi registered", "international shipping"}

var exemptKeywords = []string{"exempt", "fresh produce", "rice", "vegetables", "fish", "tuition", "medical", "hospital"}

var capitalKeywords = []string{"equipment", "machinery", "vehicle", "truck", "computer", "laptop", "furniture", "building"}

var importKeywords = []string{"import", "customs", "boc", "brokerage"}

var serviceKeywords = []string{"service", "consult", "professional fee", "rent", "lease", "electric", "meralco", "water", "telecom", "internet", "globe", "pldt", "repair", "maintenance", "subscription", "fee"}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// RuleBased is the keyword heuristic used when the model is unavailable.
type RuleBased struct{}

func (RuleBased) Classify(_ context.Context, rows []RawRow, _ []reconcile.Rule) ([]Classification, error) {
	out := make([]Classification, len(rows))
	for i, r := range rows {
		out[i] = classifyRow(r)
	}
	return out, nil
}

func classifyRow(r RawRow) Classification {
	desc := ""
	if r.Description != nil {
		desc = strings.ToLower(*r.Description)
	}
	c := Classification{
		RowIndex:   r.RowIndex,
		VatType:    reconcile.VatTypeVatable,
		Category:   reconcile.CategoryGoods,
		Confidence: 0.30,
		Source:     reconcile.ClassificationSourceRule,
	}

	switch r.SourceType {
	case reconcile.SourceTypeSalesRecord:
		c.Category = reconcile.CategorySale
		switch {
		case containsAny(desc, governmentKeywords):
			c.VatType, c.Confidence = reconcile.VatTypeGovernment, 0.45
		case containsAny(desc, zeroRatedKeywords):
			c.VatType, c.Confidence = reconcile.VatTypeZeroRated, 0.45
		case containsAny(desc, exemptKeywords):
			c.VatType, c.Confidence = reconcile.VatTypeExempt, 0.40
		case r.VatAmount != nil && r.VatAmount.IsZero():
			c.VatType, c.Confidence = reconcile.VatTypeExempt, 0.35
		default:
			c.Confidence = 0.40
		}

	case reconcile.SourceTypePurchaseRecord:
		switch {
		case containsAny(desc, importKeywords):
			c.Category, c.Confidence = reconcile.CategoryImports, 0.45
		case containsAny(desc, capitalKeywords):
			c.Category, c.Confidence = reconcile.CategoryCapital, 0.45
		case containsAny(desc, serviceKeywords):
			c.Category, c.Confidence = reconcile.CategoryServices, 0.45
		}
		if containsAny(desc, exemptKeywords) || (r.VatAmount != nil && r.VatAmount.IsZero()) {
			c.VatType = reconcile.VatTypeExempt
			c.Confidence = minFloat(c.Confidence, 0.40)
		}

	case reconcile.SourceTypeBankStatement:
		c.VatType = reconcile.VatTypeExempt
		if r.Amount.IsPositive() {
			c.Category = reconcile.CategorySale
		}
		c.Confidence = 0.50
	}

	c.Confidence = minFloat(c.Confidence, MaxFallbackConfidence)
	return c
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
