package reconcile

import (
	"sort"
)

// Rule is a learned rule as served to the classifier.
type Rule struct {
	ID                    int                  `json:"id"`
	RuleType              string               `json:"rule_type"`
	EntityType            CorrectionEntityType `json:"entity_type"`
	Criteria              MatchCriteria        `json:"match_criteria"`
	CorrectionField       string               `json:"correction_field"`
	CorrectionValue       string               `json:"correction_value"`
	Confidence            float64              `json:"confidence"`
	SourceCorrectionCount int                  `json:"source_correction_count"`
	IsActive              bool                 `json:"is_active"`
}

// Matches reports whether an active classification rule applies to the row.
func (r Rule) Matches(t Transaction) bool {
	return r.IsActive && r.EntityType == CorrectionEntityTransactionClassification && r.Criteria.Matches(t)
}

func ruleOutranks(a, b Rule) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.SourceCorrectionCount != b.SourceCorrectionCount {
		return a.SourceCorrectionCount > b.SourceCorrectionCount
	}
	return a.ID < b.ID
}

// ApplyRules overrides vat_type, category and tin from the best matching rule per
// field, but only where that rule is more confident than the current classification.
// User overrides are never touched. It returns the rules that changed the row.
func ApplyRules(t *Transaction, rules []Rule) []Rule {
	if t == nil || t.ClassificationSource == ClassificationSourceUserOverride {
		return nil
	}
	best := map[string]Rule{}
	for _, r := range rules {
		if !r.Matches(*t) {
			continue
		}
		if cur, ok := best[r.CorrectionField]; !ok || ruleOutranks(r, cur) {
			best[r.CorrectionField] = r
		}
	}

	fields := make([]string, 0, len(best))
	for f := range best {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	original := t.Confidence
	var applied []Rule
	confidence := original
	for _, f := range fields {
		r := best[f]
		if r.Confidence <= original {
			continue
		}
		switch f {
		case FieldVatType:
			v, err := ParseVatType(r.CorrectionValue)
			if err != nil || v == t.VatType {
				continue
			}
			t.VatType = v
		case FieldCategory:
			v, err := ParseCategory(r.CorrectionValue)
			if err != nil || v == t.Category {
				continue
			}
			t.Category = v
		case FieldTin:
			if r.CorrectionValue == "" || r.CorrectionValue == t.TinText() {
				continue
			}
			v := r.CorrectionValue
			t.Tin = &v
		default:
			continue
		}
		applied = append(applied, r)
		if r.Confidence > confidence {
			confidence = r.Confidence
		}
	}
	if len(applied) > 0 {
		t.ClassificationSource = ClassificationSourceRule
		t.Confidence = confidence
	}
	return applied
}

// ActiveRules filters a rule set down to what the classifier may consult.
func ActiveRules(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}
