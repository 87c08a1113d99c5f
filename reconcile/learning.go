package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	FieldVatType  = "vat_type"
	FieldCategory = "category"
	FieldTin      = "tin"
	FieldAtcCode  = "atc_code"
	FieldEwtRate  = "ewt_rate"
)

// ValidateCorrectionField checks field_name against the entity type's closed field set.
func ValidateCorrectionField(entity CorrectionEntityType, field string) error {
	switch entity {
	case CorrectionEntityTransactionClassification:
		switch field {
		case FieldVatType, FieldCategory, FieldTin:
			return nil
		}
	case CorrectionEntityReportField:
		if _, err := ParseTaxLine(field); err == nil {
			return nil
		}
	case CorrectionEntityEwtClassification:
		switch field {
		case FieldAtcCode, FieldEwtRate:
			return nil
		}
	default:
		return Validationf("invalid correction entity type %q", entity)
	}
	return Validationf("invalid field %q for %s", field, entity)
}

// ValidateCorrectionValue checks that new_value is a legal value for the field.
func ValidateCorrectionValue(field, value string) error {
	switch field {
	case FieldVatType:
		_, err := ParseVatType(value)
		return err
	case FieldCategory:
		_, err := ParseCategory(value)
		return err
	case FieldTin:
		if NormalizeTin(value) == "" {
			return Validationf("tin %q has no digits", value)
		}
		return nil
	case FieldEwtRate:
		if _, err := decimal.NewFromString(value); err != nil {
			return Validationf("ewt rate %q is not a number", value)
		}
		return nil
	default:
		if _, err := ParseTaxLine(field); err == nil {
			if _, err := decimal.NewFromString(value); err != nil {
				return Validationf("%s value %q is not a number", field, value)
			}
		}
		return nil
	}
}

type CorrectionInput struct {
	EntityType  CorrectionEntityType `json:"entity_type"`
	EntityId    int                  `json:"entity_id"`
	FieldName   string               `json:"field_name"`
	OldValue    *string              `json:"old_value"`
	NewValue    string               `json:"new_value"`
	Reason      *string              `json:"reason"`
	ContextData map[string]any       `json:"context_data"`
	User        string               `json:"user"`
}

func (c CorrectionInput) Validate() error {
	if err := ValidateCorrectionField(c.EntityType, c.FieldName); err != nil {
		return err
	}
	if strings.TrimSpace(c.NewValue) == "" {
		if c.IsTinClear() {
			return nil
		}
		return Validationf("new value is required")
	}
	return ValidateCorrectionValue(c.FieldName, strings.TrimSpace(c.NewValue))
}

// IsTinClear reports a correction that removes a previously set TIN. It is
// recorded for audit but never yields a rule.
func (c CorrectionInput) IsTinClear() bool {
	return c.FieldName == FieldTin && strings.TrimSpace(c.NewValue) == "" &&
		c.OldValue != nil && strings.TrimSpace(*c.OldValue) != ""
}

// CorrectionRecord is a stored correction as read back by the learner.
type CorrectionRecord struct {
	ID int `json:"id"`
	CorrectionInput
	CreatedAt time.Time `json:"created_at"`
}

// MatchCriteria is the predicate a learned rule applies to future rows.
type MatchCriteria struct {
	SourceType     SourceType `json:"source_type,omitempty"`
	Tin            string     `json:"tin,omitempty"`
	DescriptionKey string     `json:"description_key,omitempty"`
	Pattern        string     `json:"pattern,omitempty"`
}

func (m MatchCriteria) IsEmpty() bool {
	return m.Tin == "" && m.DescriptionKey == "" && m.Pattern == ""
}

// Hash is stable across processes and is what rule uniqueness is keyed on.
func (m MatchCriteria) Hash() string {
	canonical := strings.Join([]string{
		"st=" + string(m.SourceType),
		"tin=" + m.Tin,
		"desc=" + m.DescriptionKey,
		"pat=" + m.Pattern,
	}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (m MatchCriteria) Matches(t Transaction) bool {
	if m.IsEmpty() {
		return false
	}
	if m.SourceType != "" && m.SourceType != t.SourceType {
		return false
	}
	if m.Tin != "" && m.Tin != NormalizeTin(t.TinText()) {
		return false
	}
	if m.DescriptionKey != "" && m.DescriptionKey != DescriptionKey(t.DescriptionText()) {
		return false
	}
	return m.Pattern == ""
}

// DescriptionKey lowercases, drops punctuation and purely numeric tokens
// (invoice numbers, dates) so recurring counterparts collapse to one key.
// It is deliberately broad and only used for rule criteria; duplicate
// detection compares NormalizeDescription instead.
func DescriptionKey(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if strings.IndexFunc(f, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

func NormalizeTin(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func contextString(ctx map[string]any, key string) string {
	if ctx == nil {
		return ""
	}
	v, ok := ctx[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// CriteriaFor extracts the input pattern a correction teaches. Classification
// corrections key on (source_type, tin) when a TIN is known, otherwise on the
// normalized description. Other entity types key on context "pattern" or old_value.
func CriteriaFor(c CorrectionRecord) (MatchCriteria, bool) {
	switch c.EntityType {
	case CorrectionEntityTransactionClassification:
		st, err := ParseSourceType(contextString(c.ContextData, "source_type"))
		if err != nil {
			return MatchCriteria{}, false
		}
		if tin := NormalizeTin(contextString(c.ContextData, "tin")); tin != "" && c.FieldName != FieldTin {
			return MatchCriteria{SourceType: st, Tin: tin}, true
		}
		if desc := DescriptionKey(contextString(c.ContextData, "description")); desc != "" {
			return MatchCriteria{SourceType: st, DescriptionKey: desc}, true
		}
		return MatchCriteria{}, false
	case CorrectionEntityReportField, CorrectionEntityEwtClassification:
		pattern := contextString(c.ContextData, "pattern")
		if pattern == "" && c.OldValue != nil {
			pattern = strings.TrimSpace(*c.OldValue)
		}
		pattern = strings.ToLower(pattern)
		if pattern == "" {
			return MatchCriteria{}, false
		}
		return MatchCriteria{Pattern: pattern}, true
	default:
		return MatchCriteria{}, false
	}
}

func RuleTypeFor(entity CorrectionEntityType) string {
	switch entity {
	case CorrectionEntityTransactionClassification:
		return "classification_override"
	case CorrectionEntityReportField:
		return "report_field_adjustment"
	case CorrectionEntityEwtClassification:
		return "ewt_override"
	default:
		return string(entity)
	}
}

// RuleKey identifies one rule; concurrent analyses serialize on it.
type RuleKey struct {
	EntityType   CorrectionEntityType
	FieldName    string
	CriteriaHash string
}

func (k RuleKey) String() string {
	return string(k.EntityType) + "|" + k.FieldName + "|" + k.CriteriaHash
}

type LearningOptions struct {
	MinCorrections int
	ConfidenceCap  float64
}

func DefaultLearningOptions() LearningOptions {
	return LearningOptions{MinCorrections: 3, ConfidenceCap: 0.95}
}

func (o LearningOptions) Validate() error {
	if o.MinCorrections < 1 {
		return Validationf("minimum corrections must be >= 1, got %d", o.MinCorrections)
	}
	if o.ConfidenceCap <= 0 || o.ConfidenceCap > 1 {
		return Validationf("confidence cap must be within (0,1], got %v", o.ConfidenceCap)
	}
	return nil
}

// RuleConfidence saturates toward 1 with corroboration: n/(n+1), capped.
func RuleConfidence(count int, cap float64) float64 {
	if count <= 0 {
		return 0
	}
	c := float64(count) / float64(count+1)
	if c > cap {
		return cap
	}
	return c
}

type RuleCandidate struct {
	Key             RuleKey              `json:"-"`
	RuleType        string               `json:"rule_type"`
	EntityType      CorrectionEntityType `json:"entity_type"`
	Criteria        MatchCriteria        `json:"match_criteria"`
	CorrectionField string               `json:"correction_field"`
	CorrectionValue string               `json:"correction_value"`
	Count           int                  `json:"source_correction_count"`
	Confidence      float64              `json:"confidence"`
	CorrectionIds   []int                `json:"correction_ids"`
}

// DeriveRuleCandidates groups corrections by (entity_type, field_name, criteria)
// and keeps the groups whose majority value reaches the corroboration threshold.
// The count is the number of corrections agreeing with that value; ties go to the
// most recent correction. Output is ordered by rule key.
func DeriveRuleCandidates(corrections []CorrectionRecord, opts LearningOptions) ([]RuleCandidate, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	type valueTally struct {
		count  int
		latest int
		ids    []int
	}
	type group struct {
		key      RuleKey
		criteria MatchCriteria
		values   map[string]*valueTally
	}
	groups := map[RuleKey]*group{}

	sorted := make([]CorrectionRecord, len(corrections))
	copy(sorted, corrections)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, c := range sorted {
		if ValidateCorrectionField(c.EntityType, c.FieldName) != nil {
			continue
		}
		criteria, ok := CriteriaFor(c)
		if !ok {
			continue
		}
		value := strings.TrimSpace(c.NewValue)
		if value == "" || ValidateCorrectionValue(c.FieldName, value) != nil {
			continue
		}
		key := RuleKey{EntityType: c.EntityType, FieldName: c.FieldName, CriteriaHash: criteria.Hash()}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, criteria: criteria, values: map[string]*valueTally{}}
			groups[key] = g
		}
		v, ok := g.values[value]
		if !ok {
			v = &valueTally{}
			g.values[value] = v
		}
		v.count++
		v.latest = c.ID
		v.ids = append(v.ids, c.ID)
	}

	var out []RuleCandidate
	for _, g := range groups {
		var bestValue string
		var best *valueTally
		for value, v := range g.values {
			if best == nil || v.count > best.count || (v.count == best.count && v.latest > best.latest) {
				bestValue, best = value, v
			}
		}
		if best == nil || best.count < opts.MinCorrections {
			continue
		}
		out = append(out, RuleCandidate{
			Key:             g.key,
			RuleType:        RuleTypeFor(g.key.EntityType),
			EntityType:      g.key.EntityType,
			Criteria:        g.criteria,
			CorrectionField: g.key.FieldName,
			CorrectionValue: bestValue,
			Count:           best.count,
			Confidence:      RuleConfidence(best.count, opts.ConfidenceCap),
			CorrectionIds:   best.ids,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// RuleState is the mutable part of a stored rule.
type RuleState struct {
	CorrectionValue       string
	SourceCorrectionCount int
	Confidence            float64
	IsActive              bool
}

// MergeRule folds a candidate into the stored rule. A new rule starts active.
// An existing rule keeps its is_active flag, its count never goes down and its
// confidence never drops. changed is false when nothing would be written.
func MergeRule(existing *RuleState, c RuleCandidate, cap float64) (next RuleState, changed bool) {
	if existing == nil {
		return RuleState{
			CorrectionValue:       c.CorrectionValue,
			SourceCorrectionCount: c.Count,
			Confidence:            RuleConfidence(c.Count, cap),
			IsActive:              true,
		}, true
	}
	next = *existing
	if c.Count >= existing.SourceCorrectionCount {
		next.CorrectionValue = c.CorrectionValue
		next.SourceCorrectionCount = c.Count
	}
	if conf := RuleConfidence(next.SourceCorrectionCount, cap); conf > next.Confidence {
		next.Confidence = conf
	}
	return next, next != *existing
}
