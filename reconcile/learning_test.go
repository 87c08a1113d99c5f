package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classificationCorrection(id int, field, value string, ctx map[string]any) CorrectionRecord {
	return CorrectionRecord{
		ID: id,
		CorrectionInput: CorrectionInput{
			EntityType:  CorrectionEntityTransactionClassification,
			EntityId:    id * 10,
			FieldName:   field,
			NewValue:    value,
			ContextData: ctx,
			User:        "reviewer@example.com",
		},
	}
}

func TestDeriveRuleCandidates_CountEqualsCorroboratingCorrections(t *testing.T) {
	ctx := map[string]any{"source_type": "purchase_record", "tin": "123-456-789-000", "description": "Meralco bill"}
	var corrections []CorrectionRecord
	for i := 1; i <= 4; i++ {
		corrections = append(corrections, classificationCorrection(i, FieldCategory, "services", ctx))
	}
	cands, err := DeriveRuleCandidates(corrections, LearningOptions{MinCorrections: 3, ConfidenceCap: 0.95})
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, 4, c.Count)
	assert.Equal(t, "services", c.CorrectionValue)
	assert.Equal(t, MatchCriteria{SourceType: SourceTypePurchaseRecord, Tin: "123456789000"}, c.Criteria)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
	assert.Equal(t, "classification_override", c.RuleType)
	assert.Equal(t, []int{1, 2, 3, 4}, c.CorrectionIds)
}

func TestDeriveRuleCandidates_BelowThresholdIsIgnored(t *testing.T) {
	ctx := map[string]any{"source_type": "sales_record", "description": "Walk-in customer"}
	corrections := []CorrectionRecord{
		classificationCorrection(1, FieldVatType, "exempt", ctx),
		classificationCorrection(2, FieldVatType, "exempt", ctx),
	}
	cands, err := DeriveRuleCandidates(corrections, DefaultLearningOptions())
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDeriveRuleCandidates_MajorityValueWins(t *testing.T) {
	ctx := map[string]any{"source_type": "sales_record", "description": "DPWH progress billing #44"}
	corrections := []CorrectionRecord{
		classificationCorrection(1, FieldVatType, "government", ctx),
		classificationCorrection(2, FieldVatType, "vatable", ctx),
		classificationCorrection(3, FieldVatType, "government", ctx),
		classificationCorrection(4, FieldVatType, "government", map[string]any{"source_type": "sales_record", "description": "DPWH progress billing #45"}),
	}
	cands, err := DeriveRuleCandidates(corrections, DefaultLearningOptions())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "government", cands[0].CorrectionValue)
	assert.Equal(t, 3, cands[0].Count)
	assert.Equal(t, "dpwh progress billing", cands[0].Criteria.DescriptionKey)
}

func TestDeriveRuleCandidates_SkipsUnusableCorrections(t *testing.T) {
	corrections := []CorrectionRecord{
		classificationCorrection(1, FieldVatType, "vatable", nil),
		classificationCorrection(2, FieldVatType, "nonsense", map[string]any{"source_type": "sales_record", "description": "x y"}),
		classificationCorrection(3, "amount", "1", map[string]any{"source_type": "sales_record", "description": "x y"}),
	}
	cands, err := DeriveRuleCandidates(corrections, LearningOptions{MinCorrections: 1, ConfidenceCap: 0.9})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDeriveRuleCandidates_ReportFieldUsesPattern(t *testing.T) {
	old := "12000"
	var corrections []CorrectionRecord
	for i := 1; i <= 3; i++ {
		corrections = append(corrections, CorrectionRecord{ID: i, CorrectionInput: CorrectionInput{
			EntityType: CorrectionEntityReportField,
			FieldName:  string(TaxLineOutputTax),
			OldValue:   &old,
			NewValue:   "12500",
		}})
	}
	cands, err := DeriveRuleCandidates(corrections, DefaultLearningOptions())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "12000", cands[0].Criteria.Pattern)
	assert.Equal(t, "report_field_adjustment", cands[0].RuleType)
}

func TestRuleConfidence_MonotoneAndCapped(t *testing.T) {
	prev := 0.0
	for n := 1; n <= 50; n++ {
		c := RuleConfidence(n, 0.95)
		assert.GreaterOrEqual(t, c, prev)
		assert.LessOrEqual(t, c, 0.95)
		prev = c
	}
	assert.Equal(t, 0.0, RuleConfidence(0, 0.95))
	assert.Equal(t, 0.5, RuleConfidence(1, 0.95))
	assert.Equal(t, 0.95, RuleConfidence(100, 0.95))
}

func TestMergeRule(t *testing.T) {
	cand := RuleCandidate{CorrectionValue: "services", Count: 3}
	created, changed := MergeRule(nil, cand, 0.95)
	assert.True(t, changed)
	assert.True(t, created.IsActive)
	assert.Equal(t, 3, created.SourceCorrectionCount)
	assert.Equal(t, 0.75, created.Confidence)

	same, changed := MergeRule(&created, cand, 0.95)
	assert.False(t, changed)
	assert.Equal(t, created, same)

	deactivated := created
	deactivated.IsActive = false
	stronger, changed := MergeRule(&deactivated, RuleCandidate{CorrectionValue: "services", Count: 9}, 0.95)
	assert.True(t, changed)
	assert.False(t, stronger.IsActive)
	assert.Equal(t, 9, stronger.SourceCorrectionCount)
	assert.Equal(t, 0.9, stronger.Confidence)

	weaker, changed := MergeRule(&stronger, RuleCandidate{CorrectionValue: "goods", Count: 4}, 0.95)
	assert.False(t, changed)
	assert.Equal(t, 9, weaker.SourceCorrectionCount)
	assert.Equal(t, "services", weaker.CorrectionValue)
}

func TestValidateCorrection(t *testing.T) {
	ok := CorrectionInput{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldVatType, NewValue: "exempt"}
	assert.NoError(t, ok.Validate())

	cases := []CorrectionInput{
		{EntityType: "invoice", FieldName: FieldVatType, NewValue: "exempt"},
		{EntityType: CorrectionEntityTransactionClassification, FieldName: "amount", NewValue: "1"},
		{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldVatType, NewValue: " "},
		{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldCategory, NewValue: "food"},
		{EntityType: CorrectionEntityReportField, FieldName: "made_up", NewValue: "1"},
		{EntityType: CorrectionEntityReportField, FieldName: string(TaxLineOutputTax), NewValue: "abc"},
		{EntityType: CorrectionEntityEwtClassification, FieldName: FieldEwtRate, NewValue: "two"},
	}
	for _, c := range cases {
		err := c.Validate()
		assert.Truef(t, IsValidation(err), "%+v", c)
	}
	assert.NoError(t, CorrectionInput{EntityType: CorrectionEntityEwtClassification, FieldName: FieldAtcCode, NewValue: "WC158"}.Validate())
}

func TestValidateCorrection_TinClear(t *testing.T) {
	old := "123-456-789"
	cleared := CorrectionInput{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldTin, OldValue: &old}
	assert.True(t, cleared.IsTinClear())
	assert.NoError(t, cleared.Validate())

	// nothing to clear
	assert.True(t, IsValidation(CorrectionInput{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldTin}.Validate()))
	// only a tin may be cleared
	cat := CorrectionInput{EntityType: CorrectionEntityTransactionClassification, FieldName: FieldCategory, OldValue: &old}
	assert.False(t, cat.IsTinClear())
	assert.True(t, IsValidation(cat.Validate()))
}

func TestDeriveRuleCandidates_IgnoresTinClears(t *testing.T) {
	ctx := map[string]any{"source_type": "purchase_record", "description": "Rice supplier"}
	var corrections []CorrectionRecord
	for i := 1; i <= 4; i++ {
		c := classificationCorrection(i, FieldTin, "", ctx)
		old := "555-000-111"
		c.OldValue = &old
		corrections = append(corrections, c)
	}
	cands, err := DeriveRuleCandidates(corrections, LearningOptions{MinCorrections: 1, ConfidenceCap: 0.9})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDescriptionKeyAndTin(t *testing.T) {
	assert.Equal(t, "meralco bill jan", DescriptionKey("MERALCO Bill #12345 (Jan)"))
	assert.Equal(t, "or a1", DescriptionKey("OR-A1 2024-01-02"))
	assert.Equal(t, "", DescriptionKey("  12/34 "))
	assert.Equal(t, "123456789000", NormalizeTin("123-456-789-000"))

	assert.Equal(t, "invoice #1001", NormalizeDescription("  INVOICE   #1001 "))
	assert.NotEqual(t, NormalizeDescription("Invoice #1001"), NormalizeDescription("Invoice #1002"))
	assert.Equal(t, DescriptionKey("Invoice #1001"), DescriptionKey("Invoice #1002"))
}

func TestMatchCriteria(t *testing.T) {
	row := txn(1, SourceTypePurchaseRecord, "10", "2024-01-01", withTin("123 456 789"), withDesc("Globe Telecom 0917"))
	assert.True(t, MatchCriteria{SourceType: SourceTypePurchaseRecord, Tin: "123456789"}.Matches(row))
	assert.True(t, MatchCriteria{SourceType: SourceTypePurchaseRecord, DescriptionKey: "globe telecom"}.Matches(row))
	assert.False(t, MatchCriteria{SourceType: SourceTypeSalesRecord, Tin: "123456789"}.Matches(row))
	assert.False(t, MatchCriteria{}.Matches(row))
	assert.False(t, MatchCriteria{Pattern: "x"}.Matches(row))

	a := MatchCriteria{SourceType: SourceTypePurchaseRecord, Tin: "1"}
	b := MatchCriteria{SourceType: SourceTypePurchaseRecord, DescriptionKey: "1"}
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), MatchCriteria{SourceType: SourceTypePurchaseRecord, Tin: "1"}.Hash())
}
