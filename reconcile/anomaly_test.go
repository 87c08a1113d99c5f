package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onlyChecks(types ...AnomalyType) DetectorConfig {
	cfg := DefaultDetectorConfig()
	for t, cc := range cfg.Checks {
		cc.Enabled = false
		cfg.Checks[t] = cc
	}
	for _, t := range types {
		cc := cfg.Checks[t]
		cc.Enabled = true
		cfg.Checks[t] = cc
	}
	return cfg
}

func findingsOf(fs []Finding, typ AnomalyType) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestDetect_Duplicates(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "500", "2024-01-01", withDesc("INV 001 Acme")),
		txn(2, SourceTypeSalesRecord, "500", "2024-01-01", withDesc("INV 002 Beta")),
		txn(3, SourceTypeSalesRecord, "700", "2024-01-02", withDesc("Acme Corp")),
		txn(4, SourceTypeSalesRecord, "700", "2024-01-20", withDesc("  ACME   corp ")),
		txn(5, SourceTypePurchaseRecord, "500", "2024-01-01", withDesc("INV 001 Acme")),
	}
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeDuplicate))
	require.NoError(t, err)

	dups := findingsOf(fs, AnomalyTypeDuplicate)
	require.Len(t, dups, 2)
	assert.Equal(t, 2, *dups[0].TransactionId)
	assert.Equal(t, 1, dups[0].Details["duplicate_of"])
	assert.Equal(t, "amount_date", dups[0].Details["basis"])
	assert.Equal(t, 4, *dups[1].TransactionId)
	assert.Equal(t, "description_amount", dups[1].Details["basis"])
	assert.Equal(t, SeverityHigh, dups[0].Severity)
}

func TestDetect_NumberedInvoicesAreNotDuplicates(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "5000.00", "2024-01-05", withDesc("Invoice #1001")),
		txn(2, SourceTypeSalesRecord, "5000.00", "2024-02-05", withDesc("Invoice #1002")),
		txn(3, SourceTypePurchaseRecord, "1200.00", "2024-01-01", withDesc("Office rent January 2024")),
		txn(4, SourceTypePurchaseRecord, "1200.00", "2024-02-01", withDesc("Office rent February 2024")),
	}
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeDuplicate))
	require.NoError(t, err)
	assert.Empty(t, fs)

	// the same numbered invoice entered twice is still caught
	txns = append(txns, txn(5, SourceTypeSalesRecord, "5000.00", "2024-03-01", withDesc("invoice  #1001")))
	fs, err = Detect(txns, nil, onlyChecks(AnomalyTypeDuplicate))
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, 5, *fs[0].TransactionId)
	assert.Equal(t, "description_amount", fs[0].Details["basis"])
}

func TestDetect_VatMismatch(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "1000", "2024-01-01", withVatType(VatTypeVatable), withVat("120.04")),
		txn(2, SourceTypeSalesRecord, "1000", "2024-01-02", withVatType(VatTypeVatable), withVat("100")),
		txn(3, SourceTypeSalesRecord, "1000", "2024-01-03", withVatType(VatTypeZeroRated), withVat("1")),
		txn(4, SourceTypeBankStatement, "1000", "2024-01-03", withVatType(VatTypeVatable), withVat("0")),
	}
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeVatMismatch))
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, 2, *fs[0].TransactionId)
	assert.Equal(t, 3, *fs[1].TransactionId)
	assert.Equal(t, SeverityMedium, fs[0].Severity)
	assert.Equal(t, "120", fs[0].Details["expected_vat"])
}

func TestDetect_IncompleteTinAndMissingInvoice(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "10", "2024-01-01", withVatType(VatTypeVatable), withDesc("OR 1")),
		txn(2, SourceTypeSalesRecord, "11", "2024-01-01", withVatType(VatTypeVatable), withTin(" "), withDesc("OR 2")),
		txn(3, SourceTypeSalesRecord, "12", "2024-01-01", withVatType(VatTypeVatable), withTin("123-456-789"), withDesc("OR 3")),
		txn(4, SourceTypeSalesRecord, "13", "2024-01-01", withVatType(VatTypeExempt)),
		txn(5, SourceTypeBankStatement, "14", "2024-01-01", withVatType(VatTypeVatable)),
	}
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeIncompleteTin, AnomalyTypeMissingInvoice))
	require.NoError(t, err)

	tins := findingsOf(fs, AnomalyTypeIncompleteTin)
	require.Len(t, tins, 2)
	assert.Equal(t, 1, *tins[0].TransactionId)
	assert.Equal(t, 2, *tins[1].TransactionId)

	missing := findingsOf(fs, AnomalyTypeMissingInvoice)
	require.Len(t, missing, 1)
	assert.Equal(t, 4, *missing[0].TransactionId)
	assert.Equal(t, SeverityLow, missing[0].Severity)
}

func TestDetect_UnusualAmount(t *testing.T) {
	var txns []Transaction
	amounts := []string{"100", "102", "98", "101", "99", "100", "103", "97"}
	for i, a := range amounts {
		txns = append(txns, txn(i+1, SourceTypePurchaseRecord, a, "2024-01-01", withCategory(CategoryServices)))
	}
	txns = append(txns,
		txn(20, SourceTypePurchaseRecord, "5000", "2024-01-01", withCategory(CategoryServices)),
		txn(21, SourceTypePurchaseRecord, "2000000", "2024-01-01", withCategory(CategoryCapital)),
	)
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeUnusualAmount))
	require.NoError(t, err)

	require.Len(t, fs, 2)
	assert.Equal(t, 20, *fs[0].TransactionId)
	assert.Equal(t, SeverityMedium, fs[0].Severity)
	assert.Equal(t, 21, *fs[1].TransactionId)
	assert.Equal(t, true, fs[1].Details["large"])
	assert.Equal(t, SeverityMedium, fs[1].Severity)
}

func TestDetect_UnusualAmountSkipsConstantDistributions(t *testing.T) {
	var txns []Transaction
	for i := 0; i < 6; i++ {
		txns = append(txns, txn(i+1, SourceTypeSalesRecord, "100", "2024-01-01"))
	}
	txns = append(txns, txn(7, SourceTypeSalesRecord, "150", "2024-01-01"))
	fs, err := Detect(txns, nil, onlyChecks(AnomalyTypeUnusualAmount))
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestDetect_UnmatchedBankByDirection(t *testing.T) {
	txns := []Transaction{
		txn(1, SourceTypeBankStatement, "100", "2024-01-01"),
		txn(2, SourceTypeBankStatement, "-40", "2024-01-01"),
		txn(3, SourceTypeBankStatement, "55", "2024-01-01"),
	}
	match := &MatchResult{UnmatchedBank: []int{1, 2}}
	fs, err := Detect(txns, match, onlyChecks(AnomalyTypeUnmatchedDeposit, AnomalyTypeUnmatchedPayment))
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, AnomalyTypeUnmatchedDeposit, fs[0].Type)
	assert.Equal(t, AnomalyTypeUnmatchedPayment, fs[1].Type)

	fs, err = Detect(txns, nil, onlyChecks(AnomalyTypeUnmatchedDeposit, AnomalyTypeUnmatchedPayment))
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestDetect_PeriodMismatch(t *testing.T) {
	period, err := ParsePeriod("2024-Q1")
	require.NoError(t, err)
	cfg := onlyChecks(AnomalyTypePeriodMismatch)
	cfg.Period = &period

	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "1", "2024-03-31"),
		txn(2, SourceTypeSalesRecord, "1", "2024-04-01"),
		txn(3, SourceTypeSalesRecord, "1", "2023-12-31"),
		txn(4, SourceTypeSalesRecord, "1", "2024-01-01", withNoDate()),
	}
	fs, err := Detect(txns, nil, cfg)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, 2, *fs[0].TransactionId)
	assert.Equal(t, 3, *fs[1].TransactionId)
	assert.Equal(t, SeverityHigh, fs[0].Severity)
}

func TestDetect_SeverityOverrideAndDisabledCheck(t *testing.T) {
	cfg := onlyChecks(AnomalyTypeMissingInvoice)
	cfg.Checks[AnomalyTypeMissingInvoice] = CheckConfig{Enabled: true, Severity: SeverityHigh}
	fs, err := Detect([]Transaction{txn(1, SourceTypeSalesRecord, "1", "2024-01-01")}, nil, cfg)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, SeverityHigh, fs[0].Severity)

	cfg.Checks[AnomalyTypeMissingInvoice] = CheckConfig{Enabled: false, Severity: SeverityHigh}
	fs, err = Detect([]Transaction{txn(1, SourceTypeSalesRecord, "1", "2024-01-01")}, nil, cfg)
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestDetect_InvalidConfig(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.UnusualStdDev = 0
	_, err := Detect(nil, nil, cfg)
	assert.True(t, IsValidation(err))
}

func idPtr(i int) *int { return &i }

func TestPlanDetection_RerunIsIdempotent(t *testing.T) {
	cfg := DefaultDetectorConfig()
	txns := []Transaction{
		txn(1, SourceTypeSalesRecord, "10", "2024-01-01", withVatType(VatTypeVatable)),
		txn(2, SourceTypeSalesRecord, "10", "2024-01-01", withVatType(VatTypeVatable)),
	}
	findings, err := Detect(txns, nil, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	first := PlanDetection(findings, nil, cfg)
	assert.Len(t, first.Create, len(findings))

	var stored []ExistingAnomaly
	for i, f := range first.Create {
		stored = append(stored, ExistingAnomaly{ID: i + 1, TransactionId: f.TransactionId, Type: f.Type, Status: AnomalyStatusOpen})
	}
	again, err := Detect(txns, nil, cfg)
	require.NoError(t, err)
	second := PlanDetection(again, stored, cfg)
	assert.Empty(t, second.Create)
	assert.Empty(t, second.Remove)
	assert.Len(t, second.Refresh, len(findings))
}

func TestPlanDetection_FalsePositiveIsNotReopened(t *testing.T) {
	cfg := DefaultDetectorConfig()
	findings := []Finding{
		{TransactionId: idPtr(7), Type: AnomalyTypeDuplicate, Severity: SeverityHigh},
		{TransactionId: idPtr(8), Type: AnomalyTypeDuplicate, Severity: SeverityHigh},
	}
	existing := []ExistingAnomaly{
		{ID: 1, TransactionId: idPtr(7), Type: AnomalyTypeDuplicate, Status: AnomalyStatusFalsePositive},
	}
	plan := PlanDetection(findings, existing, cfg)
	require.Len(t, plan.Create, 1)
	assert.Equal(t, 8, *plan.Create[0].TransactionId)
	require.Len(t, plan.Suppressed, 1)
	assert.Equal(t, 7, *plan.Suppressed[0].TransactionId)
	assert.Empty(t, plan.Remove)
}

func TestSameRecord(t *testing.T) {
	a := txn(1, SourceTypeSalesRecord, "5000.00", "2024-01-05", withDesc("Invoice #1001"))
	assert.True(t, SameRecord(a, txn(9, SourceTypeSalesRecord, "5000", "2024-01-05", withDesc(" invoice  #1001"), withVatType(VatTypeVatable))))
	assert.False(t, SameRecord(a, txn(1, SourceTypeSalesRecord, "5000.00", "2024-01-05", withDesc("Invoice #1002"))))
	assert.False(t, SameRecord(a, txn(1, SourceTypeSalesRecord, "5000.00", "2024-01-06", withDesc("Invoice #1001"))))
	assert.False(t, SameRecord(a, txn(1, SourceTypeSalesRecord, "5000.01", "2024-01-05", withDesc("Invoice #1001"))))
	assert.False(t, SameRecord(a, txn(1, SourceTypeSalesRecord, "5000.00", "2024-01-05", withNoDate(), withDesc("Invoice #1001"))))
}

// A re-ingested file whose row 2 now holds a different record gets a new id,
// so a false positive on the old row does not hide the new one.
func TestPlanDetection_ReplacedRecordIsFlaggedAgain(t *testing.T) {
	cfg := onlyChecks(AnomalyTypeDuplicate)
	before := []Transaction{
		txn(1, SourceTypeSalesRecord, "500", "2024-01-01", withDesc("Invoice #1001")),
		txn(2, SourceTypeSalesRecord, "500", "2024-01-01", withDesc("Invoice #1002")),
	}
	findings, err := Detect(before, nil, cfg)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	existing := []ExistingAnomaly{{ID: 1, TransactionId: idPtr(2), Type: AnomalyTypeDuplicate, Status: AnomalyStatusFalsePositive}}
	assert.Empty(t, PlanDetection(findings, existing, cfg).Create)

	replacement := txn(3, SourceTypeSalesRecord, "500", "2024-01-01", withDesc("Invoice #1001"))
	replacement.RowIndex = before[1].RowIndex
	require.False(t, SameRecord(before[1], replacement))

	findings, err = Detect([]Transaction{before[0], replacement}, nil, cfg)
	require.NoError(t, err)
	plan := PlanDetection(findings, existing, cfg)
	require.Len(t, plan.Create, 1)
	assert.Equal(t, 3, *plan.Create[0].TransactionId)
	assert.Empty(t, plan.Suppressed)
}

func TestPlanDetection_RemovesVanishedOpenAnomalies(t *testing.T) {
	cfg := DefaultDetectorConfig()
	existing := []ExistingAnomaly{
		{ID: 1, TransactionId: idPtr(1), Type: AnomalyTypeIncompleteTin, Status: AnomalyStatusOpen},
		{ID: 2, TransactionId: idPtr(2), Type: AnomalyTypeIncompleteTin, Status: AnomalyStatusResolved},
		{ID: 3, TransactionId: idPtr(3), Type: AnomalyTypeDuplicate, Status: AnomalyStatusOpen},
		{ID: 4, TransactionId: idPtr(3), Type: AnomalyTypeDuplicate, Status: AnomalyStatusOpen},
	}
	findings := []Finding{{TransactionId: idPtr(3), Type: AnomalyTypeDuplicate, Severity: SeverityHigh}}
	plan := PlanDetection(findings, existing, cfg)
	assert.Equal(t, []int{1, 4}, plan.Remove)
	require.Len(t, plan.Refresh, 1)
	assert.Equal(t, 3, plan.Refresh[0].ID)

	cfg.Checks[AnomalyTypeIncompleteTin] = CheckConfig{Enabled: false, Severity: SeverityMedium}
	plan = PlanDetection(findings, existing, cfg)
	assert.Equal(t, []int{4}, plan.Remove)
}

func TestResolveTransition(t *testing.T) {
	assert.NoError(t, ResolveTransition(AnomalyStatusOpen, AnomalyStatusResolved))
	assert.NoError(t, ResolveTransition(AnomalyStatusOpen, AnomalyStatusFalsePositive))
	assert.NoError(t, ResolveTransition(AnomalyStatusOpen, AnomalyStatusAcknowledged))
	assert.True(t, IsValidation(ResolveTransition(AnomalyStatusResolved, AnomalyStatusOpen)))
	assert.True(t, IsValidation(ResolveTransition(AnomalyStatusFalsePositive, AnomalyStatusResolved)))
	assert.True(t, IsValidation(ResolveTransition(AnomalyStatusOpen, "closed")))
}
