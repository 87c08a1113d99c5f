package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string { return &s }

type txnOpt func(*Transaction)

func withDesc(s string) txnOpt { return func(t *Transaction) { t.Description = strPtr(s) } }
func withTin(s string) txnOpt { return func(t *Transaction) { t.Tin = strPtr(s) } }
func withVat(v string) txnOpt { return func(t *Transaction) { t.VatAmount = dec(v) } }
func withVatType(v VatType) txnOpt { return func(t *Transaction) { t.VatType = v } }
func withCategory(c Category) txnOpt { return func(t *Transaction) { t.Category = c } }
func withStatus(s MatchStatus) txnOpt { return func(t *Transaction) { t.MatchStatus = s } }
func withConfidence(c float64) txnOpt { return func(t *Transaction) { t.Confidence = c } }
func withNoDate() txnOpt { return func(t *Transaction) { t.Date = nil } }
func withFile(id int) txnOpt { return func(t *Transaction) { t.SourceFileId = id } }

func txn(id int, st SourceType, amount, date string, opts ...txnOpt) Transaction {
	t := Transaction{
		ID:                   id,
		SourceType:           st,
		SourceFileId:         1,
		RowIndex:             id,
		Date:                 day(date),
		Amount:               dec(amount),
		VatAmount:            decimal.Zero,
		VatType:              VatTypeExempt,
		Category:             CategoryGoods,
		Confidence:           0.9,
		ClassificationSource: ClassificationSourceAI,
		MatchStatus:          MatchStatusUnmatched,
	}
	if st == SourceTypeSalesRecord {
		t.Category = CategorySale
	}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func TestMatch_PicksClosestAmountAndLeavesOtherBankEntry(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "100.00", "2024-01-05")}
	bank := []Transaction{
		txn(2, SourceTypeBankStatement, "100.03", "2024-01-06"),
		txn(3, SourceTypeBankStatement, "100.00", "2024-01-05"),
	}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0.05"), DateToleranceDays: 1})
	require.NoError(t, err)

	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, 1, res.MatchedPairs[0].LedgerId)
	assert.Equal(t, 3, res.MatchedPairs[0].BankId)
	assert.Equal(t, MatchStatusMatched, res.MatchedPairs[0].Status)
	require.NotNil(t, res.MatchedPairs[0].DateDiffDays)
	assert.Equal(t, 0, *res.MatchedPairs[0].DateDiffDays)
	assert.Equal(t, []int{2}, res.UnmatchedBank)
	assert.Empty(t, res.UnmatchedRecords)
	assert.InDelta(t, 2.0/3.0, res.MatchRate, 1e-9)
}

func TestMatch_ExactAmountWinsInFileOrder(t *testing.T) {
	// bank entries listed in file order 100.00 then 100.03
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "100.00", "2024-01-05")}
	bank := []Transaction{
		txn(10, SourceTypeBankStatement, "100.00", "2024-01-05"),
		txn(11, SourceTypeBankStatement, "100.03", "2024-01-06"),
	}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0.05"), DateToleranceDays: 1})
	require.NoError(t, err)
	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, 10, res.MatchedPairs[0].BankId)
	assert.Equal(t, []int{11}, res.UnmatchedBank)
	assert.InDelta(t, 2.0/3.0, res.MatchRate, 1e-9)
}

func TestMatch_PartialWithinTolerance(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "100.00", "2024-01-05")}
	bank := []Transaction{txn(2, SourceTypeBankStatement, "100.03", "2024-01-07")}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0.05"), DateToleranceDays: 2})
	require.NoError(t, err)
	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, MatchStatusPartial, res.MatchedPairs[0].Status)
	assert.True(t, res.MatchedPairs[0].AmountDifference.Equal(dec("0.03")))
	assert.Equal(t, 2, *res.MatchedPairs[0].DateDiffDays)
	assert.Equal(t, 1.0, res.MatchRate)
}

func TestMatch_RespectsDateTolerance(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "50", "2024-01-01")}
	bank := []Transaction{txn(2, SourceTypeBankStatement, "50", "2024-01-10")}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0"), DateToleranceDays: 3})
	require.NoError(t, err)
	assert.Empty(t, res.MatchedPairs)
	assert.Equal(t, []int{1}, res.UnmatchedRecords)
	assert.Equal(t, []int{2}, res.UnmatchedBank)
	assert.Equal(t, 0.0, res.MatchRate)
}

func TestMatch_MissingDateSatisfiesConstraintButRanksLast(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "75", "2024-02-01")}
	bank := []Transaction{
		txn(2, SourceTypeBankStatement, "75", "2024-02-01", withNoDate()),
		txn(3, SourceTypeBankStatement, "75", "2024-02-03"),
	}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0"), DateToleranceDays: 5})
	require.NoError(t, err)
	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, 3, res.MatchedPairs[0].BankId)

	res, err = Match(ledger, bank[:1], MatchOptions{AmountTolerance: dec("0"), DateToleranceDays: 0})
	require.NoError(t, err)
	require.Len(t, res.MatchedPairs, 1)
	assert.Nil(t, res.MatchedPairs[0].DateDiffDays)
}

func TestMatch_PurchasesPairWithPayments(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypePurchaseRecord, "250", "2024-03-01")}
	bank := []Transaction{
		txn(2, SourceTypeBankStatement, "250", "2024-03-01"),
		txn(3, SourceTypeBankStatement, "-250", "2024-03-02"),
	}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0"), DateToleranceDays: 3})
	require.NoError(t, err)
	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, 3, res.MatchedPairs[0].BankId)
	assert.Equal(t, []int{2}, res.UnmatchedBank)
}

func TestMatch_RejectsNegativeTolerance(t *testing.T) {
	_, err := Match(nil, nil, MatchOptions{AmountTolerance: dec("-0.01")})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = Match(nil, nil, MatchOptions{DateToleranceDays: -1})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestMatch_EmptySidesAreNotErrors(t *testing.T) {
	res, err := Match(nil, nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.MatchRate)
	assert.Empty(t, res.MatchedPairs)

	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "10", "2024-01-01")}
	res, err = Match(ledger, nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.UnmatchedRecords)
	assert.Equal(t, 0.0, res.MatchRate)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, MatchStatusUnmatched, res.Assignments[0].MatchStatus)
}

func TestMatch_ManualPairsAreLeftAlone(t *testing.T) {
	gid := "manual-group"
	ledger := []Transaction{
		txn(1, SourceTypeSalesRecord, "10", "2024-01-01", withStatus(MatchStatusManual)),
		txn(2, SourceTypeSalesRecord, "20", "2024-01-01"),
	}
	ledger[0].MatchGroupId = &gid
	bank := []Transaction{
		txn(3, SourceTypeBankStatement, "10", "2024-01-01", withStatus(MatchStatusManual)),
		txn(4, SourceTypeBankStatement, "10", "2024-01-01"),
		txn(5, SourceTypeBankStatement, "20", "2024-01-01"),
	}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0"), DateToleranceDays: 0})
	require.NoError(t, err)

	assert.Equal(t, 1, res.ManualRecords)
	assert.Equal(t, 1, res.ManualBank)
	require.Len(t, res.MatchedPairs, 1)
	assert.Equal(t, 2, res.MatchedPairs[0].LedgerId)
	assert.Equal(t, 5, res.MatchedPairs[0].BankId)
	for _, a := range res.Assignments {
		assert.NotEqual(t, 1, a.TransactionId)
		assert.NotEqual(t, 3, a.TransactionId)
	}
	assert.InDelta(t, 2.0/3.0, res.MatchRate, 1e-9)
}

func TestMatch_IsDeterministic(t *testing.T) {
	var ledger, bank []Transaction
	for i := 0; i < 40; i++ {
		amount := decimal.NewFromInt(int64(100 + i%7)).String()
		ledger = append(ledger, txn(i+1, SourceTypeSalesRecord, amount, "2024-01-0"+string(rune('1'+i%9))))
		bank = append(bank, txn(100+i, SourceTypeBankStatement, amount, "2024-01-0"+string(rune('1'+(i+1)%9))))
	}
	opts := MatchOptions{AmountTolerance: dec("0.5"), DateToleranceDays: 2, Scope: "7/42"}

	first, err := Match(ledger, bank, opts)
	require.NoError(t, err)

	shuffledLedger := append([]Transaction(nil), ledger...)
	for i, j := 0, len(shuffledLedger)-1; i < j; i, j = i+1, j-1 {
		shuffledLedger[i], shuffledLedger[j] = shuffledLedger[j], shuffledLedger[i]
	}
	second, err := Match(shuffledLedger, bank, opts)
	require.NoError(t, err)

	assert.Equal(t, first.MatchedPairs, second.MatchedPairs)
	assert.Equal(t, first.UnmatchedBank, second.UnmatchedBank)
}

func TestMatch_PairsStayWithinTolerance(t *testing.T) {
	ledger := []Transaction{
		txn(1, SourceTypeSalesRecord, "100", "2024-01-01"),
		txn(2, SourceTypeSalesRecord, "200", "2024-01-02"),
		txn(3, SourceTypePurchaseRecord, "300", "2024-01-03"),
	}
	bank := []Transaction{
		txn(4, SourceTypeBankStatement, "100.40", "2024-01-03"),
		txn(5, SourceTypeBankStatement, "199.10", "2024-01-02"),
		txn(6, SourceTypeBankStatement, "-300.50", "2024-01-05"),
	}
	tol := dec("0.5")
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: tol, DateToleranceDays: 2})
	require.NoError(t, err)
	for _, p := range res.MatchedPairs {
		assert.True(t, p.AmountDifference.LessThanOrEqual(tol))
		if p.DateDiffDays != nil {
			assert.LessOrEqual(t, *p.DateDiffDays, 2)
		}
	}
	assert.Len(t, res.MatchedPairs, 2)
	assert.Equal(t, []int{2}, res.UnmatchedRecords)
}

func TestMatch_GroupIdsAreStablePerScope(t *testing.T) {
	assert.Equal(t, matchGroupId("1/2", 3, 4), matchGroupId("1/2", 3, 4))
	assert.NotEqual(t, matchGroupId("1/2", 3, 4), matchGroupId("1/3", 3, 4))
	assert.NotEqual(t, matchGroupId("1/2", 3, 4), ManualGroupId("1/2", 3, 4))
}

func TestMatchResultFromAssignments(t *testing.T) {
	ledger := []Transaction{txn(1, SourceTypeSalesRecord, "100", "2024-01-01"), txn(2, SourceTypeSalesRecord, "5", "2024-01-01")}
	bank := []Transaction{txn(3, SourceTypeBankStatement, "100.02", "2024-01-01"), txn(4, SourceTypeBankStatement, "9", "2024-01-01")}
	res, err := Match(ledger, bank, MatchOptions{AmountTolerance: dec("0.05")})
	require.NoError(t, err)

	byId := map[int]Assignment{}
	for _, a := range res.Assignments {
		byId[a.TransactionId] = a
	}
	apply := func(rows []Transaction) []Transaction {
		out := append([]Transaction(nil), rows...)
		for i := range out {
			a := byId[out[i].ID]
			out[i].MatchGroupId = a.MatchGroupId
			out[i].MatchStatus = a.MatchStatus
		}
		return out
	}

	rebuilt := MatchResultFromAssignments(apply(ledger), apply(bank))
	require.Len(t, rebuilt.MatchedPairs, 1)
	assert.Equal(t, res.MatchedPairs[0].GroupId, rebuilt.MatchedPairs[0].GroupId)
	assert.True(t, rebuilt.MatchedPairs[0].AmountDifference.Equal(dec("0.02")))
	assert.Equal(t, []int{2}, rebuilt.UnmatchedRecords)
	assert.Equal(t, []int{4}, rebuilt.UnmatchedBank)
	assert.InDelta(t, res.MatchRate, rebuilt.MatchRate, 1e-9)
}
