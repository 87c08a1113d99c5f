package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureJSON = `{
  "period": "2024-03",
  "rows": [
    {"id": 1, "source_type": "sales_record", "date": "2024-03-05", "description": "Invoice 12",
     "amount": "1,120.00", "vat_amount": "120.00", "vat_type": "vatable", "category": "sale", "tin": "123-456-789-000"},
    {"id": 2, "source_type": "bank_statement", "date": "2024-03-06", "description": "Deposit",
     "amount": "1120.00", "vat_type": "vatable", "category": "sale"},
    {"id": 3, "source_type": "purchase_record", "date": "2024-04-02", "description": "Office chairs",
     "amount": "560.00", "vat_amount": "60.00", "vat_type": "vatable", "category": "goods"}
  ],
  "baseline": {"vatable_sales": "1,000.00"}
}`

func testSettings(t *testing.T) config.EngineSettings {
	t.Helper()
	s, err := config.LoadEngineSettings(func(string) string { return "" })
	require.NoError(t, err)
	return s
}

func TestRunOffline(t *testing.T) {
	var fx offlineFixture
	require.NoError(t, json.Unmarshal([]byte(fixtureJSON), &fx))

	report, err := runOffline(context.Background(), fx, testSettings(t))
	require.NoError(t, err)

	require.Len(t, report.Match.MatchedPairs, 1)
	pair := report.Match.MatchedPairs[0]
	assert.Equal(t, 1, pair.LedgerId)
	assert.Equal(t, 2, pair.BankId)
	assert.Equal(t, reconcile.MatchStatusMatched, pair.Status)
	assert.Equal(t, []int{3}, report.Match.UnmatchedRecords)

	for _, txn := range report.Transactions {
		if txn.ID == 1 || txn.ID == 2 {
			require.NotNil(t, txn.MatchGroupId)
			assert.Equal(t, pair.GroupId, *txn.MatchGroupId)
		}
	}

	require.NotNil(t, report.Comparison)
	require.NotNil(t, report.Summary)

	var periodMismatch bool
	for _, f := range report.Anomalies {
		if f.Type == reconcile.AnomalyTypePeriodMismatch && f.TransactionId != nil && *f.TransactionId == 3 {
			periodMismatch = true
		}
	}
	assert.True(t, periodMismatch, "row dated outside the period should be flagged")
}

func TestRunOffline_ClassifiesMissingFields(t *testing.T) {
	desc := "Consulting fee"
	fx := offlineFixture{Rows: []offlineRow{{
		ID:          7,
		SourceType:  reconcile.SourceTypeSalesRecord,
		Date:        "2024-03-05",
		Description: &desc,
		Amount:      mustAmount(t, "500.00"),
	}}}
	report, err := runOffline(context.Background(), fx, testSettings(t))
	require.NoError(t, err)
	require.Len(t, report.Transactions, 1)
	txn := report.Transactions[0]
	assert.True(t, txn.VatType.IsValid())
	assert.True(t, txn.Category.IsValid())
	assert.NotEqual(t, reconcile.ClassificationSourceUserOverride, txn.ClassificationSource)
}

func TestRunOffline_RejectsBadInput(t *testing.T) {
	settings := testSettings(t)

	_, err := runOffline(context.Background(), offlineFixture{Period: "March"}, settings)
	assert.True(t, reconcile.IsValidation(err))

	_, err = runOffline(context.Background(), offlineFixture{Rows: []offlineRow{{ID: 0}}}, settings)
	assert.True(t, reconcile.IsValidation(err))

	_, err = runOffline(context.Background(), offlineFixture{Rows: []offlineRow{{
		ID: 1, SourceType: reconcile.SourceTypeSalesRecord, Date: "05/03/2024",
		VatType: reconcile.VatTypeVatable, Category: reconcile.CategorySale,
	}}}, settings)
	assert.True(t, reconcile.IsValidation(err))
}

func TestOfflineCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtureJSON), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"offline", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	require.NoError(t, rootCmd.Execute())

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Contains(t, decoded, "match")
	assert.Contains(t, decoded, "summary")
	assert.Contains(t, decoded, "anomalies")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
		assert.NotEmpty(t, c.Short, c.Name())
	}
	for _, want := range []string{"migrate", "match", "aggregate", "detect", "reconcile", "analyze", "offline", "pubsub-init", "token"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, reconcileCmd.Flags().Lookup("baseline"))
	assert.NotNil(t, matchCmd.Flags().Lookup("amount-tolerance"))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("API_SECRET", "cli-secret")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--business", "biz-1", "--user", "auditor"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil); businessId = ""; userName = "reconctl" })
	require.NoError(t, rootCmd.Execute())

	claims, err := utils.JwtValidate(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, "biz-1", claims.BusinessId)
	assert.Equal(t, "auditor", claims.UserName)
}

func mustAmount(t *testing.T, s string) utils.Amount {
	t.Helper()
	d, err := utils.ParseAmount(s)
	require.NoError(t, err)
	return utils.Amount{Decimal: d}
}
