package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/classifier"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(offlineCmd)
}

var offlineCmd = &cobra.Command{
	Use:   "offline <fixture.json>",
	Short: "Run the engine over a JSON fixture without a database",
	Long: `Run classify, match, aggregate, compare and detect over rows in a JSON file.
Tolerances and detector settings come from the same env vars as the server.

Fixture shape:
  {"period": "2024-03",
   "rows": [{"id": 1, "source_type": "sales_record", "date": "2024-03-05",
             "amount": "1,120.00", "vat_type": "vatable", "category": "sale"}],
   "baseline": {"vatable_sales": "1000.00"}}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read fixture: %w", err)
		}
		var fx offlineFixture
		if err := json.Unmarshal(raw, &fx); err != nil {
			return fmt.Errorf("parse fixture: %w", err)
		}
		settings, err := config.GetEngineSettings()
		if err != nil {
			return err
		}
		report, err := runOffline(cmd.Context(), fx, settings)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

type offlineRow struct {
	ID          int                  `json:"id"`
	SourceType  reconcile.SourceType `json:"source_type"`
	Date        string               `json:"date"`
	Description *string              `json:"description"`
	Amount      utils.Amount         `json:"amount"`
	VatAmount   *utils.Amount        `json:"vat_amount"`
	VatType     reconcile.VatType    `json:"vat_type"`
	Category    reconcile.Category   `json:"category"`
	Tin         *string              `json:"tin"`
}

type offlineFixture struct {
	Period           string                  `json:"period"`
	Rows             []offlineRow            `json:"rows"`
	Baseline         map[string]utils.Amount `json:"baseline"`
	CompareTolerance *utils.Amount           `json:"compare_tolerance"`
}

type offlineReport struct {
	Transactions []reconcile.Transaction `json:"transactions"`
	Match        *reconcile.MatchResult  `json:"match"`
	Summary      *reconcile.VatSummary   `json:"summary"`
	Comparison   *reconcile.Comparison   `json:"comparison,omitempty"`
	Anomalies    []reconcile.Finding     `json:"anomalies"`
}

// offlineTransactions turns fixture rows into engine transactions. Rows without a
// vat_type or category go through the rule-based classifier.
func offlineTransactions(ctx context.Context, rows []offlineRow, vat reconcile.DetectorConfig) ([]reconcile.Transaction, error) {
	txns := make([]reconcile.Transaction, 0, len(rows))
	var pending []classifier.RawRow
	pendingAt := map[int]int{}
	for i, r := range rows {
		if r.ID <= 0 {
			return nil, reconcile.Validationf("row %d: id must be positive", i)
		}
		date, err := offlineDate(r.Date)
		if err != nil {
			return nil, reconcile.Validationf("row %d: %v", r.ID, err)
		}
		t := reconcile.Transaction{
			ID:                   r.ID,
			SourceType:           r.SourceType,
			RowIndex:             i,
			Date:                 date,
			Description:          r.Description,
			Amount:               r.Amount.Decimal,
			VatType:              r.VatType,
			Category:             r.Category,
			Tin:                  r.Tin,
			Confidence:           1,
			ClassificationSource: reconcile.ClassificationSourceUserOverride,
			MatchStatus:          reconcile.MatchStatusUnmatched,
		}
		if t.VatType == "" || t.Category == "" {
			pendingAt[i] = len(pending)
			pending = append(pending, classifier.RawRow{
				SourceType:  r.SourceType,
				RowIndex:    i,
				Date:        date,
				Description: r.Description,
				Amount:      r.Amount.Decimal,
				Tin:         r.Tin,
			})
		}
		txns = append(txns, t)
	}

	if len(pending) > 0 {
		out, err := classifier.RuleBased{}.Classify(ctx, pending, nil)
		if err != nil {
			return nil, err
		}
		for i, at := range pendingAt {
			cls := out[at]
			txns[i].VatType = cls.VatType
			txns[i].Category = cls.Category
			txns[i].Confidence = cls.Confidence
			txns[i].ClassificationSource = cls.Source
		}
	}

	for i, r := range rows {
		if err := txns[i].Validate(); err != nil {
			return nil, err
		}
		if r.VatAmount != nil {
			txns[i].VatAmount = r.VatAmount.Decimal
		} else {
			txns[i].VatAmount = vat.ExpectedVat(txns[i]).Round(4)
		}
	}
	return txns, nil
}

func offlineDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", raw)
	}
	return &t, nil
}

func runOffline(ctx context.Context, fx offlineFixture, settings config.EngineSettings) (*offlineReport, error) {
	var period *reconcile.FiscalPeriod
	if fx.Period != "" {
		p, err := reconcile.ParsePeriod(fx.Period)
		if err != nil {
			return nil, err
		}
		period = &p
	}
	detector := settings.DetectorConfig(period)

	txns, err := offlineTransactions(ctx, fx.Rows, detector)
	if err != nil {
		return nil, err
	}

	ledger, bank := reconcile.SplitSides(txns)
	match, err := reconcile.Match(ledger, bank, settings.MatchOptions("offline/"+fx.Period))
	if err != nil {
		return nil, err
	}
	byId := make(map[int]int, len(txns))
	for i, t := range txns {
		byId[t.ID] = i
	}
	for _, a := range match.Assignments {
		if i, ok := byId[a.TransactionId]; ok {
			txns[i].MatchGroupId = a.MatchGroupId
			txns[i].MatchStatus = a.MatchStatus
		}
	}

	summary, err := reconcile.Aggregate(txns)
	if err != nil {
		return nil, err
	}
	report := &offlineReport{Transactions: txns, Match: match, Summary: summary}

	if len(fx.Baseline) > 0 {
		raw := make(map[string]decimal.Decimal, len(fx.Baseline))
		for k, v := range fx.Baseline {
			raw[k] = v.Decimal
		}
		baseline, err := reconcile.ParseBaseline(raw)
		if err != nil {
			return nil, err
		}
		tolerance := settings.CompareTolerance
		if fx.CompareTolerance != nil {
			tolerance = fx.CompareTolerance.Decimal
		}
		if report.Comparison, err = reconcile.Compare(summary, baseline, tolerance); err != nil {
			return nil, err
		}
	}

	findings, err := reconcile.Detect(txns, match, detector)
	if err != nil {
		return nil, err
	}
	report.Anomalies = findings
	return report, nil
}
