package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/mmdatafocus/vat_reconciliation/workflow"
	"github.com/spf13/cobra"
)

var (
	sessionId         int
	amountTolerance   string
	dateToleranceDays int
	baselinePath      string
	compareTolerance  string
	analyzeAll        bool
)

func init() {
	for _, cmd := range []*cobra.Command{matchCmd, aggregateCmd, detectCmd, reconcileCmd} {
		cmd.Flags().IntVar(&sessionId, "session", 0, "reconciliation session id")
		_ = cmd.MarkFlagRequired("session")
	}
	for _, cmd := range []*cobra.Command{matchCmd, reconcileCmd} {
		cmd.Flags().StringVar(&amountTolerance, "amount-tolerance", "", "match amount tolerance (default from env)")
		cmd.Flags().IntVar(&dateToleranceDays, "date-tolerance-days", -1, "match date tolerance in days (default from env)")
	}
	reconcileCmd.Flags().StringVar(&baselinePath, "baseline", "", "JSON file of tax line to amount")
	reconcileCmd.Flags().StringVar(&compareTolerance, "compare-tolerance", "", "baseline comparison tolerance")
	analyzeCmd.Flags().BoolVar(&analyzeAll, "all", false, "analyze every business with recent corrections")

	rootCmd.AddCommand(migrateCmd, matchCmd, aggregateCmd, detectCmd, reconcileCmd, analyzeCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the reconciliation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connect(); err != nil {
			return err
		}
		if err := models.MigrateTable(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func matchRequestFromFlags() (models.MatchRequest, error) {
	var req models.MatchRequest
	if amountTolerance != "" {
		d, err := utils.ParseAmount(amountTolerance)
		if err != nil {
			return req, err
		}
		req.AmountTolerance = &utils.Amount{Decimal: d}
	}
	if dateToleranceDays >= 0 {
		days := dateToleranceDays
		req.DateToleranceDays = &days
	}
	return req, nil
}

func readBaseline(path string) (map[string]utils.Amount, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var baseline map[string]utils.Amount
	if err := json.Unmarshal(raw, &baseline); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	return baseline, nil
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Pair ledger rows with bank rows for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := businessContext(cmd.Context())
		if err != nil {
			return err
		}
		req, err := matchRequestFromFlags()
		if err != nil {
			return err
		}
		if err := connect(); err != nil {
			return err
		}
		result, err := models.MatchSession(ctx, sessionId, &req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute the VAT summary for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := businessContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := connect(); err != nil {
			return err
		}
		summary, err := models.AggregateSession(ctx, sessionId)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := businessContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := connect(); err != nil {
			return err
		}
		report, err := models.DetectSessionAnomalies(ctx, sessionId)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run match, aggregate, compare and detect for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := businessContext(cmd.Context())
		if err != nil {
			return err
		}
		matchReq, err := matchRequestFromFlags()
		if err != nil {
			return err
		}
		req := models.ReconcileRequest{MatchRequest: matchReq}
		if req.Baseline, err = readBaseline(baselinePath); err != nil {
			return err
		}
		if compareTolerance != "" {
			d, err := utils.ParseAmount(compareTolerance)
			if err != nil {
				return err
			}
			req.CompareTolerance = &utils.Amount{Decimal: d}
		}
		if err := connect(); err != nil {
			return err
		}
		report, err := models.RunReconciliation(ctx, sessionId, &req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Turn corroborated corrections into rule candidates",
	Long: `Analyze recent corrections and upsert rule candidates. New rules stay
inactive until an operator enables them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connect(); err != nil {
			return err
		}
		if analyzeAll {
			settings, err := config.GetEngineSettings()
			if err != nil {
				return err
			}
			scheduler, err := workflow.NewLearningScheduler(time.Minute, settings.RuleLookback, config.GetLogger())
			if err != nil {
				return err
			}
			analyzed := scheduler.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d businesses\n", analyzed)
			return nil
		}
		ctx, err := businessContext(cmd.Context())
		if err != nil {
			return err
		}
		res, err := workflow.AnalyzeCorrections(ctx, businessId, workflow.AnalyzeFilter{})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}
