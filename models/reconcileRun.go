package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MatchRequest struct {
	AmountTolerance   *utils.Amount `json:"amount_tolerance" validate:"omitempty,decimal_gte0"`
	DateToleranceDays *int          `json:"date_tolerance_days" validate:"omitempty,gte=0"`
}

type CompareRequest struct {
	Baseline  map[string]utils.Amount `json:"baseline"`
	Tolerance *utils.Amount           `json:"tolerance" validate:"omitempty,decimal_gte0"`
}

// ReconcileRequest drives a full run. Comparison is skipped without a baseline.
type ReconcileRequest struct {
	MatchRequest
	Baseline         map[string]utils.Amount `json:"baseline"`
	CompareTolerance *utils.Amount           `json:"compare_tolerance" validate:"omitempty,decimal_gte0"`
}

type DetectionReport struct {
	Anomalies  []*Anomaly `json:"anomalies"`
	Created    int        `json:"created"`
	Refreshed  int        `json:"refreshed"`
	Removed    int        `json:"removed"`
	Suppressed int        `json:"suppressed"`
}

type ReconcileReport struct {
	Match      *reconcile.MatchResult `json:"match_result"`
	Summary    *reconcile.VatSummary  `json:"vat_summary"`
	Comparison *reconcile.Comparison  `json:"comparison,omitempty"`
	Detection  *DetectionReport       `json:"detection"`
}

func (r *MatchRequest) options(settings config.EngineSettings, scope string) (reconcile.MatchOptions, error) {
	opts := settings.MatchOptions(scope)
	if r != nil {
		if err := utils.ValidateStruct(r); err != nil {
			return opts, err
		}
		if r.AmountTolerance != nil {
			opts.AmountTolerance = r.AmountTolerance.Decimal
		}
		if r.DateToleranceDays != nil {
			opts.DateToleranceDays = *r.DateToleranceDays
		}
	}
	return opts, opts.Validate()
}

func parseBaseline(raw map[string]utils.Amount) (map[reconcile.TaxLine]decimal.Decimal, map[string]decimal.Decimal, error) {
	plain := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		plain[k] = v.Decimal
	}
	lines, err := reconcile.ParseBaseline(plain)
	return lines, plain, err
}

func compareTolerance(settings config.EngineSettings, override *utils.Amount) (decimal.Decimal, error) {
	tol := settings.CompareTolerance
	if override != nil {
		tol = override.Decimal
	}
	if tol.IsNegative() {
		return tol, reconcile.Validationf("compare tolerance must be >= 0, got %s", tol.String())
	}
	return tol, nil
}

func splitRows(rows []*Transaction) (all, ledger, bank []reconcile.Transaction) {
	all = engineRows(rows)
	for _, t := range all {
		if t.SourceType.IsLedger() {
			ledger = append(ledger, t)
		} else {
			bank = append(bank, t)
		}
	}
	return all, ledger, bank
}

// matchInTx runs the Matcher and writes match_group_id/match_status back. Manual
// pairs are never touched.
func matchInTx(ctx context.Context, tx *gorm.DB, run *stageRun, rows []*Transaction, opts reconcile.MatchOptions) (*reconcile.MatchResult, error) {
	_, ledger, bank := splitRows(rows)
	result, err := reconcile.Match(ledger, bank, opts)
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Transaction{}).
		Where("business_id = ? AND session_id = ? AND match_status <> ?", run.BusinessId, run.Session.ID, reconcile.MatchStatusManual).
		Updates(map[string]interface{}{"match_group_id": nil, "match_status": reconcile.MatchStatusUnmatched}).Error; err != nil {
		return nil, err
	}
	for _, g := range result.MatchedPairs {
		if err := tx.WithContext(ctx).Model(&Transaction{}).
			Where("business_id = ? AND session_id = ? AND id IN ? AND match_status <> ?", run.BusinessId, run.Session.ID, []int{g.LedgerId, g.BankId}, reconcile.MatchStatusManual).
			Updates(map[string]interface{}{"match_group_id": g.GroupId, "match_status": g.Status}).Error; err != nil {
			return nil, err
		}
	}
	byId := make(map[int]*Transaction, len(rows))
	for _, r := range rows {
		byId[r.ID] = r
	}
	for _, a := range result.Assignments {
		if r, ok := byId[a.TransactionId]; ok {
			r.MatchGroupId = a.MatchGroupId
			r.MatchStatus = a.MatchStatus
		}
	}
	snapshot, err := toJSON(result)
	if err != nil {
		return nil, err
	}
	run.set("match_snapshot", snapshot)
	config.GetMetrics().MatchRate.Observe(result.MatchRate)
	return result, nil
}

func aggregateInTx(run *stageRun, rows []*Transaction) (*reconcile.VatSummary, error) {
	summary, err := reconcile.Aggregate(engineRows(rows))
	if err != nil {
		return nil, err
	}
	snapshot, err := toJSON(summary)
	if err != nil {
		return nil, err
	}
	run.set("summary_snapshot", snapshot)
	return summary, nil
}

func compareInTx(run *stageRun, summary *reconcile.VatSummary, baseline map[reconcile.TaxLine]decimal.Decimal, raw map[string]decimal.Decimal, tol decimal.Decimal) (*reconcile.Comparison, error) {
	cmp, err := reconcile.Compare(summary, baseline, tol)
	if err != nil {
		return nil, err
	}
	snapshot, err := toJSON(cmp)
	if err != nil {
		return nil, err
	}
	stored, err := toJSON(raw)
	if err != nil {
		return nil, err
	}
	run.set("comparison_snapshot", snapshot)
	run.set("baseline", stored)
	return cmp, nil
}

func detectInTx(ctx context.Context, tx *gorm.DB, run *stageRun, rows []*Transaction, match *reconcile.MatchResult, settings config.EngineSettings) (*DetectionReport, error) {
	period, err := run.Session.FiscalPeriod()
	if err != nil {
		return nil, err
	}
	cfg := settings.DetectorConfig(&period)
	findings, err := reconcile.Detect(engineRows(rows), match, cfg)
	if err != nil {
		return nil, err
	}
	stored, err := loadSessionAnomalies(ctx, tx, run.BusinessId, run.Session.ID)
	if err != nil {
		return nil, err
	}
	existing := make([]reconcile.ExistingAnomaly, 0, len(stored))
	for _, a := range stored {
		existing = append(existing, a.existing())
	}
	plan := reconcile.PlanDetection(findings, existing, cfg)
	open, err := applyDetectionPlan(ctx, tx, run.BusinessId, run.Session.ID, plan)
	if err != nil {
		return nil, err
	}
	for _, f := range plan.Create {
		config.GetMetrics().AnomaliesCreatedTotal.WithLabelValues(string(f.Type)).Inc()
	}
	return &DetectionReport{
		Anomalies:  open,
		Created:    len(plan.Create),
		Refreshed:  len(plan.Refresh),
		Removed:    len(plan.Remove),
		Suppressed: len(plan.Suppressed),
	}, nil
}

// storedMatch is the last persisted match result, or nil when the session was never matched.
func storedMatch(session *ReconciliationSession) (*reconcile.MatchResult, error) {
	var match reconcile.MatchResult
	ok, err := fromJSON(session.MatchSnapshot, &match)
	if err != nil || !ok {
		return nil, err
	}
	return &match, nil
}

// MatchSession pairs the session's ledger rows against its bank rows and replaces
// the stored match snapshot.
func MatchSession(ctx context.Context, sessionId int, req *MatchRequest) (*reconcile.MatchResult, error) {
	settings, err := engineSettings()
	if err != nil {
		return nil, err
	}
	if _, err := req.options(settings, ""); err != nil {
		return nil, err
	}
	var result *reconcile.MatchResult
	err = runStage(ctx, sessionId, reconcile.RunStageMatch, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		opts, err := req.options(settings, run.Session.MatchScope())
		if err != nil {
			return err
		}
		rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
		if err != nil {
			return err
		}
		result, err = matchInTx(ctx, tx, run, rows, opts)
		return err
	})
	return result, err
}

// AggregateSession recomputes and stores the session's VatSummary.
func AggregateSession(ctx context.Context, sessionId int) (*reconcile.VatSummary, error) {
	var summary *reconcile.VatSummary
	var businessId string
	err := runStage(ctx, sessionId, reconcile.RunStageAggregate, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		businessId = run.BusinessId
		rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
		if err != nil {
			return err
		}
		summary, err = aggregateInTx(run, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	utils.StoreCache(ctx, utils.SessionSummaryCacheKey(businessId, sessionId), summary)
	return summary, nil
}

// GetSessionSummary reads the last stored VatSummary, through the cache.
func GetSessionSummary(ctx context.Context, sessionId int) (*reconcile.VatSummary, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	cacheKey := utils.SessionSummaryCacheKey(businessId, sessionId)
	if cached := utils.RetrieveCache[reconcile.VatSummary](ctx, cacheKey); cached != nil {
		return cached, nil
	}
	session, err := getSession(ctx, config.GetDB(), businessId, sessionId)
	if err != nil {
		return nil, err
	}
	var summary reconcile.VatSummary
	ok, err := fromJSON(session.SummarySnapshot, &summary)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &reconcile.Error{Kind: reconcile.ErrorKindNotFound, SessionId: sessionId, Stage: reconcile.RunStageAggregate, Msg: "session has not been aggregated"}
	}
	utils.StoreCache(ctx, cacheKey, summary)
	return &summary, nil
}

// CompareSession aggregates the current rows and diffs them against the declared baseline.
func CompareSession(ctx context.Context, sessionId int, req *CompareRequest) (*reconcile.Comparison, error) {
	if req == nil {
		return nil, reconcile.Validationf("baseline is required")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	settings, err := engineSettings()
	if err != nil {
		return nil, err
	}
	tol, err := compareTolerance(settings, req.Tolerance)
	if err != nil {
		return nil, err
	}
	baseline, raw, err := parseBaseline(req.Baseline)
	if err != nil {
		return nil, err
	}

	var cmp *reconcile.Comparison
	var summary *reconcile.VatSummary
	var businessId string
	err = runStage(ctx, sessionId, reconcile.RunStageCompare, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		businessId = run.BusinessId
		rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
		if err != nil {
			return err
		}
		if summary, err = aggregateInTx(run, rows); err != nil {
			return err
		}
		cmp, err = compareInTx(run, summary, baseline, raw, tol)
		return err
	})
	if err != nil {
		return nil, err
	}
	utils.StoreCache(ctx, utils.SessionSummaryCacheKey(businessId, sessionId), summary)
	return cmp, nil
}

// DetectSessionAnomalies reruns every enabled check. Dispositioned anomalies are
// left alone and never recreated.
func DetectSessionAnomalies(ctx context.Context, sessionId int) (*DetectionReport, error) {
	settings, err := engineSettings()
	if err != nil {
		return nil, err
	}
	var report *DetectionReport
	err = runStage(ctx, sessionId, reconcile.RunStageDetect, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
		if err != nil {
			return err
		}
		match, err := storedMatch(run.Session)
		if err != nil {
			return err
		}
		report, err = detectInTx(ctx, tx, run, rows, match, settings)
		return err
	})
	return report, err
}

// RunReconciliation is match, aggregate, compare and detect committed together.
func RunReconciliation(ctx context.Context, sessionId int, req *ReconcileRequest) (*ReconcileReport, error) {
	if req == nil {
		req = &ReconcileRequest{}
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	settings, err := engineSettings()
	if err != nil {
		return nil, err
	}
	if _, err := req.MatchRequest.options(settings, ""); err != nil {
		return nil, err
	}
	tol, err := compareTolerance(settings, req.CompareTolerance)
	if err != nil {
		return nil, err
	}
	var baseline map[reconcile.TaxLine]decimal.Decimal
	var raw map[string]decimal.Decimal
	if req.Baseline != nil {
		if baseline, raw, err = parseBaseline(req.Baseline); err != nil {
			return nil, err
		}
	}

	report := &ReconcileReport{}
	var businessId string
	err = runStage(ctx, sessionId, reconcile.RunStageReconcile, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		businessId = run.BusinessId
		opts, err := req.MatchRequest.options(settings, run.Session.MatchScope())
		if err != nil {
			return err
		}
		rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
		if err != nil {
			return err
		}
		if report.Match, err = matchInTx(ctx, tx, run, rows, opts); err != nil {
			return err
		}
		if report.Summary, err = aggregateInTx(run, rows); err != nil {
			return err
		}
		if baseline != nil {
			if report.Comparison, err = compareInTx(run, report.Summary, baseline, raw, tol); err != nil {
				return err
			}
		}
		report.Detection, err = detectInTx(ctx, tx, run, rows, report.Match, settings)
		return err
	})
	if err != nil {
		return nil, err
	}
	utils.StoreCache(ctx, utils.SessionSummaryCacheKey(businessId, sessionId), report.Summary)
	return report, nil
}

func lockSessionRow(ctx context.Context, tx *gorm.DB, businessId string, sessionId, transactionId int) (*Transaction, error) {
	var row Transaction
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		First(&row, transactionId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reconcile.NotFoundf("transaction %d not found in session %d", transactionId, sessionId)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// unpairGroup sets every row of an automatic or manual group back to unmatched.
func unpairGroup(ctx context.Context, tx *gorm.DB, run *stageRun, groupId string) error {
	return tx.WithContext(ctx).Model(&Transaction{}).
		Where("business_id = ? AND session_id = ? AND match_group_id = ?", run.BusinessId, run.Session.ID, groupId).
		Updates(map[string]interface{}{"match_group_id": nil, "match_status": reconcile.MatchStatusUnmatched}).Error
}

// refreshMatchSnapshot rebuilds the stored match result from the rows' current pairing,
// keeping the tolerances of the last Matcher run.
func refreshMatchSnapshot(ctx context.Context, tx *gorm.DB, run *stageRun) (*reconcile.MatchResult, error) {
	rows, err := loadSessionTransactions(ctx, tx, run.BusinessId, run.Session.ID)
	if err != nil {
		return nil, err
	}
	_, ledger, bank := splitRows(rows)
	result := reconcile.MatchResultFromAssignments(ledger, bank)
	if prev, err := storedMatch(run.Session); err == nil && prev != nil {
		result.Options = prev.Options
	}
	snapshot, err := toJSON(result)
	if err != nil {
		return nil, err
	}
	run.set("match_snapshot", snapshot)
	return result, nil
}

// ForceMatch pairs a ledger row with a bank row by hand. Any automatic pairing
// either row was in is dissolved. The Matcher never overwrites the result.
func ForceMatch(ctx context.Context, sessionId, ledgerId, bankId int) (*reconcile.MatchResult, error) {
	if ledgerId == bankId {
		return nil, reconcile.Validationf("cannot pair a transaction with itself")
	}
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	// Unknown ids fail here, before the session run slot is taken.
	if err := utils.ValidateResourcesId[Transaction](ctx, businessId, []int{ledgerId, bankId}); err != nil {
		return nil, err
	}
	var result *reconcile.MatchResult
	err = runStage(ctx, sessionId, reconcile.RunStageMatch, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		ledger, err := lockSessionRow(ctx, tx, run.BusinessId, run.Session.ID, ledgerId)
		if err != nil {
			return err
		}
		bank, err := lockSessionRow(ctx, tx, run.BusinessId, run.Session.ID, bankId)
		if err != nil {
			return err
		}
		if !ledger.SourceType.IsLedger() {
			return reconcile.Validationf("transaction %d (%s) is not a ledger record", ledger.ID, ledger.SourceType)
		}
		if bank.SourceType != reconcile.SourceTypeBankStatement {
			return reconcile.Validationf("transaction %d (%s) is not a bank entry", bank.ID, bank.SourceType)
		}
		for _, r := range []*Transaction{ledger, bank} {
			if r.MatchStatus == reconcile.MatchStatusManual {
				return reconcile.Validationf("transaction %d is already paired manually", r.ID)
			}
			if r.MatchGroupId != nil {
				if err := unpairGroup(ctx, tx, run, *r.MatchGroupId); err != nil {
					return err
				}
			}
		}
		groupId := reconcile.ManualGroupId(run.Session.MatchScope(), ledger.ID, bank.ID)
		if err := tx.WithContext(ctx).Model(&Transaction{}).
			Where("business_id = ? AND session_id = ? AND id IN ?", run.BusinessId, run.Session.ID, []int{ledger.ID, bank.ID}).
			Updates(map[string]interface{}{"match_group_id": groupId, "match_status": reconcile.MatchStatusManual}).Error; err != nil {
			return err
		}
		result, err = refreshMatchSnapshot(ctx, tx, run)
		return err
	})
	return result, err
}

// Unpair dissolves a manual pair. Both rows go back to the Matcher's pools.
func Unpair(ctx context.Context, sessionId, transactionId int) (*reconcile.MatchResult, error) {
	var result *reconcile.MatchResult
	err := runStage(ctx, sessionId, reconcile.RunStageMatch, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		row, err := lockSessionRow(ctx, tx, run.BusinessId, run.Session.ID, transactionId)
		if err != nil {
			return err
		}
		if row.MatchStatus != reconcile.MatchStatusManual || row.MatchGroupId == nil {
			return reconcile.Validationf("transaction %d is not paired manually", row.ID)
		}
		if err := unpairGroup(ctx, tx, run, *row.MatchGroupId); err != nil {
			return err
		}
		result, err = refreshMatchSnapshot(ctx, tx, run)
		return err
	})
	return result, err
}
