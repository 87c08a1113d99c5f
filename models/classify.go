package models

import (
	"context"
	"errors"
	"sort"

	"github.com/mmdatafocus/vat_reconciliation/classifier"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ClassifyReport struct {
	SourceFileId      int `json:"source_file_id"`
	Rows              int `json:"rows"`
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	Removed           int `json:"removed"`
	RulesApplied      int `json:"rules_applied"`
	UserOverridesKept int `json:"user_overrides_kept"`
}

func validateRawRows(file *SourceFile, rows []classifier.RawRow) error {
	seen := make(map[int]bool, len(rows))
	for i := range rows {
		r := &rows[i]
		if r.SourceType == "" {
			r.SourceType = file.SourceType
		}
		if r.SourceType != file.SourceType {
			return reconcile.Validationf("row %d: source type %q does not match file %d (%s)", r.RowIndex, r.SourceType, file.ID, file.SourceType)
		}
		if r.RowIndex < 0 {
			return reconcile.Validationf("row index must be >= 0, got %d", r.RowIndex)
		}
		if seen[r.RowIndex] {
			return reconcile.Validationf("duplicate row index %d", r.RowIndex)
		}
		seen[r.RowIndex] = true
	}
	return nil
}

// ClassifySourceFile classifies one file's rows and stores them as the session's
// transactions for that file, replacing what an earlier ingest of the file wrote.
// Rows keep their id across re-ingest (keyed by row index) so anomaly dispositions
// and user overrides survive. Earlier match and summary snapshots are dropped.
func ClassifySourceFile(ctx context.Context, sessionId, sourceFileId int, rows []classifier.RawRow, c classifier.Classifier) (*ClassifyReport, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, reconcile.Validationf("classifier is required")
	}
	file, err := utils.FetchModel[SourceFile](ctx, nil, businessId, sourceFileId)
	if errors.Is(err, utils.ErrorRecordNotFound) || (err == nil && file.SessionId != sessionId) {
		return nil, reconcile.NotFoundf("source file %d not found in session %d", sourceFileId, sessionId)
	}
	if err != nil {
		return nil, err
	}
	if err := validateRawRows(file, rows); err != nil {
		return nil, reconcile.WithSession(err, sessionId, reconcile.RunStageClassify)
	}
	settings, err := engineSettings()
	if err != nil {
		return nil, err
	}
	vat := settings.DetectorConfig(nil)

	// classification happens outside the run slot; it may call a remote model
	rules, err := activeRules(ctx, businessId)
	if err != nil {
		return nil, err
	}
	classified, err := c.Classify(ctx, rows, rules)
	if err == nil && len(classified) != len(rows) {
		err = errors.New("classifier returned a short batch")
	}
	if err != nil {
		return nil, &reconcile.Error{Kind: reconcile.ErrorKindDependency, SessionId: sessionId, Stage: reconcile.RunStageClassify, Msg: "classification failed", Err: err}
	}

	report := &ClassifyReport{SourceFileId: file.ID, Rows: len(rows)}
	err = runStage(ctx, sessionId, reconcile.RunStageClassify, func(ctx context.Context, tx *gorm.DB, run *stageRun) error {
		var existing []*Transaction
		if err := tx.WithContext(ctx).
			Where("business_id = ? AND session_id = ? AND source_file_id = ?", businessId, sessionId, file.ID).
			Find(&existing).Error; err != nil {
			return err
		}
		byIndex := make(map[int]*Transaction, len(existing))
		for _, t := range existing {
			byIndex[t.RowIndex] = t
		}

		var inserts []*Transaction
		for i, raw := range rows {
			cls := classified[i]
			row := &Transaction{
				BusinessId:           businessId,
				SessionId:            sessionId,
				SourceFileId:         file.ID,
				RowIndex:             raw.RowIndex,
				SourceType:           raw.SourceType,
				Date:                 raw.Date,
				Description:          raw.Description,
				Amount:               raw.Amount,
				VatType:              cls.VatType,
				Category:             cls.Category,
				Tin:                  raw.Tin,
				Confidence:           cls.Confidence,
				ClassificationSource: cls.Source,
				MatchStatus:          reconcile.MatchStatusUnmatched,
			}
			// a row keeps its id, and with it any anomaly disposition, only
			// while it still carries the same record
			prev, ok := byIndex[raw.RowIndex]
			ok = ok && reconcile.SameRecord(prev.Engine(), row.Engine())
			if ok {
				delete(byIndex, raw.RowIndex)
				row.ID = prev.ID
				if prev.MatchStatus == reconcile.MatchStatusManual {
					row.MatchGroupId = prev.MatchGroupId
					row.MatchStatus = prev.MatchStatus
				}
				if prev.ClassificationSource == reconcile.ClassificationSourceUserOverride {
					row.VatType = prev.VatType
					row.Category = prev.Category
					row.Tin = prev.Tin
					row.Confidence = prev.Confidence
					row.ClassificationSource = prev.ClassificationSource
					report.UserOverridesKept++
				}
			}

			engine := row.Engine()
			if applied := reconcile.ApplyRules(&engine, rules); len(applied) > 0 {
				row.VatType = engine.VatType
				row.Category = engine.Category
				row.Tin = engine.Tin
				row.Confidence = engine.Confidence
				row.ClassificationSource = engine.ClassificationSource
				report.RulesApplied++
			}
			if raw.VatAmount != nil {
				row.VatAmount = *raw.VatAmount
			} else {
				row.VatAmount = vat.ExpectedVat(row.Engine()).Round(4)
			}

			if !ok {
				inserts = append(inserts, row)
				continue
			}
			if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"source_type":           row.SourceType,
				"date":                  row.Date,
				"description":           row.Description,
				"amount":                row.Amount,
				"vat_amount":            row.VatAmount,
				"vat_type":              row.VatType,
				"category":              row.Category,
				"tin":                   row.Tin,
				"confidence":            row.Confidence,
				"classification_source": row.ClassificationSource,
			}).Error; err != nil {
				return err
			}
			report.Updated++
		}
		if len(byIndex) > 0 {
			gone := make([]int, 0, len(byIndex))
			for _, t := range byIndex {
				gone = append(gone, t.ID)
				if t.MatchStatus == reconcile.MatchStatusManual && t.MatchGroupId != nil {
					if err := unpairGroup(ctx, tx, run, *t.MatchGroupId); err != nil {
						return err
					}
				}
			}
			sort.Ints(gone)
			if err := deleteOpenAnomaliesFor(ctx, tx, businessId, sessionId, gone); err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, gone).Delete(&Transaction{}).Error; err != nil {
				return err
			}
			report.Removed = len(gone)
		}

		// stale rows go first; a replacement may reuse their row index
		if len(inserts) > 0 {
			if err := tx.WithContext(ctx).CreateInBatches(inserts, 500).Error; err != nil {
				return err
			}
			report.Inserted = len(inserts)
		}

		// automatic pairs across the whole session are stale once any file changes
		if err := tx.WithContext(ctx).Model(&Transaction{}).
			Where("business_id = ? AND session_id = ? AND match_status <> ?", businessId, sessionId, reconcile.MatchStatusManual).
			Updates(map[string]interface{}{"match_group_id": nil, "match_status": reconcile.MatchStatusUnmatched}).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&SourceFile{}).Where("id = ?", file.ID).Update("row_count", len(rows)).Error; err != nil {
			return err
		}
		run.set("match_snapshot", nil)
		run.set("summary_snapshot", nil)
		run.set("comparison_snapshot", nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	utils.ClearCache(ctx, utils.SessionSummaryCacheKey(businessId, sessionId))
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "ClassifySourceFile",
		"business_id":    businessId,
		"session_id":     sessionId,
		"source_file_id": file.ID,
		"inserted":       report.Inserted,
		"updated":        report.Updated,
		"removed":        report.Removed,
		"rules_applied":  report.RulesApplied,
	}).Info("source file classified")
	return report, nil
}
