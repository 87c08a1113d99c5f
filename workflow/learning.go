package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AnalyzeFilter struct {
	EntityType *reconcile.CorrectionEntityType `json:"entity_type"`
	FieldName  *string                         `json:"field_name"`
	// Since defaults to the configured lookback window.
	Since *time.Time `json:"since"`
}

type AnalyzeResult struct {
	BusinessId  string                   `json:"business_id"`
	Corrections int                      `json:"corrections"`
	Candidates  int                      `json:"candidates"`
	Created     int                      `json:"created"`
	Updated     int                      `json:"updated"`
	Unchanged   int                      `json:"unchanged"`
	Rules       []*models.CorrectionRule `json:"rules"`
}

// settingsSource is swapped in tests.
var settingsSource = config.GetEngineSettings

// AnalyzeCorrections turns corroborated corrections into rules for one business.
// Each rule key is written under its own advisory lock and row lock, so concurrent
// analyses of the same key serialize and never create a second rule. Rerunning over
// the same corrections changes nothing.
func AnalyzeCorrections(ctx context.Context, businessId string, filter AnalyzeFilter) (*AnalyzeResult, error) {
	if businessId == "" {
		return nil, reconcile.Validationf("business id is required")
	}
	settings, err := settingsSource()
	if err != nil {
		return nil, err
	}
	opts := settings.LearningOptions()
	since := time.Now().UTC().Add(-settings.RuleLookback)
	if filter.Since != nil {
		since = *filter.Since
	}

	records, err := models.CorrectionRecordsSince(ctx, businessId, since, filter.EntityType, filter.FieldName)
	if err != nil {
		return nil, err
	}
	candidates, err := reconcile.DeriveRuleCandidates(records, opts)
	if err != nil {
		return nil, err
	}

	result := &AnalyzeResult{BusinessId: businessId, Corrections: len(records), Candidates: len(candidates)}
	db := config.GetDB()
	metrics := config.GetMetrics()
	for _, c := range candidates {
		var action string
		var rule *models.CorrectionRule
		err := withRuleKeyLock(ctx, db, businessId, c.Key, func(conn *gorm.DB) error {
			return conn.Transaction(func(tx *gorm.DB) error {
				var err error
				action, rule, err = models.UpsertRuleCandidate(ctx, tx, businessId, c, opts.ConfidenceCap)
				return err
			})
		})
		if err != nil {
			config.LogError(config.GetLogger(), "Learning.go", "AnalyzeCorrections", "upsert rule "+c.Key.String(), businessId, err)
			return nil, err
		}
		metrics.RulesUpsertedTotal.WithLabelValues(action).Inc()
		switch action {
		case models.RuleActionCreated:
			result.Created++
		case models.RuleActionUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		result.Rules = append(result.Rules, rule)
	}
	if result.Created+result.Updated > 0 {
		models.InvalidateActiveRules(ctx, businessId)
	}

	config.GetLogger().WithFields(logrus.Fields{
		"field":       "AnalyzeCorrections",
		"business_id": businessId,
		"corrections": result.Corrections,
		"candidates":  result.Candidates,
		"created":     result.Created,
		"updated":     result.Updated,
	}).Info("corrections analyzed")
	return result, nil
}

const correctionLearningHandler = "correction_learning"

// ProcessCorrectionMessage runs a targeted analysis for one delivered correction
// event. Redeliveries of a message that already succeeded are skipped.
func ProcessCorrectionMessage(ctx context.Context, messageId string, evt config.CorrectionEvent) (skipped bool, err error) {
	if evt.BusinessId == "" || messageId == "" {
		return false, reconcile.Validationf("message id and business id are required")
	}
	d := delivery{db: config.GetDB().WithContext(ctx), businessId: evt.BusinessId, handler: correctionLearningHandler, messageId: messageId}
	skip, err := d.begin(evt.CorrelationId)
	if err != nil {
		return false, err
	}
	if skip {
		config.GetMetrics().PubSubMessagesTotal.WithLabelValues("duplicate").Inc()
		return true, nil
	}

	filter := AnalyzeFilter{}
	if evt.EntityType != "" {
		entity, err := reconcile.ParseCorrectionEntityType(evt.EntityType)
		if err != nil {
			_ = d.fail(err)
			return false, err
		}
		filter.EntityType = &entity
	}
	if evt.FieldName != "" {
		field := evt.FieldName
		filter.FieldName = &field
	}

	if _, err := AnalyzeCorrections(ctx, evt.BusinessId, filter); err != nil {
		_ = d.fail(err)
		config.GetMetrics().PubSubMessagesTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if err := d.succeed(); err != nil {
		return false, err
	}
	config.GetMetrics().PubSubMessagesTotal.WithLabelValues("processed").Inc()
	return false, nil
}
