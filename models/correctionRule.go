package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RuleActionCreated   = "created"
	RuleActionUpdated   = "updated"
	RuleActionUnchanged = "unchanged"
)

// CorrectionRule is a learned override. One row per
// (business, entity_type, correction_field, criteria_hash).
type CorrectionRule struct {
	ID                    int                            `gorm:"primary_key" json:"id"`
	BusinessId            string                         `gorm:"size:64;not null;index:uniq_rule_key,unique,priority:1" json:"business_id"`
	RuleType              string                         `gorm:"size:60;not null" json:"rule_type"`
	EntityType            reconcile.CorrectionEntityType `gorm:"size:40;not null;index:uniq_rule_key,unique,priority:2" json:"entity_type"`
	CorrectionField       string                         `gorm:"size:60;not null;index:uniq_rule_key,unique,priority:3" json:"correction_field"`
	CriteriaHash          string                         `gorm:"size:64;not null;index:uniq_rule_key,unique,priority:4" json:"-"`
	MatchCriteria         datatypes.JSON                 `json:"match_criteria"`
	CorrectionValue       string                         `gorm:"size:255;not null" json:"correction_value"`
	Confidence            float64                        `gorm:"not null;default:0" json:"confidence"`
	SourceCorrectionCount int                            `gorm:"not null;default:0" json:"source_correction_count"`
	IsActive              bool                           `gorm:"not null;default:true;index" json:"is_active"`
	LastCorrectionId      int                            `gorm:"not null;default:0" json:"last_correction_id"`
	ToggledBy             *string                        `gorm:"size:100" json:"toggled_by"`
	ToggledAt             *time.Time                     `json:"toggled_at"`
	CreatedAt             time.Time                      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time                      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *CorrectionRule) Rule() (reconcile.Rule, error) {
	rule := reconcile.Rule{
		ID:                    r.ID,
		RuleType:              r.RuleType,
		EntityType:            r.EntityType,
		CorrectionField:       r.CorrectionField,
		CorrectionValue:       r.CorrectionValue,
		Confidence:            r.Confidence,
		SourceCorrectionCount: r.SourceCorrectionCount,
		IsActive:              r.IsActive,
	}
	_, err := fromJSON(r.MatchCriteria, &rule.Criteria)
	return rule, err
}

func (r *CorrectionRule) state() *reconcile.RuleState {
	return &reconcile.RuleState{
		CorrectionValue:       r.CorrectionValue,
		SourceCorrectionCount: r.SourceCorrectionCount,
		Confidence:            r.Confidence,
		IsActive:              r.IsActive,
	}
}

func lockRuleByKey(ctx context.Context, tx *gorm.DB, businessId string, key reconcile.RuleKey) (*CorrectionRule, error) {
	var rule CorrectionRule
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND entity_type = ? AND correction_field = ? AND criteria_hash = ?",
			businessId, key.EntityType, key.FieldName, key.CriteriaHash).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpsertRuleCandidate creates or strengthens the rule for the candidate's key inside tx.
// The caller holds the rule-key lock; the row lock covers callers that do not.
func UpsertRuleCandidate(ctx context.Context, tx *gorm.DB, businessId string, c reconcile.RuleCandidate, confidenceCap float64) (string, *CorrectionRule, error) {
	existing, err := lockRuleByKey(ctx, tx, businessId, c.Key)
	if err != nil {
		return "", nil, err
	}
	lastId := 0
	if n := len(c.CorrectionIds); n > 0 {
		lastId = c.CorrectionIds[n-1]
	}

	if existing == nil {
		criteria, err := toJSON(c.Criteria)
		if err != nil {
			return "", nil, err
		}
		next, _ := reconcile.MergeRule(nil, c, confidenceCap)
		rule := CorrectionRule{
			BusinessId:            businessId,
			RuleType:              c.RuleType,
			EntityType:            c.EntityType,
			CorrectionField:       c.CorrectionField,
			CriteriaHash:          c.Key.CriteriaHash,
			MatchCriteria:         criteria,
			CorrectionValue:       next.CorrectionValue,
			Confidence:            next.Confidence,
			SourceCorrectionCount: next.SourceCorrectionCount,
			IsActive:              next.IsActive,
			LastCorrectionId:      lastId,
		}
		err = tx.WithContext(ctx).Create(&rule).Error
		if err == nil {
			return RuleActionCreated, &rule, nil
		}
		if !IsDuplicateKey(err) {
			return "", nil, err
		}
		// another writer inserted the key first; merge into theirs
		if existing, err = lockRuleByKey(ctx, tx, businessId, c.Key); err != nil {
			return "", nil, err
		}
		if existing == nil {
			return "", nil, reconcile.Conflict(0, "", "rule "+c.Key.String()+" vanished during upsert")
		}
	}

	next, changed := reconcile.MergeRule(existing.state(), c, confidenceCap)
	if !changed && lastId <= existing.LastCorrectionId {
		return RuleActionUnchanged, existing, nil
	}
	updates := map[string]interface{}{
		"correction_value":        next.CorrectionValue,
		"source_correction_count": next.SourceCorrectionCount,
		"confidence":              next.Confidence,
	}
	if lastId > existing.LastCorrectionId {
		updates["last_correction_id"] = lastId
		existing.LastCorrectionId = lastId
	}
	// is_active is deliberately absent: only ToggleRule writes it
	if err := tx.WithContext(ctx).Model(&CorrectionRule{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return "", nil, err
	}
	existing.CorrectionValue = next.CorrectionValue
	existing.SourceCorrectionCount = next.SourceCorrectionCount
	existing.Confidence = next.Confidence
	if !changed {
		return RuleActionUnchanged, existing, nil
	}
	return RuleActionUpdated, existing, nil
}

type RuleFilter struct {
	EntityType *reconcile.CorrectionEntityType `form:"entity_type"`
	IsActive   *bool                           `form:"is_active"`
}

func ListRules(ctx context.Context, filter RuleFilter) ([]*CorrectionRule, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	q := config.GetDB().WithContext(ctx).Where("business_id = ?", businessId)
	if filter.EntityType != nil {
		q = q.Where("entity_type = ?", *filter.EntityType)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}
	var rules []*CorrectionRule
	err = q.Order("confidence DESC, source_correction_count DESC, id").Find(&rules).Error
	return rules, err
}

// ListActiveRules is what the classifier consults. Served from redis when warm.
func ListActiveRules(ctx context.Context) ([]reconcile.Rule, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	return activeRules(ctx, businessId)
}

func activeRules(ctx context.Context, businessId string) ([]reconcile.Rule, error) {
	cacheKey := utils.ActiveRulesCacheKey(businessId)
	if cached := utils.RetrieveCache[[]reconcile.Rule](ctx, cacheKey); cached != nil {
		config.GetMetrics().ActiveRulesCacheLookup.WithLabelValues("hit").Inc()
		return *cached, nil
	}
	config.GetMetrics().ActiveRulesCacheLookup.WithLabelValues("miss").Inc()

	var rows []*CorrectionRule
	if err := config.GetDB().WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessId, true).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	rules := make([]reconcile.Rule, 0, len(rows))
	for _, r := range rows {
		rule, err := r.Rule()
		if err != nil {
			config.LogError(config.GetLogger(), "CorrectionRule.go", "activeRules", "skip undecodable criteria", r.ID, err)
			continue
		}
		rules = append(rules, rule)
	}
	rules = reconcile.ActiveRules(rules)
	utils.StoreCache(ctx, cacheKey, rules)
	return rules, nil
}

// InvalidateActiveRules drops the classifier's cached rule set for the business.
func InvalidateActiveRules(ctx context.Context, businessId string) {
	utils.ClearCache(ctx, utils.ActiveRulesCacheKey(businessId))
}

// ToggleRule is the only path that changes is_active.
func ToggleRule(ctx context.Context, ruleId int, active bool) (*CorrectionRule, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	var rule *CorrectionRule
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r CorrectionRule
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessId).
			First(&r, ruleId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reconcile.NotFoundf("rule %d not found", ruleId)
			}
			return err
		}
		rule = &r
		if r.IsActive == active {
			return nil
		}
		now := time.Now().UTC()
		if err := tx.Model(&CorrectionRule{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
			"is_active":  active,
			"toggled_by": &userName,
			"toggled_at": &now,
		}).Error; err != nil {
			return err
		}
		r.IsActive = active
		r.ToggledBy = &userName
		r.ToggledAt = &now
		return nil
	})
	if err != nil {
		if !reconcile.IsNotFound(err) {
			config.LogError(config.GetLogger(), "CorrectionRule.go", "ToggleRule", "toggle rule", ruleId, err)
		}
		return nil, err
	}
	InvalidateActiveRules(ctx, businessId)
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "ToggleRule",
		"business_id": businessId,
		"rule_id":     ruleId,
		"is_active":   active,
	}).Info("rule toggled")
	return rule, nil
}
