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

type Anomaly struct {
	ID             int                     `gorm:"primary_key" json:"id"`
	BusinessId     string                  `gorm:"size:64;not null;index" json:"business_id"`
	SessionId      int                     `gorm:"not null;index:idx_anomaly_key,priority:1" json:"session_id"`
	TransactionId  *int                    `gorm:"index:idx_anomaly_key,priority:2" json:"transaction_id"`
	AnomalyType    reconcile.AnomalyType   `gorm:"size:30;not null;index:idx_anomaly_key,priority:3" json:"anomaly_type"`
	Severity       reconcile.Severity      `gorm:"size:10;not null" json:"severity"`
	Description    string                  `gorm:"type:text" json:"description"`
	Details        datatypes.JSON          `json:"details"`
	Status         reconcile.AnomalyStatus `gorm:"size:20;not null;default:'open';index" json:"status"`
	ResolutionNote *string                 `gorm:"type:text" json:"resolution_note"`
	ResolvedBy     *string                 `gorm:"size:100" json:"resolved_by"`
	ResolvedAt     *time.Time              `json:"resolved_at"`
	CreatedAt      time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Anomaly) existing() reconcile.ExistingAnomaly {
	return reconcile.ExistingAnomaly{ID: a.ID, TransactionId: a.TransactionId, Type: a.AnomalyType, Status: a.Status}
}

type AnomalyFilter struct {
	Status   *reconcile.AnomalyStatus `form:"status"`
	Type     *reconcile.AnomalyType   `form:"anomaly_type"`
	Severity *reconcile.Severity      `form:"severity"`
}

func ListAnomalies(ctx context.Context, sessionId int, filter AnomalyFilter) ([]*Anomaly, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if _, err := getSession(ctx, db, businessId, sessionId); err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Where("business_id = ? AND session_id = ?", businessId, sessionId)
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Type != nil {
		q = q.Where("anomaly_type = ?", *filter.Type)
	}
	if filter.Severity != nil {
		q = q.Where("severity = ?", *filter.Severity)
	}
	var rows []*Anomaly
	err = q.Order("id").Find(&rows).Error
	return rows, err
}

func loadSessionAnomalies(ctx context.Context, tx *gorm.DB, businessId string, sessionId int) ([]*Anomaly, error) {
	var rows []*Anomaly
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		Order("id").
		Find(&rows).Error
	return rows, err
}

func newAnomaly(businessId string, sessionId int, f reconcile.Finding) (*Anomaly, error) {
	details, err := toJSON(f.Details)
	if err != nil {
		return nil, err
	}
	return &Anomaly{
		BusinessId:    businessId,
		SessionId:     sessionId,
		TransactionId: f.TransactionId,
		AnomalyType:   f.Type,
		Severity:      f.Severity,
		Description:   f.Description,
		Details:       details,
		Status:        reconcile.AnomalyStatusOpen,
	}, nil
}

// applyDetectionPlan writes a rerun's plan inside tx and returns the session's open
// anomalies afterwards.
func applyDetectionPlan(ctx context.Context, tx *gorm.DB, businessId string, sessionId int, plan reconcile.DetectionPlan) ([]*Anomaly, error) {
	if len(plan.Remove) > 0 {
		if err := tx.WithContext(ctx).
			Where("business_id = ? AND session_id = ? AND status = ? AND id IN ?", businessId, sessionId, reconcile.AnomalyStatusOpen, plan.Remove).
			Delete(&Anomaly{}).Error; err != nil {
			return nil, err
		}
	}
	for _, r := range plan.Refresh {
		details, err := toJSON(r.Finding.Details)
		if err != nil {
			return nil, err
		}
		if err := tx.WithContext(ctx).Model(&Anomaly{}).
			Where("id = ? AND status = ?", r.ID, reconcile.AnomalyStatusOpen).
			Updates(map[string]interface{}{
				"severity":    r.Finding.Severity,
				"description": r.Finding.Description,
				"details":     details,
			}).Error; err != nil {
			return nil, err
		}
	}
	if len(plan.Create) > 0 {
		rows := make([]*Anomaly, 0, len(plan.Create))
		for _, f := range plan.Create {
			a, err := newAnomaly(businessId, sessionId, f)
			if err != nil {
				return nil, err
			}
			rows = append(rows, a)
		}
		if err := tx.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
			return nil, err
		}
	}

	var open []*Anomaly
	err := tx.WithContext(ctx).
		Where("business_id = ? AND session_id = ? AND status = ?", businessId, sessionId, reconcile.AnomalyStatusOpen).
		Order("id").
		Find(&open).Error
	return open, err
}

// deleteOpenAnomaliesFor drops open anomalies of rows that no longer exist.
func deleteOpenAnomaliesFor(ctx context.Context, tx *gorm.DB, businessId string, sessionId int, transactionIds []int) error {
	if len(transactionIds) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Where("business_id = ? AND session_id = ? AND status = ? AND transaction_id IN ?", businessId, sessionId, reconcile.AnomalyStatusOpen, transactionIds).
		Delete(&Anomaly{}).Error
}

type AnomalyResolution struct {
	Status reconcile.AnomalyStatus `json:"status" validate:"required"`
	Note   *string                 `json:"note"`
}

// ResolveAnomaly moves an anomaly out of open. Once moved it stays put.
func ResolveAnomaly(ctx context.Context, anomalyId int, input *AnomalyResolution) (*Anomaly, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, reconcile.Validationf("status is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	var anomaly Anomaly
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessId).
			First(&anomaly, anomalyId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reconcile.NotFoundf("anomaly %d not found", anomalyId)
			}
			return err
		}
		if err := reconcile.ResolveTransition(anomaly.Status, input.Status); err != nil {
			return err
		}
		now := time.Now().UTC()
		note := utils.NilIfEmpty(utils.DereferencePtr(input.Note))
		if err := tx.Model(&Anomaly{}).Where("id = ?", anomaly.ID).Updates(map[string]interface{}{
			"status":          input.Status,
			"resolution_note": note,
			"resolved_by":     &userName,
			"resolved_at":     &now,
		}).Error; err != nil {
			return err
		}
		anomaly.Status = input.Status
		anomaly.ResolutionNote = note
		anomaly.ResolvedBy = &userName
		anomaly.ResolvedAt = &now
		return nil
	})
	if err != nil {
		if !reconcile.IsNotFound(err) && !reconcile.IsValidation(err) {
			config.LogError(config.GetLogger(), "Anomaly.go", "ResolveAnomaly", "resolve anomaly", anomalyId, err)
		}
		return nil, err
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "ResolveAnomaly",
		"business_id": businessId,
		"anomaly_id":  anomalyId,
		"status":      anomaly.Status,
	}).Info("anomaly resolved")
	return &anomaly, nil
}
