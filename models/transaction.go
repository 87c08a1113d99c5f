package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transaction is one classified row of a session. match_group_id and
// match_status are written by match runs and manual pairing only.
type Transaction struct {
	ID                   int                            `gorm:"primary_key" json:"id"`
	BusinessId           string                         `gorm:"size:64;not null;index" json:"business_id"`
	SessionId            int                            `gorm:"not null;index:uniq_txn_row,unique,priority:1" json:"session_id"`
	SourceFileId         int                            `gorm:"not null;index:uniq_txn_row,unique,priority:2" json:"source_file_id"`
	RowIndex             int                            `gorm:"not null;index:uniq_txn_row,unique,priority:3" json:"row_index"`
	SourceType           reconcile.SourceType           `gorm:"size:20;not null;index" json:"source_type"`
	Date                 *time.Time                     `gorm:"type:date" json:"date"`
	Description          *string                        `gorm:"size:500" json:"description"`
	Amount               decimal.Decimal                `gorm:"type:decimal(20,4);not null" json:"amount"`
	VatAmount            decimal.Decimal                `gorm:"type:decimal(20,4);not null" json:"vat_amount"`
	VatType              reconcile.VatType              `gorm:"size:20;not null" json:"vat_type"`
	Category             reconcile.Category             `gorm:"size:20;not null" json:"category"`
	Tin                  *string                        `gorm:"size:32" json:"tin"`
	Confidence           float64                        `gorm:"not null;default:0" json:"confidence"`
	ClassificationSource reconcile.ClassificationSource `gorm:"size:20;not null" json:"classification_source"`
	MatchGroupId         *string                        `gorm:"size:36;index" json:"match_group_id"`
	MatchStatus          reconcile.MatchStatus          `gorm:"size:20;not null;default:'unmatched'" json:"match_status"`
	CreatedAt            time.Time                      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time                      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Transaction) Engine() reconcile.Transaction {
	return reconcile.Transaction{
		ID:                   t.ID,
		SourceType:           t.SourceType,
		SourceFileId:         t.SourceFileId,
		RowIndex:             t.RowIndex,
		Date:                 t.Date,
		Description:          t.Description,
		Amount:               t.Amount,
		VatAmount:            t.VatAmount,
		VatType:              t.VatType,
		Category:             t.Category,
		Tin:                  t.Tin,
		Confidence:           t.Confidence,
		ClassificationSource: t.ClassificationSource,
		MatchGroupId:         t.MatchGroupId,
		MatchStatus:          t.MatchStatus,
	}
}

func engineRows(rows []*Transaction) []reconcile.Transaction {
	out := make([]reconcile.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Engine())
	}
	return out
}

func loadSessionTransactions(ctx context.Context, tx *gorm.DB, businessId string, sessionId int) ([]*Transaction, error) {
	var rows []*Transaction
	err := tx.WithContext(ctx).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		Order("source_file_id, row_index, id").
		Find(&rows).Error
	return rows, err
}

type TransactionFilter struct {
	SourceType  *reconcile.SourceType  `form:"source_type"`
	MatchStatus *reconcile.MatchStatus `form:"match_status"`
	Limit       int                    `form:"limit"`
	Offset      int                    `form:"offset"`
}

func ListSessionTransactions(ctx context.Context, sessionId int, filter TransactionFilter) ([]*Transaction, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if _, err := getSession(ctx, db, businessId, sessionId); err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Where("business_id = ? AND session_id = ?", businessId, sessionId)
	if filter.SourceType != nil {
		if _, err := reconcile.ParseSourceType(string(*filter.SourceType)); err != nil {
			return nil, err
		}
		q = q.Where("source_type = ?", *filter.SourceType)
	}
	if filter.MatchStatus != nil {
		if _, err := reconcile.ParseMatchStatus(string(*filter.MatchStatus)); err != nil {
			return nil, err
		}
		q = q.Where("match_status = ?", *filter.MatchStatus)
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	var rows []*Transaction
	err = q.Order("source_file_id, row_index, id").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error
	return rows, err
}

// ClassificationEdit is a user override of a row's classification. Nil fields are left alone.
type ClassificationEdit struct {
	VatType  *reconcile.VatType  `json:"vat_type"`
	Category *reconcile.Category `json:"category"`
	Tin      *string             `json:"tin"`
	Reason   *string             `json:"reason"`
}

// UpdateTransactionClassification applies the edit and appends one Correction per
// changed field in the same database transaction.
func UpdateTransactionClassification(ctx context.Context, sessionId, transactionId int, edit *ClassificationEdit) (*Transaction, []*Correction, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	if edit == nil || (edit.VatType == nil && edit.Category == nil && edit.Tin == nil) {
		return nil, nil, reconcile.Validationf("nothing to update")
	}
	if edit.VatType != nil && !edit.VatType.IsValid() {
		return nil, nil, reconcile.Validationf("invalid vat type %q", *edit.VatType)
	}
	if edit.Category != nil && !edit.Category.IsValid() {
		return nil, nil, reconcile.Validationf("invalid category %q", *edit.Category)
	}
	if edit.Tin != nil && strings.TrimSpace(*edit.Tin) != "" {
		if err := reconcile.ValidateCorrectionValue(reconcile.FieldTin, *edit.Tin); err != nil {
			return nil, nil, err
		}
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	var row Transaction
	var recorded []*Correction
	var events []*CorrectionOutbox
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := getSession(ctx, tx, businessId, sessionId)
		if err != nil {
			return err
		}
		if session.Status == reconcile.SessionStatusCompleted {
			return &reconcile.Error{Kind: reconcile.ErrorKindValidation, SessionId: sessionId, Msg: "session is completed"}
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND session_id = ?", businessId, sessionId).
			First(&row, transactionId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reconcile.NotFoundf("transaction %d not found in session %d", transactionId, sessionId)
			}
			return err
		}

		type change struct{ field, old, new string }
		var changes []change
		if edit.VatType != nil && *edit.VatType != row.VatType {
			changes = append(changes, change{reconcile.FieldVatType, string(row.VatType), string(*edit.VatType)})
			row.VatType = *edit.VatType
		}
		if edit.Category != nil && *edit.Category != row.Category {
			changes = append(changes, change{reconcile.FieldCategory, string(row.Category), string(*edit.Category)})
			row.Category = *edit.Category
		}
		if edit.Tin != nil {
			newTin := utils.NilIfEmpty(*edit.Tin)
			oldTin := utils.DereferencePtr(row.Tin)
			if utils.DereferencePtr(newTin) != oldTin {
				changes = append(changes, change{reconcile.FieldTin, oldTin, utils.DereferencePtr(newTin)})
				row.Tin = newTin
			}
		}
		if len(changes) == 0 {
			return nil
		}

		row.ClassificationSource = reconcile.ClassificationSourceUserOverride
		row.Confidence = 1
		if err := tx.Model(&Transaction{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"vat_type":              row.VatType,
			"category":              row.Category,
			"tin":                   row.Tin,
			"classification_source": row.ClassificationSource,
			"confidence":            row.Confidence,
		}).Error; err != nil {
			return err
		}

		contextData := map[string]any{
			"session_id":  sessionId,
			"source_type": string(row.SourceType),
			"description": row.Engine().DescriptionText(),
			"tin":         row.Engine().TinText(),
			"amount":      row.Amount.String(),
		}
		for _, c := range changes {
			input := reconcile.CorrectionInput{
				EntityType:  reconcile.CorrectionEntityTransactionClassification,
				EntityId:    row.ID,
				FieldName:   c.field,
				OldValue:    utils.NilIfEmpty(c.old),
				NewValue:    c.new,
				Reason:      edit.Reason,
				ContextData: contextData,
				User:        userName,
			}
			correction, event, err := appendCorrection(ctx, tx, businessId, input)
			if err != nil {
				return err
			}
			recorded = append(recorded, correction)
			if event != nil {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		if !reconcile.IsNotFound(err) && !reconcile.IsValidation(err) {
			config.LogError(config.GetLogger(), "Transaction.go", "UpdateTransactionClassification", "update classification", transactionId, err)
		}
		return nil, nil, err
	}
	for _, c := range recorded {
		config.GetMetrics().CorrectionsTotal.WithLabelValues(string(c.EntityType)).Inc()
	}
	dispatchCorrectionEvents(ctx, events)
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "UpdateTransactionClassification",
		"business_id":    businessId,
		"session_id":     sessionId,
		"transaction_id": transactionId,
		"corrections":    len(recorded),
	}).Info("classification updated")
	return &row, recorded, nil
}
