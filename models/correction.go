package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errCorrectionAppendOnly = errors.New("corrections are append-only")

// Correction is the audit log of user overrides. Rows are never updated or deleted.
type Correction struct {
	ID          int                            `gorm:"primary_key" json:"id"`
	BusinessId  string                         `gorm:"size:64;not null;index:idx_correction_learn,priority:1" json:"business_id"`
	EntityType  reconcile.CorrectionEntityType `gorm:"size:40;not null;index:idx_correction_learn,priority:2" json:"entity_type"`
	EntityId    int                            `gorm:"not null;index" json:"entity_id"`
	FieldName   string                         `gorm:"size:60;not null;index:idx_correction_learn,priority:3" json:"field_name"`
	OldValue    *string                        `gorm:"size:255" json:"old_value"`
	NewValue    string                         `gorm:"size:255;not null" json:"new_value"`
	Reason      *string                        `gorm:"type:text" json:"reason"`
	ContextData datatypes.JSON                 `json:"context_data"`
	UserName    string                         `gorm:"size:100;not null" json:"user"`
	CreatedAt   time.Time                      `gorm:"autoCreateTime;index:idx_correction_learn,priority:4" json:"created_at"`
}

func (c *Correction) BeforeUpdate(tx *gorm.DB) error { return errCorrectionAppendOnly }
func (c *Correction) BeforeDelete(tx *gorm.DB) error { return errCorrectionAppendOnly }

func (c *Correction) Record() (reconcile.CorrectionRecord, error) {
	rec := reconcile.CorrectionRecord{
		ID: c.ID,
		CorrectionInput: reconcile.CorrectionInput{
			EntityType: c.EntityType,
			EntityId:   c.EntityId,
			FieldName:  c.FieldName,
			OldValue:   c.OldValue,
			NewValue:   c.NewValue,
			Reason:     c.Reason,
			User:       c.UserName,
		},
		CreatedAt: c.CreatedAt,
	}
	if _, err := fromJSON(c.ContextData, &rec.ContextData); err != nil {
		return rec, err
	}
	return rec, nil
}

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// CorrectionOutbox holds the correction-recorded event written in the same
// transaction as the correction. Publishing happens after commit.
type CorrectionOutbox struct {
	ID               int        `gorm:"primary_key;index:idx_corr_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string     `gorm:"size:64;not null;index" json:"business_id"`
	CorrectionId     int        `gorm:"not null;uniqueIndex" json:"correction_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_corr_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_corr_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishedAt      *time.Time `json:"published_at"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *CorrectionOutbox) Event() (config.CorrectionEvent, error) {
	var evt config.CorrectionEvent
	_, err := fromJSON(o.Payload, &evt)
	return evt, err
}

// appendCorrection validates and inserts inside tx. The outbox row is only written
// when Pub/Sub is configured.
// SystemActor is recorded on corrections made without an authenticated user.
const SystemActor = "system"

func correctionActor(user string) string {
	if user = strings.TrimSpace(user); user != "" {
		return user
	}
	return SystemActor
}

func appendCorrection(ctx context.Context, tx *gorm.DB, businessId string, input reconcile.CorrectionInput) (*Correction, *CorrectionOutbox, error) {
	input.NewValue = strings.TrimSpace(input.NewValue)
	if err := input.Validate(); err != nil {
		return nil, nil, err
	}
	input.User = correctionActor(input.User)
	contextData, err := toJSON(input.ContextData)
	if err != nil {
		return nil, nil, err
	}
	correction := Correction{
		BusinessId:  businessId,
		EntityType:  input.EntityType,
		EntityId:    input.EntityId,
		FieldName:   input.FieldName,
		OldValue:    input.OldValue,
		NewValue:    input.NewValue,
		Reason:      input.Reason,
		ContextData: contextData,
		UserName:    input.User,
	}
	if err := tx.WithContext(ctx).Create(&correction).Error; err != nil {
		return nil, nil, err
	}
	if !config.PubSubEnabled() {
		return &correction, nil, nil
	}

	correlationId := correlationIdFromContextOrNew(ctx)
	payload, err := toJSON(config.CorrectionEvent{
		CorrectionId:  correction.ID,
		BusinessId:    businessId,
		EntityType:    string(correction.EntityType),
		FieldName:     correction.FieldName,
		CreatedAt:     correction.CreatedAt,
		CorrelationId: correlationId,
	})
	if err != nil {
		return nil, nil, err
	}
	outbox := CorrectionOutbox{
		BusinessId:    businessId,
		CorrectionId:  correction.ID,
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.WithContext(ctx).Create(&outbox).Error; err != nil {
		return nil, nil, err
	}
	return &correction, &outbox, nil
}

// RecordCorrection appends to the audit log. It only fails on an invalid
// entity type, field name or value.
func RecordCorrection(ctx context.Context, input *reconcile.CorrectionInput) (*Correction, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, reconcile.Validationf("correction is required")
	}
	in := *input
	if in.User == "" {
		in.User, _ = utils.GetUserNameFromContext(ctx)
	}

	var correction *Correction
	var outbox *CorrectionOutbox
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		correction, outbox, err = appendCorrection(ctx, tx, businessId, in)
		return err
	})
	if err != nil {
		if !reconcile.IsValidation(err) {
			config.LogError(config.GetLogger(), "Correction.go", "RecordCorrection", "append correction", in, err)
		}
		return nil, err
	}
	config.GetMetrics().CorrectionsTotal.WithLabelValues(string(correction.EntityType)).Inc()
	if outbox != nil {
		dispatchCorrectionEvents(ctx, []*CorrectionOutbox{outbox})
	}
	return correction, nil
}

type CorrectionFilter struct {
	EntityType *reconcile.CorrectionEntityType
	FieldName  *string
	Since      *time.Time
	Limit      int
}

func ListCorrections(ctx context.Context, filter CorrectionFilter) ([]*Correction, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	return listCorrections(ctx, config.GetDB(), businessId, filter)
}

func listCorrections(ctx context.Context, db *gorm.DB, businessId string, filter CorrectionFilter) ([]*Correction, error) {
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.EntityType != nil {
		q = q.Where("entity_type = ?", *filter.EntityType)
	}
	if filter.FieldName != nil {
		q = q.Where("field_name = ?", *filter.FieldName)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []*Correction
	err := q.Order("id ASC").Find(&rows).Error
	return rows, err
}

// CorrectionRecordsSince loads the learner's input window for one business.
func CorrectionRecordsSince(ctx context.Context, businessId string, since time.Time, entityType *reconcile.CorrectionEntityType, fieldName *string) ([]reconcile.CorrectionRecord, error) {
	rows, err := listCorrections(ctx, config.GetDB(), businessId, CorrectionFilter{EntityType: entityType, FieldName: fieldName, Since: &since})
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.CorrectionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.Record()
		if err != nil {
			config.LogError(config.GetLogger(), "Correction.go", "CorrectionRecordsSince", "skip undecodable context", r.ID, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// BusinessesWithCorrectionsSince lists the tenants the periodic learner must visit.
func BusinessesWithCorrectionsSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := config.GetDB().WithContext(ctx).Model(&Correction{}).
		Where("created_at >= ?", since).
		Distinct("business_id").
		Order("business_id").
		Pluck("business_id", &ids).Error
	return ids, err
}

// dispatchCorrectionEvents publishes right after commit. Failures stay PENDING for
// the outbox dispatcher to retry.
func dispatchCorrectionEvents(ctx context.Context, rows []*CorrectionOutbox) {
	if len(rows) == 0 {
		return
	}
	db := config.GetDB()
	for _, o := range rows {
		evt, err := o.Event()
		if err != nil {
			continue
		}
		msgId, err := config.PublishCorrectionEvent(ctx, evt)
		if err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field":         "dispatchCorrectionEvents",
				"business_id":   o.BusinessId,
				"correction_id": o.CorrectionId,
			}).Warn("publish deferred to outbox dispatcher: " + err.Error())
			continue
		}
		now := time.Now().UTC()
		_ = MarkOutboxSent(ctx, db, o.ID, msgId, now)
	}
}

func MarkOutboxSent(ctx context.Context, db *gorm.DB, id int, msgId string, now time.Time) error {
	return db.WithContext(ctx).Model(&CorrectionOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &msgId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

// OutboxClaim bounds one dispatcher pass.
type OutboxClaim struct {
	Owner       string
	Limit       int
	MaxAttempts int
	// Grace leaves rows younger than this to the inline publish after commit.
	Grace time.Duration
	// LockTimeout reclaims PROCESSING rows whose owner went away.
	LockTimeout time.Duration
}

// ClaimCorrectionOutbox locks due events for claim.Owner and returns them with the
// attempt counter already bumped. Events out of attempts are parked as DEAD and
// counted in dead instead.
func ClaimCorrectionOutbox(ctx context.Context, db *gorm.DB, claim OutboxClaim, now time.Time) (due []CorrectionOutbox, dead int, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []CorrectionOutbox
		if err := tx.
			Where("(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND created_at <= ?) OR (publish_status = ? AND locked_at <= ?)",
				[]string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, now, now.Add(-claim.Grace),
				OutboxPublishStatusProcessing, now.Add(-claim.LockTimeout)).
			Order("id").
			Limit(claim.Limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if claim.MaxAttempts > 0 && row.PublishAttempts >= claim.MaxAttempts {
				cause := fmt.Errorf("gave up after %d publish attempts", row.PublishAttempts)
				if err := markOutboxFailed(tx, row.ID, cause, nil); err != nil {
					return err
				}
				dead++
				continue
			}
			if err := tx.Model(&CorrectionOutbox{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"publish_status":     OutboxPublishStatusProcessing,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"locked_at":          &now,
				"locked_by":          &claim.Owner,
				"next_attempt_at":    nil,
				"last_publish_error": nil,
			}).Error; err != nil {
				return err
			}
			row.PublishStatus = OutboxPublishStatusProcessing
			row.PublishAttempts++
			due = append(due, row)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return due, dead, nil
}

// MarkOutboxFailed releases a claimed event after a failed publish. A nil retryAt
// parks it as DEAD until an operator replays it.
func MarkOutboxFailed(ctx context.Context, db *gorm.DB, id int, cause error, retryAt *time.Time) error {
	return markOutboxFailed(db.WithContext(ctx), id, cause, retryAt)
}

func markOutboxFailed(db *gorm.DB, id int, cause error, retryAt *time.Time) error {
	status := OutboxPublishStatusFailed
	if retryAt == nil {
		status = OutboxPublishStatusDead
	}
	msg := cause.Error()
	return db.Model(&CorrectionOutbox{}).Where("id = ?", id).Updates(map[string]interface{}{
		"publish_status":     status,
		"last_publish_error": &msg,
		"next_attempt_at":    retryAt,
		"locked_at":          nil,
		"locked_by":          nil,
	}).Error
}

// ReplayCorrectionOutbox requeues a FAILED or DEAD event for the dispatcher. Operator tooling.
func ReplayCorrectionOutbox(ctx context.Context, businessId string, id int) (*CorrectionOutbox, error) {
	if businessId == "" || id <= 0 {
		return nil, reconcile.Validationf("business id and outbox id are required")
	}
	db := config.GetDB().WithContext(ctx)
	now := time.Now().UTC()
	res := db.Model(&CorrectionOutbox{}).
		Where("id = ? AND business_id = ? AND publish_status IN ?", id, businessId,
			[]string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusFailed,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	var row CorrectionOutbox
	if err := db.Where("id = ? AND business_id = ?", id, businessId).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconcile.NotFoundf("outbox event %d not found", id)
		}
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, reconcile.Validationf("outbox event %d is %s, only FAILED or DEAD events can be replayed", id, row.PublishStatus)
	}
	return &row, nil
}
