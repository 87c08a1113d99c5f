package workflow

import (
	"errors"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// idempotencyStaleAfter is how long a STARTED key blocks redelivery before it is reclaimed.
var idempotencyStaleAfter = 5 * time.Minute

// delivery identifies one push message as seen by one handler.
type delivery struct {
	db         *gorm.DB
	businessId string
	handler    string
	messageId  string
}

func (d delivery) scope() *gorm.DB {
	return d.db.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", d.businessId, d.handler, d.messageId)
}

// begin claims the delivery. skip is true when an earlier delivery already succeeded.
func (d delivery) begin(correlationId string) (skip bool, err error) {
	err = d.db.Create(&models.IdempotencyKey{
		BusinessId:    d.businessId,
		HandlerName:   d.handler,
		MessageId:     d.messageId,
		Status:        models.IdempotencyStatusStarted,
		CorrelationId: correlationId,
	}).Error
	if err == nil || !models.IsDuplicateKey(err) {
		return false, err
	}

	var seen models.IdempotencyKey
	if err := d.scope().First(&seen).Error; err != nil {
		return false, err
	}
	if skip, err = idempotencyDecision(seen, time.Now()); skip || err != nil {
		return skip, err
	}
	return false, d.scope().Updates(map[string]interface{}{
		"status":         models.IdempotencyStatusStarted,
		"last_error":     nil,
		"correlation_id": correlationId,
	}).Error
}

func (d delivery) succeed() error {
	return d.scope().Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func (d delivery) fail(cause error) error {
	msg := cause.Error()
	return d.scope().Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// idempotencyDecision: SUCCEEDED skips, a fresh STARTED is in progress, anything else is reclaimed.
func idempotencyDecision(seen models.IdempotencyKey, now time.Time) (skip bool, err error) {
	switch seen.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if now.Sub(seen.UpdatedAt) < idempotencyStaleAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, nil
}
