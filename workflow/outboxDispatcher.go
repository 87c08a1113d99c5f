package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxRetryBackoff = 10 * time.Minute

// OutboxDispatcher republishes correction events whose inline publish failed or
// never ran. One dispatcher runs per server; SKIP LOCKED keeps replicas apart.
type OutboxDispatcher struct {
	db      *gorm.DB
	logger  *logrus.Logger
	publish func(ctx context.Context, evt config.CorrectionEvent) (string, error)

	claim          models.OutboxClaim
	pollEvery      time.Duration
	publishTimeout time.Duration
	backoff        time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		db:      db,
		logger:  logger,
		publish: config.PublishCorrectionEvent,
		claim: models.OutboxClaim{
			Owner:       "dispatcher-" + uuid.NewString(),
			Limit:       50,
			MaxAttempts: 20,
			Grace:       10 * time.Second,
			LockTimeout: 30 * time.Second,
		},
		pollEvery:      2 * time.Second,
		publishTimeout: 10 * time.Second,
		backoff:        5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()
	for {
		if sent := d.DispatchOnce(ctx); sent > 0 {
			d.logger.WithFields(logrus.Fields{"field": "OutboxDispatcher", "sent": sent}).Debug("correction events republished")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns how many events were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.db == nil || ctx.Err() != nil {
		return 0
	}
	metrics := config.GetMetrics()

	due, dead, err := models.ClaimCorrectionOutbox(ctx, d.db, d.claim, time.Now().UTC())
	if err != nil {
		config.LogError(d.logger, "outboxDispatcher.go", "DispatchOnce", "claim", d.claim.Owner, err)
		return 0
	}
	if dead > 0 {
		metrics.OutboxPublishTotal.WithLabelValues("dead").Add(float64(dead))
		d.logger.WithFields(logrus.Fields{"field": "OutboxDispatcher", "dead": dead}).Error("correction events parked after max attempts")
	}

	sent := 0
	for _, row := range due {
		msgId, err := d.publishRow(ctx, row)
		if err != nil {
			d.settleFailure(ctx, row, err)
			continue
		}
		if err := models.MarkOutboxSent(ctx, d.db, row.ID, msgId, time.Now().UTC()); err != nil {
			config.LogError(d.logger, "outboxDispatcher.go", "DispatchOnce", "mark sent", row.ID, err)
			continue
		}
		metrics.OutboxPublishTotal.WithLabelValues("sent").Inc()
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) publishRow(ctx context.Context, row models.CorrectionOutbox) (string, error) {
	evt, err := row.Event()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	return d.publish(ctx, evt)
}

// settleFailure schedules the next attempt, or parks the row once its attempts run out.
func (d *OutboxDispatcher) settleFailure(ctx context.Context, row models.CorrectionOutbox, cause error) {
	entry := d.logger.WithFields(logrus.Fields{
		"field":         "OutboxDispatcher",
		"business_id":   row.BusinessId,
		"correction_id": row.CorrectionId,
		"attempt":       row.PublishAttempts,
	})
	var retryAt *time.Time
	if row.PublishAttempts < d.claim.MaxAttempts {
		next := time.Now().UTC().Add(retryBackoff(d.backoff, row.PublishAttempts))
		retryAt = &next
	}
	if err := models.MarkOutboxFailed(ctx, d.db, row.ID, cause, retryAt); err != nil {
		config.LogError(d.logger, "outboxDispatcher.go", "settleFailure", "mark failed", row.ID, err)
		return
	}
	if retryAt == nil {
		config.GetMetrics().OutboxPublishTotal.WithLabelValues("dead").Inc()
		entry.Error("correction event parked: " + cause.Error())
		return
	}
	config.GetMetrics().OutboxPublishTotal.WithLabelValues("failed").Inc()
	entry.WithField("next_attempt_at", retryAt.Format(time.RFC3339)).Warn("correction event publish failed: " + cause.Error())
}

// retryBackoff doubles from initial per attempt, capped at ten minutes.
func retryBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		if backoff *= 2; backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return backoff
}
