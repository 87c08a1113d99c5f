package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// staleRunAfter is how long a claimed run slot is honoured before another run may take it over.
var staleRunAfter = 30 * time.Minute

// stageRun is the claimed run slot handed to a stage body.
type stageRun struct {
	BusinessId    string
	Session       *ReconciliationSession
	Stage         reconcile.RunStage
	NextStatus    reconcile.SessionStatus
	Token         string
	StartedAt     time.Time
	CorrelationId string
	// Snapshot holds session columns the body wants written with the status advance.
	Snapshot map[string]interface{}
}

func (r *stageRun) set(column string, value interface{}) {
	if r.Snapshot == nil {
		r.Snapshot = map[string]interface{}{}
	}
	r.Snapshot[column] = value
}

// runStage serializes stage runs per session: a redis lock in front, then a
// compare-and-set on active_stage. body runs in one transaction together with the
// status advance, so a failed body leaves the session exactly as it was.
func runStage(ctx context.Context, sessionId int, stage reconcile.RunStage, body func(ctx context.Context, tx *gorm.DB, run *stageRun) error) (err error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return err
	}
	metrics := config.GetMetrics()
	start := time.Now()
	ctx, span := tracer.Start(ctx, "reconcile."+string(stage), trace.WithAttributes(
		attribute.String("business_id", businessId),
		attribute.Int("session_id", sessionId),
	))
	defer func() {
		metrics.StageRunsTotal.WithLabelValues(string(stage), utils.Outcome(err)).Inc()
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := utils.ObtainLock(ctx, utils.SessionLockKey(businessId, sessionId), staleRunAfter, "StageRunner.go", "runStage")
	if errors.Is(err, utils.ErrorLockNotObtained) {
		metrics.StageConflictsTotal.WithLabelValues(string(stage)).Inc()
		return reconcile.Conflict(sessionId, stage, "a run is already in progress")
	}
	if err != nil {
		return reconcile.WithSession(err, sessionId, stage)
	}
	defer release()

	run, err := claimRunSlot(ctx, businessId, sessionId, stage)
	if err != nil {
		if reconcile.IsConflict(err) {
			metrics.StageConflictsTotal.WithLabelValues(string(stage)).Inc()
		}
		return err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := body(ctx, tx, run); err != nil {
			return err
		}
		return finishRunSlot(ctx, tx, run)
	})
	if err != nil {
		releaseRunSlot(run)
		err = reconcile.WithSession(err, sessionId, stage)
		if !reconcile.IsValidation(err) && !reconcile.IsNotFound(err) && !reconcile.IsConflict(err) {
			config.LogError(config.GetLogger(), "StageRunner.go", "runStage", "run "+string(stage), sessionId, err)
		}
		return err
	}

	run.Session.Status = run.NextStatus
	run.Session.ActiveStage = nil
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "runStage",
		"business_id":    businessId,
		"session_id":     sessionId,
		"stage":          stage,
		"status":         run.NextStatus,
		"correlation_id": run.CorrelationId,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("stage completed")
	return nil
}

func claimRunSlot(ctx context.Context, businessId string, sessionId int, stage reconcile.RunStage) (*stageRun, error) {
	db := config.GetDB()
	session, err := getSession(ctx, db, businessId, sessionId)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-staleRunAfter)

	active := session.ActiveStage
	if active != nil && session.RunStartedAt != nil && session.RunStartedAt.Before(staleBefore) {
		config.GetLogger().WithFields(logrus.Fields{
			"field":        "claimRunSlot",
			"business_id":  businessId,
			"session_id":   sessionId,
			"stale_stage":  *active,
			"stale_run_by": utils.DereferencePtr(session.RunBy),
		}).Warn("taking over stale run slot")
		active = nil
	}
	next, err := reconcile.BeginStage(session.ID, session.Status, active, stage)
	if err != nil {
		return nil, err
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	token := uuid.NewString()
	res := db.WithContext(ctx).Model(&ReconciliationSession{}).
		Where("id = ? AND business_id = ? AND status = ?", session.ID, businessId, session.Status).
		Where("active_stage IS NULL OR run_started_at IS NULL OR run_started_at < ?", staleBefore).
		Updates(map[string]interface{}{
			"active_stage":   stage,
			"run_started_at": &now,
			"run_by":         &userName,
			"run_token":      &token,
		})
	if res.Error != nil {
		return nil, reconcile.WithSession(res.Error, sessionId, stage)
	}
	if res.RowsAffected == 0 {
		return nil, reconcile.Conflict(sessionId, stage, "a run is already in progress")
	}
	session.ActiveStage = &stage
	session.RunStartedAt = &now
	session.RunBy = &userName
	session.RunToken = &token

	return &stageRun{
		BusinessId:    businessId,
		Session:       session,
		Stage:         stage,
		NextStatus:    next,
		Token:         token,
		StartedAt:     now,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}, nil
}

// finishRunSlot writes the status advance and snapshots, and frees the slot. It fails
// when another run took the slot over in the meantime.
func finishRunSlot(ctx context.Context, tx *gorm.DB, run *stageRun) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":         run.NextStatus,
		"active_stage":   nil,
		"run_started_at": nil,
		"run_token":      nil,
		"last_run_stage": run.Stage,
		"last_run_at":    &now,
		"correlation_id": run.CorrelationId,
	}
	for k, v := range run.Snapshot {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&ReconciliationSession{}).
		Where("id = ? AND business_id = ? AND run_token = ?", run.Session.ID, run.BusinessId, run.Token).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reconcile.Conflict(run.Session.ID, run.Stage, "run slot was taken over")
	}
	return nil
}

// releaseRunSlot frees the slot after a failed body without touching status.
func releaseRunSlot(run *stageRun) {
	err := config.GetDB().Model(&ReconciliationSession{}).
		Where("id = ? AND business_id = ? AND run_token = ?", run.Session.ID, run.BusinessId, run.Token).
		Updates(map[string]interface{}{
			"active_stage":   nil,
			"run_started_at": nil,
			"run_token":      nil,
		}).Error
	if err != nil {
		config.LogError(config.GetLogger(), "StageRunner.go", "releaseRunSlot", "release run slot", run.Session.ID, err)
	}
}
