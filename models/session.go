package models

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReconciliationSession holds one filing period's source files and the last
// snapshots computed over them. One session per (business, period).
type ReconciliationSession struct {
	ID           int                     `gorm:"primary_key" json:"id"`
	BusinessId   string                  `gorm:"size:64;not null;index:uniq_session_period,unique" json:"business_id"`
	Period       string                  `gorm:"size:10;not null;index:uniq_session_period,unique" json:"period"`
	Status       reconcile.SessionStatus `gorm:"size:20;not null;default:'draft'" json:"status"`
	ActiveStage  *reconcile.RunStage     `gorm:"size:20" json:"active_stage"`
	RunStartedAt *time.Time              `json:"run_started_at"`
	RunBy        *string                 `gorm:"size:100" json:"run_by"`
	RunToken     *string                 `gorm:"size:36" json:"-"`
	ReportRef    *string                 `gorm:"size:255" json:"report_ref"`

	MatchSnapshot      datatypes.JSON `json:"-"`
	SummarySnapshot    datatypes.JSON `json:"-"`
	ComparisonSnapshot datatypes.JSON `json:"-"`
	Baseline           datatypes.JSON `json:"-"`

	LastRunStage  *reconcile.RunStage `gorm:"size:20" json:"last_run_stage"`
	LastRunAt     *time.Time          `json:"last_run_at"`
	CorrelationId string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedBy     string              `gorm:"size:100" json:"created_by"`
	CompletedAt   *time.Time          `json:"completed_at"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`

	SourceFiles []SourceFile `gorm:"foreignKey:SessionId" json:"source_files"`
}

// SourceFile describes one uploaded file. Parsing happens upstream; rows arrive
// already typed through ClassifySourceFile.
type SourceFile struct {
	ID         int                  `gorm:"primary_key" json:"id"`
	BusinessId string               `gorm:"size:64;not null;index" json:"business_id"`
	SessionId  int                  `gorm:"not null;index" json:"session_id"`
	SourceType reconcile.SourceType `gorm:"size:20;not null" json:"source_type"`
	FileName   string               `gorm:"size:255;not null" json:"file_name"`
	ObjectKey  string               `gorm:"size:512" json:"object_key"`
	RowCount   int                  `gorm:"not null;default:0" json:"row_count"`
	UploadedBy string               `gorm:"size:100" json:"uploaded_by"`
	CreatedAt  time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSourceFile struct {
	Period     string               `json:"period" validate:"required"`
	SourceType reconcile.SourceType `json:"source_type" validate:"required"`
	FileName   string               `json:"file_name" validate:"required,max=255"`
	StorageUri string               `json:"storage_uri"`
}

// SessionView is the session with its decoded snapshots.
type SessionView struct {
	*ReconciliationSession
	Match      *reconcile.MatchResult     `json:"match_result,omitempty"`
	Summary    *reconcile.VatSummary      `json:"vat_summary,omitempty"`
	Comparison *reconcile.Comparison      `json:"comparison,omitempty"`
	Baseline   map[string]decimal.Decimal `json:"baseline,omitempty"`
}

func (s *ReconciliationSession) FiscalPeriod() (reconcile.FiscalPeriod, error) {
	return reconcile.ParsePeriod(s.Period)
}

// MatchScope namespaces match group ids so two tenants never share one.
func (s *ReconciliationSession) MatchScope() string {
	return s.BusinessId + "/" + s.Period
}

func (s *ReconciliationSession) View() (*SessionView, error) {
	v := &SessionView{ReconciliationSession: s}
	var match reconcile.MatchResult
	if ok, err := fromJSON(s.MatchSnapshot, &match); err != nil {
		return nil, err
	} else if ok {
		v.Match = &match
	}
	var summary reconcile.VatSummary
	if ok, err := fromJSON(s.SummarySnapshot, &summary); err != nil {
		return nil, err
	} else if ok {
		v.Summary = &summary
	}
	var cmp reconcile.Comparison
	if ok, err := fromJSON(s.ComparisonSnapshot, &cmp); err != nil {
		return nil, err
	} else if ok {
		v.Comparison = &cmp
	}
	if _, err := fromJSON(s.Baseline, &v.Baseline); err != nil {
		return nil, err
	}
	return v, nil
}

func getSession(ctx context.Context, tx *gorm.DB, businessId string, sessionId int) (*ReconciliationSession, error) {
	session, err := utils.FetchModel[ReconciliationSession](ctx, tx, businessId, sessionId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, reconcile.NotFoundf("session %d not found", sessionId)
	}
	return session, err
}

func GetSession(ctx context.Context, sessionId int) (*SessionView, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	session, err := utils.FetchModel[ReconciliationSession](ctx, nil, businessId, sessionId, "SourceFiles")
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, reconcile.NotFoundf("session %d not found", sessionId)
	}
	if err != nil {
		return nil, err
	}
	return session.View()
}

func ListSessions(ctx context.Context, status *reconcile.SessionStatus) ([]*ReconciliationSession, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	q := config.GetDB().WithContext(ctx).Where("business_id = ?", businessId)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var sessions []*ReconciliationSession
	if err := q.Order("period DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession returns the business's session for the period, creating a draft one
// on first use.
func CreateSession(ctx context.Context, period string) (*ReconciliationSession, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := reconcile.ParsePeriod(period); err != nil {
		return nil, err
	}
	return findOrCreateSession(ctx, config.GetDB(), businessId, period)
}

func findOrCreateSession(ctx context.Context, db *gorm.DB, businessId, period string) (*ReconciliationSession, error) {
	var session ReconciliationSession
	err := db.WithContext(ctx).Where("business_id = ? AND period = ?", businessId, period).First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	session = ReconciliationSession{
		BusinessId:    businessId,
		Period:        period,
		Status:        reconcile.SessionStatusDraft,
		CreatedBy:     userName,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if err := db.WithContext(ctx).Create(&session).Error; err != nil {
		if !IsDuplicateKey(err) {
			return nil, err
		}
		// lost the race to a concurrent attach; use the winner
		if err := db.WithContext(ctx).Where("business_id = ? AND period = ?", businessId, period).First(&session).Error; err != nil {
			return nil, err
		}
	}
	return &session, nil
}

// AttachSourceFile registers a file descriptor, creating the period's session if needed.
func AttachSourceFile(ctx context.Context, input *NewSourceFile) (*SourceFile, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if _, err := reconcile.ParseSourceType(string(input.SourceType)); err != nil {
		return nil, err
	}
	if _, err := reconcile.ParsePeriod(input.Period); err != nil {
		return nil, err
	}
	objectKey := ""
	if strings.TrimSpace(input.StorageUri) != "" {
		if objectKey = utils.ObjectKeyFromURI(input.StorageUri); objectKey == "" {
			return nil, reconcile.Validationf("unrecognized storage uri %q", input.StorageUri)
		}
	}

	db := config.GetDB()
	session, err := findOrCreateSession(ctx, db, businessId, input.Period)
	if err != nil {
		config.LogError(config.GetLogger(), "SourceFile.go", "AttachSourceFile", "find or create session", input.Period, err)
		return nil, err
	}
	if session.Status == reconcile.SessionStatusCompleted {
		return nil, &reconcile.Error{Kind: reconcile.ErrorKindValidation, SessionId: session.ID, Msg: "session is completed"}
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	file := SourceFile{
		BusinessId: businessId,
		SessionId:  session.ID,
		SourceType: input.SourceType,
		FileName:   strings.TrimSpace(input.FileName),
		ObjectKey:  objectKey,
		UploadedBy: userName,
	}
	if err := db.WithContext(ctx).Create(&file).Error; err != nil {
		config.LogError(config.GetLogger(), "SourceFile.go", "AttachSourceFile", "create source file", input, err)
		return nil, err
	}
	return &file, nil
}

// SourceFileDownload signs a short-lived link to the stored upload.
func SourceFileDownload(ctx context.Context, sourceFileId int) (*utils.SignedDownload, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	file, err := utils.FetchModel[SourceFile](ctx, nil, businessId, sourceFileId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, reconcile.NotFoundf("source file %d not found", sourceFileId)
	}
	if err != nil {
		return nil, err
	}
	if file.ObjectKey == "" {
		return nil, reconcile.NotFoundf("source file %d has no stored upload", sourceFileId)
	}
	return utils.SignDownload(ctx, file.ObjectKey, 15*time.Minute)
}

// CompleteSession is the explicit reviewing -> completed move.
func CompleteSession(ctx context.Context, sessionId int) (*ReconciliationSession, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	session, err := getSession(ctx, db, businessId, sessionId)
	if err != nil {
		return nil, err
	}
	next, err := reconcile.CompleteSession(session.ID, session.Status, session.ActiveStage)
	if err != nil {
		return nil, err
	}
	if next == session.Status {
		return session, nil
	}
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&ReconciliationSession{}).
		Where("id = ? AND business_id = ? AND status = ? AND active_stage IS NULL", session.ID, businessId, session.Status).
		Updates(map[string]interface{}{"status": next, "completed_at": &now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, reconcile.Conflict(session.ID, "", "session changed while completing")
	}
	session.Status = next
	session.CompletedAt = &now
	return session, nil
}

const maxSourceUploadBytes int64 = 20 * 1024 * 1024

var sourceUploadMimeTypes = map[string]string{
	"text/csv":                 ".csv",
	"application/json":         ".json",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

type SourceUploadRequest struct {
	Period   string `json:"period" validate:"required"`
	FileName string `json:"file_name" validate:"required,max=255"`
	MimeType string `json:"mime_type" validate:"required"`
	Size     int64  `json:"size" validate:"gt=0"`
}

// SignSourceFileUpload hands out a direct-to-bucket upload target under the
// business's prefix. The returned object key is what AttachSourceFile takes as storage_uri.
func SignSourceFileUpload(ctx context.Context, req *SourceUploadRequest) (*utils.SignedUpload, error) {
	businessId, err := businessIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, reconcile.Validationf("upload request is required")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	if _, err := reconcile.ParsePeriod(req.Period); err != nil {
		return nil, err
	}
	if req.Size > maxSourceUploadBytes {
		return nil, reconcile.Validationf("file exceeds the %d MB upload limit", maxSourceUploadBytes>>20)
	}
	defaultExt, ok := sourceUploadMimeTypes[req.MimeType]
	if !ok {
		return nil, reconcile.Validationf("unsupported file type %q", req.MimeType)
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if ext == "" {
		ext = defaultExt
	}

	objectKey := path.Join(businessId, req.Period, uuid.NewString()+ext)
	signed, err := utils.SignUpload(ctx, objectKey, req.MimeType, 15*time.Minute)
	if err != nil {
		config.LogError(config.GetLogger(), "SourceFile.go", "SignSourceFileUpload", "sign upload", objectKey, err)
		return nil, &reconcile.Error{Kind: reconcile.ErrorKindDependency, Msg: "could not sign upload", Err: err}
	}
	return signed, nil
}
