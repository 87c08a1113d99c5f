package utils

import (
	"errors"
	"net/http"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"gorm.io/gorm"
)

var (
	ErrorRecordNotFound   = errors.New("record not found")
	ErrorBusinessRequired = errors.New("business id is required")
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Kind      reconcile.ErrorKind `json:"kind,omitempty"`
	SessionId int                 `json:"session_id,omitempty"`
	Stage     reconcile.RunStage  `json:"stage,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
}

// HTTPError maps an engine error onto a status code and response body.
// Unknown errors become 500 with a generic message; callers log the original.
func HTTPError(err error) (int, ErrorResponse) {
	if errors.Is(err, ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, ErrorResponse{Error: ErrorRecordNotFound.Error(), Kind: reconcile.ErrorKindNotFound}
	}
	if errors.Is(err, ErrorBusinessRequired) {
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error()}
	}
	var e *reconcile.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
	resp := ErrorResponse{
		Error:     e.Error(),
		Kind:      e.Kind,
		SessionId: e.SessionId,
		Stage:     e.Stage,
		Retryable: e.IsRetryable(),
	}
	switch e.Kind {
	case reconcile.ErrorKindValidation:
		return http.StatusBadRequest, resp
	case reconcile.ErrorKindNotFound:
		return http.StatusNotFound, resp
	case reconcile.ErrorKindConflict:
		return http.StatusConflict, resp
	case reconcile.ErrorKindDependency:
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

// Outcome is the metrics label for a stage result.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch reconcile.KindOf(err) {
	case reconcile.ErrorKindValidation:
		return "validation"
	case reconcile.ErrorKindConflict:
		return "conflict"
	case reconcile.ErrorKindNotFound:
		return "not_found"
	default:
		return "error"
	}
}
