package reconcile

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindDependency ErrorKind = "dependency"
)

// Error carries enough context (session, stage) for callers to render a message.
type Error struct {
	Kind      ErrorKind
	SessionId int
	Stage     RunStage
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.SessionId != 0 && e.Stage != "" {
		return fmt.Sprintf("%s (session_id=%d stage=%s)", msg, e.SessionId, e.Stage)
	}
	if e.SessionId != 0 {
		return fmt.Sprintf("%s (session_id=%d)", msg, e.SessionId)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable is true only for conflicts; callers own retries.
func (e *Error) IsRetryable() bool { return e.Kind == ErrorKindConflict }

func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrorKindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrorKindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(sessionId int, stage RunStage, msg string) error {
	return &Error{Kind: ErrorKindConflict, SessionId: sessionId, Stage: stage, Msg: msg}
}

// WithSession attaches session/stage context to engine errors; other errors are wrapped.
func WithSession(err error, sessionId int, stage RunStage) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.SessionId == 0 {
			cp.SessionId = sessionId
		}
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	return fmt.Errorf("session_id=%d stage=%s: %w", sessionId, stage, err)
}

func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == ErrorKindValidation }
func IsConflict(err error) bool   { return KindOf(err) == ErrorKindConflict }
func IsNotFound(err error) bool   { return KindOf(err) == ErrorKindNotFound }
