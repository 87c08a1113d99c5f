package reconcile

type SessionStatus string

const (
	SessionStatusDraft       SessionStatus = "draft"
	SessionStatusClassifying SessionStatus = "classifying"
	SessionStatusReviewing   SessionStatus = "reviewing"
	SessionStatusCompleted   SessionStatus = "completed"
)

func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusDraft:
		return 0
	case SessionStatusClassifying:
		return 1
	case SessionStatusReviewing:
		return 2
	case SessionStatusCompleted:
		return 3
	default:
		return -1
	}
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(s)
	if st.rank() < 0 {
		return "", Validationf("invalid session status %q", s)
	}
	return st, nil
}

// RunStage names a batch computation that holds the session's run slot.
type RunStage string

const (
	RunStageClassify  RunStage = "classify"
	RunStageMatch     RunStage = "match"
	RunStageAggregate RunStage = "aggregate"
	RunStageCompare   RunStage = "compare"
	RunStageDetect    RunStage = "detect"
	RunStageReconcile RunStage = "reconcile"
)

// statusFor is the lifecycle stage a run of this kind belongs to.
func (r RunStage) statusFor() (SessionStatus, bool) {
	switch r {
	case RunStageClassify:
		return SessionStatusClassifying, true
	case RunStageMatch, RunStageAggregate, RunStageCompare, RunStageDetect, RunStageReconcile:
		return SessionStatusReviewing, true
	default:
		return "", false
	}
}

// BeginStage decides whether a run may start and which status the session moves to.
// A run already in flight is a retryable conflict. Status only ever moves forward:
// rerunning an earlier stage keeps the current status.
func BeginStage(sessionId int, status SessionStatus, active *RunStage, stage RunStage) (SessionStatus, error) {
	target, ok := stage.statusFor()
	if !ok {
		return status, Validationf("unknown run stage %q", stage)
	}
	if status.rank() < 0 {
		return status, Validationf("invalid session status %q", status)
	}
	if status == SessionStatusCompleted {
		return status, &Error{Kind: ErrorKindValidation, SessionId: sessionId, Stage: stage, Msg: "session is completed"}
	}
	if active != nil && *active != "" {
		return status, Conflict(sessionId, stage, "a "+string(*active)+" run is already in progress")
	}
	if target.rank() > status.rank() {
		return target, nil
	}
	return status, nil
}

// CompleteSession is the explicit reviewing -> completed transition. Completing twice is a no-op.
func CompleteSession(sessionId int, status SessionStatus, active *RunStage) (SessionStatus, error) {
	switch status {
	case SessionStatusCompleted:
		return status, nil
	case SessionStatusReviewing:
		if active != nil && *active != "" {
			return status, Conflict(sessionId, "", "a "+string(*active)+" run is in progress")
		}
		return SessionStatusCompleted, nil
	case SessionStatusDraft, SessionStatusClassifying:
		return status, &Error{Kind: ErrorKindValidation, SessionId: sessionId, Msg: "session must be reviewed before completion"}
	default:
		return status, Validationf("invalid session status %q", status)
	}
}
