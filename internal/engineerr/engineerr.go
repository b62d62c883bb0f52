// Package engineerr defines the closed set of error kinds the engine uses to
// decide whether a failure is retryable, how it is recorded, and who sees it.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is a classification, not a type name: many different Go error values
// can map to the same Kind, and callers branch on Kind rather than on the
// concrete error type.
type Kind string

const (
	// ValidationFailed is bad input: a missing context key, a malformed DAG.
	// Never retried; surfaces to the pipeline as a permanent task failure.
	ValidationFailed Kind = "validation_failed"

	// ExecutionFailed is a user-raised runtime failure from the task body.
	// Retryable subject to the task's retry policy.
	ExecutionFailed Kind = "execution_failed"

	// Timeout means the task exceeded its configured timeout. Retryable
	// under retry_condition=transient_only.
	Timeout Kind = "timeout"

	// DependencyMissing means an upstream context artifact was expected but
	// absent. Permanent: it indicates a bug in DAG wiring or a broken
	// context contract, not a transient condition.
	DependencyMissing Kind = "dependency_missing"

	// DatabaseTransient is a lock timeout or connection reset. Retried at
	// the engine level and never counted against a task's own attempts.
	DatabaseTransient Kind = "database_transient"

	// DatabasePermanent is a constraint violation or schema mismatch. The
	// pipeline is marked Failed with error_details; there is no retry.
	DatabasePermanent Kind = "database_permanent"

	// CycleDetected is a DAG build-time error. It never reaches runtime.
	CycleDetected Kind = "cycle_detected"

	// CronEvalError is a malformed cron expression or invalid timezone.
	// Rejected at schedule registration.
	CronEvalError Kind = "cron_eval_error"

	// TriggerEvalError is a predicate that raised while being polled. It is
	// logged and the next poll continues.
	TriggerEvalError Kind = "trigger_eval_error"
)

// IsTransient reports whether the retry policy engine should treat this kind
// as retryable under retry_condition=transient_only.
func (k Kind) IsTransient() bool {
	switch k {
	case ExecutionFailed, Timeout, DatabaseTransient:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether this kind can never be retried, regardless of
// retry_condition.
func (k Kind) IsPermanent() bool {
	switch k {
	case ValidationFailed, DependencyMissing, DatabasePermanent, CycleDetected:
		return true
	default:
		return false
	}
}

// TaskError is the error type task bodies and engine components raise when
// they need a specific Kind to drive retry, finalization, or registration
// behavior. A plain error returned from a task body is treated as
// ExecutionFailed by Classify.
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// Classify satisfies the common classification contract shared by every
// error the engine itself raises.
func (e *TaskError) Classify() Kind { return e.Kind }

func newErr(kind Kind, msg string, cause error) *TaskError {
	return &TaskError{Kind: kind, Message: msg, Cause: cause}
}

func NewValidationFailed(msg string) *TaskError { return newErr(ValidationFailed, msg, nil) }
func NewTimeout(msg string) *TaskError           { return newErr(Timeout, msg, nil) }
func NewDependencyMissing(msg string) *TaskError { return newErr(DependencyMissing, msg, nil) }
func NewCycleDetected(msg string) *TaskError     { return newErr(CycleDetected, msg, nil) }

func NewExecutionFailed(msg string, cause error) *TaskError {
	return newErr(ExecutionFailed, msg, cause)
}

func NewDatabaseTransient(cause error) *TaskError {
	return newErr(DatabaseTransient, "transient database error", cause)
}

func NewDatabasePermanent(cause error) *TaskError {
	return newErr(DatabasePermanent, "permanent database error", cause)
}

func NewCronEvalError(msg string, cause error) *TaskError {
	return newErr(CronEvalError, msg, cause)
}

func NewTriggerEvalError(triggerName string, cause error) *TaskError {
	return newErr(TriggerEvalError, "trigger predicate "+triggerName+" raised", cause)
}

// Classify maps an arbitrary error to a Kind. Errors raised as *TaskError
// keep their declared kind; anything else (a plain error returned from a
// task body) is classified as ExecutionFailed so the retry policy engine
// still has a useful default.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ExecutionFailed
}
