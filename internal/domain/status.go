// Package domain holds the core entities of the workflow engine: pipeline
// executions, task executions, context values, and the cron/trigger/recovery
// audit rows that back them.
package domain

import "errors"

var (
	ErrPipelineNotFound = errors.New("pipeline execution not found")
	ErrTaskNotFound     = errors.New("task execution not found")
	ErrContextKeyExists = errors.New("context key already written by this task")
	ErrContextKeyAbsent = errors.New("context key not present")

	ErrCronScheduleNotFound    = errors.New("cron schedule not found")
	ErrInvalidCronExpr         = errors.New("invalid cron expression")
	ErrInvalidTimezone         = errors.New("invalid timezone")
	ErrTriggerScheduleNotFound = errors.New("trigger schedule not found")
	ErrTriggerNotRegistered    = errors.New("trigger predicate not registered")

	ErrWorkflowNotRegistered = errors.New("workflow not registered with this runner")
)

// PipelineStatus is the lifecycle state of one pipeline execution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// IsTerminal reports whether the pipeline will never transition again.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelineCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of one task execution row.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskReady      TaskStatus = "ready"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the task execution row will never transition again
// (barring an explicit attempt reset, which is a separate mutation of the same row).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Backoff selects the delay curve the retry policy engine uses between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryCondition governs which failures the retry policy engine treats as retryable.
type RetryCondition string

const (
	RetryAlways        RetryCondition = "always"
	RetryTransientOnly RetryCondition = "transient_only"
	RetryNever         RetryCondition = "never"
)

// CatchupPolicy governs how a cron schedule handles missed fires.
type CatchupPolicy string

const (
	CatchupSkip   CatchupPolicy = "skip"
	CatchupRunAll CatchupPolicy = "run_all"
)

// OverlapStrategy governs what a cron schedule does when its previous fire
// is still non-terminal at the next due time.
type OverlapStrategy string

const (
	OverlapSkip  OverlapStrategy = "skip"
	OverlapQueue OverlapStrategy = "queue"
	OverlapKill  OverlapStrategy = "kill"
)

// CronExecutionStatus tracks one audit row for a cron fire attempt.
type CronExecutionStatus string

const (
	CronTriggered CronExecutionStatus = "triggered"
	CronSubmitted CronExecutionStatus = "submitted"
	CronFailed    CronExecutionStatus = "failed"
)

// RecoveryType classifies what the recovery service did to an orphaned row.
type RecoveryType string

const (
	RecoveryOrphanRetry      RecoveryType = "orphan_retry"
	RecoveryOrphanFail       RecoveryType = "orphan_fail"
	RecoveryPipelineRecovery RecoveryType = "pipeline_recovery"
)
