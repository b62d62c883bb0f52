package domain

import "time"

// TriggerSchedule is a condition-based producer of new pipeline executions:
// a registered predicate is polled on an interval and, when it fires, creates
// a pipeline execution for the named workflow.
type TriggerSchedule struct {
	ID              string
	TriggerName     string
	WorkflowName    string
	PollInterval    time.Duration
	Enabled         bool
	AllowConcurrent bool
	LastFiredAt     *time.Time
	TenantScope     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerExecution is one history row per fire, keyed by (trigger_name,
// context_fingerprint) so a predicate can't fire twice for the same content.
type TriggerExecution struct {
	ID                  string
	TriggerScheduleID   string
	TriggerName         string
	ContextFingerprint  string
	PipelineExecutionID string
	FiredAt             time.Time
}
