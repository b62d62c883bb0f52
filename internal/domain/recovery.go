package domain

import "time"

// RecoveryEvent is one audit row written whenever the recovery service
// reconciles an orphaned task or pipeline execution after a crash.
type RecoveryEvent struct {
	ID                  string
	PipelineExecutionID string
	TaskExecutionID     *string
	Type                RecoveryType
	Detail              string
	CreatedAt           time.Time
}
