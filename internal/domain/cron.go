package domain

import "time"

// CronSchedule is a declarative time trigger that produces a new pipeline
// execution each time its expression fires.
type CronSchedule struct {
	ID              string
	WorkflowName    string
	CronExpr        string
	Timezone        string
	Enabled         bool
	NextRunAt       time.Time
	LastRunAt       *time.Time
	LastExecutionID *string
	CatchupPolicy   CatchupPolicy
	OverlapStrategy OverlapStrategy
	MaxCatchup      int // 0 means unbounded
	StartDate       *time.Time
	EndDate         *time.Time
	RootContext     map[string]any
	TenantScope     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CronExecution is one audit row per fire attempt of a CronSchedule.
type CronExecution struct {
	ID                  string
	ScheduleID          string
	ScheduledFor        time.Time
	Status              CronExecutionStatus
	PipelineExecutionID *string
	ErrorDetails        *string
	CreatedAt           time.Time
	CompletedAt         *time.Time
}
