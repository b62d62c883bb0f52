package domain

import "time"

// PipelineExecution is one row per DAG invocation.
type PipelineExecution struct {
	ID              string
	WorkflowName    string
	WorkflowVersion string
	Status          PipelineStatus
	RootContextID   *string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorDetails    *string
	TenantScope     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskExecution is one row per (pipeline, task_name).
type TaskExecution struct {
	ID                  string
	PipelineExecutionID string
	TaskName            string
	Status              TaskStatus
	Attempt             int
	MaxAttempts         int
	StartedAt           *time.Time
	CompletedAt         *time.Time
	LastError           *string
	WorkerID            *string

	// TriggerRules and TaskConfiguration are serialized (JSON) snapshots taken
	// at pipeline-creation time so scheduling never depends on the in-memory
	// workflow registry outliving a crash.
	TriggerRules      []byte
	TaskConfiguration []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PerTaskStatus is the per-task view returned to the host in a PipelineResult.
type PerTaskStatus struct {
	TaskName string
	Status   TaskStatus
	Attempt  int
	Error    string
}

// PipelineResult is what `Runner.Execute` returns to the host.
type PipelineResult struct {
	PipelineExecutionID string
	Status              PipelineStatus
	FinalContext        map[string]any
	PerTaskStatus       []PerTaskStatus
	ErrorDetails        string
}
