package domain

import "time"

// ContextValue is one content-addressed context row written by a task (or the
// pipeline root).
type ContextValue struct {
	ID                  string
	PipelineExecutionID string
	ProducingTaskName   *string // nil for the root context
	Payload             []byte  // canonical serialized key/value map
	ContentHash         string
	CreatedAt           time.Time
}
