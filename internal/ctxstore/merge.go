package ctxstore

import (
	"sort"
	"time"
)

// DepOutput is one upstream dependency's persisted output, as seen by the
// task about to be invoked.
type DepOutput struct {
	TaskName    string
	CompletedAt time.Time
	Values      map[string]any
}

// MergeInputs builds the input view a task body receives: the root context
// merged first (lowest precedence), then each dependency's output applied in
// ascending (completed_at, task_name) order so that, on a key collision, the
// most-recently-completed task wins and ties break on task name.
func MergeInputs(root map[string]any, deps []DepOutput) map[string]any {
	sorted := make([]DepOutput, len(deps))
	copy(sorted, deps)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CompletedAt.Equal(sorted[j].CompletedAt) {
			return sorted[i].CompletedAt.Before(sorted[j].CompletedAt)
		}
		return sorted[i].TaskName < sorted[j].TaskName
	})

	merged := make(map[string]any, len(root))
	for k, v := range root {
		merged[k] = v
	}
	for _, d := range sorted {
		for k, v := range d.Values {
			merged[k] = v
		}
	}
	return merged
}
