package ctxstore

import (
	"sort"
	"sync"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

// TaskContext is the mutable handle a task body receives: a read-only
// snapshot of merged upstream state, plus a write set the task accumulates
// over its invocation. It never exposes the task's own writes back through
// Get as if they were already durable; readers see snapshot-then-written, so
// a task can still read back what it just wrote within the same invocation.
type TaskContext struct {
	mu       sync.Mutex
	snapshot map[string]any
	written  map[string]any
}

// NewTaskContext wraps a merged input snapshot for one task invocation.
func NewTaskContext(snapshot map[string]any) *TaskContext {
	return &TaskContext{snapshot: snapshot, written: make(map[string]any)}
}

// Get returns the current value for key, preferring a value this task has
// already written this invocation over the upstream snapshot.
func (c *TaskContext) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.written[key]; ok {
		return v, true
	}
	v, ok := c.snapshot[key]
	return v, ok
}

// Insert writes a new key. It fails with domain.ErrContextKeyExists if this
// task has already written that key during this invocation.
func (c *TaskContext) Insert(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.written[key]; ok {
		return domain.ErrContextKeyExists
	}
	c.written[key] = value
	return nil
}

// Update overwrites key unconditionally, whether or not this task has
// already written it.
func (c *TaskContext) Update(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written[key] = value
}

// Keys returns every key visible to this task, from the upstream snapshot or
// from its own writes, sorted for deterministic iteration.
func (c *TaskContext) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.snapshot)+len(c.written))
	keys := make([]string, 0, len(c.snapshot)+len(c.written))
	for k := range c.snapshot {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range c.written {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Output returns the set of keys this task wrote, the payload the executor
// persists (and content-hashes) as this task execution's result.
func (c *TaskContext) Output() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.written))
	for k, v := range c.written {
		out[k] = v
	}
	return out
}
