package cloacina

import (
	"context"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/dag"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

// Context is the mutable view a task body gets of a pipeline's accumulated
// state: reads fall back to the merged snapshot of its dependencies' outputs
// plus the pipeline's root context; writes are tracked separately so only
// what this task actually produced gets content-hashed into a new context
// row.
type Context = ctxstore.TaskContext

// TaskFunc is one task's invocable body.
type TaskFunc func(ctx context.Context, tc *Context) error

// RetryPolicy configures how a task's failures are retried. A policy with
// Attempts == 0 (the zero value included) is replaced by DefaultRetryPolicy()
// when NewWorkflow builds the task.
type RetryPolicy struct {
	Attempts       int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Backoff        domain.Backoff
	Jitter         bool
	RetryCondition domain.RetryCondition
}

// DefaultRetryPolicy is what a task gets when it declares no policy of its
// own: 3 attempts, 1s initial delay, 30s cap, exponential backoff with
// jitter, retrying only transient failures.
func DefaultRetryPolicy() RetryPolicy {
	d := dag.DefaultRetryPolicy()
	return RetryPolicy{
		Attempts:       d.Attempts,
		InitialDelay:   d.InitialDelay,
		MaxDelay:       d.MaxDelay,
		Backoff:        d.Backoff,
		Jitter:         d.Jitter,
		RetryCondition: d.RetryCondition,
	}
}

func (p RetryPolicy) toDAG() dag.RetryPolicy {
	return dag.RetryPolicy{
		Attempts:       p.Attempts,
		InitialDelay:   p.InitialDelay,
		MaxDelay:       p.MaxDelay,
		Backoff:        p.Backoff,
		Jitter:         p.Jitter,
		RetryCondition: p.RetryCondition,
	}
}

// Rule is a trigger rule expression tree: a leaf (TaskSuccess, TaskFailed,
// ContextValue, Always, Never) or a composition (All, Any) of child rules.
// The zero value is the default: "all declared dependencies succeeded",
// applied automatically by NewWorkflow when TaskDescriptor.Rule is left unset.
type Rule = dag.Rule

func TaskSuccess(taskName string) Rule { return dag.TaskSuccess(taskName) }
func TaskFailed(taskName string) Rule  { return dag.TaskFailed(taskName) }
func Always() Rule                     { return dag.Always() }
func Never() Rule                      { return dag.Never() }
func All(rules ...Rule) Rule           { return dag.All(rules...) }
func Any(rules ...Rule) Rule           { return dag.Any(rules...) }

type CompareOp = dag.CompareOp

const (
	OpEquals      = dag.OpEquals
	OpGreaterThan = dag.OpGreaterThan
	OpLessThan    = dag.OpLessThan
	OpNotEquals   = dag.OpNotEquals
)

func ContextValue(key string, op CompareOp, literal any) Rule {
	return dag.ContextValue(key, op, literal)
}

// TaskDescriptor is one node of a Workflow: its dependency edges, its
// optional trigger rule, its retry policy, its timeout, and the body the
// host supplies to actually run it.
type TaskDescriptor struct {
	ID           string
	Dependencies []string
	Rule         Rule // zero value (Kind == "") means DefaultRule(Dependencies), applied by NewWorkflow
	Retry        RetryPolicy
	Timeout      time.Duration
	Invoke       TaskFunc
}
