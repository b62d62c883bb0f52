// Package executor claims Ready task executions, invokes their bodies, and
// persists the result: a new context row and a Completed/Failed/Ready-for-
// retry transition. It never decides readiness — that is the scheduler's
// job, one package over.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/dag"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
	ctxlog "github.com/cloacina-dev/cloacina/internal/log"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/repository"
	"github.com/cloacina-dev/cloacina/internal/retry"
	"github.com/cloacina-dev/cloacina/internal/taskspec"
)

// TaskFunc is one task's invocable body: it reads and writes context keys
// through tc and returns an error to signal failure. Errors should satisfy
// engineerr.Classify; a plain error defaults to ExecutionFailed (transient).
type TaskFunc func(ctx context.Context, tc *ctxstore.TaskContext) error

// Registry resolves a task body by (workflow_name, task_name). The host
// package implements this over its own in-memory workflow bookkeeping.
type Registry interface {
	Lookup(workflowName, taskName string) (TaskFunc, bool)
}

// Executor claims and runs ready task executions.
type Executor struct {
	pipelines      repository.PipelineRepository
	tasks          repository.TaskExecutionRepository
	contexts       repository.ContextRepository
	registry       Registry
	logger         *slog.Logger
	workerID       string
	defaultTimeout time.Duration

	sem chan struct{}
}

type Option func(*Executor)

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

func New(pipelines repository.PipelineRepository, tasks repository.TaskExecutionRepository, contexts repository.ContextRepository, registry Registry, logger *slog.Logger, workerID string, maxConcurrentTasks int, opts ...Option) *Executor {
	e := &Executor{
		pipelines:      pipelines,
		tasks:          tasks,
		contexts:       contexts,
		registry:       registry,
		logger:         logger.With("component", "executor", "worker_id", workerID),
		workerID:       workerID,
		defaultTimeout: 5 * time.Minute,
		sem:            make(chan struct{}, maxConcurrentTasks),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run polls on interval until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("executor started", "interval", interval, "max_concurrent_tasks", cap(e.sem))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor shut down")
			return
		case <-ticker.C:
			e.PollOnce(ctx)
		}
	}
}

// PollOnce claims up to the number of currently free slots and spawns each
// claimed task on its own goroutine; it does not block on their completion.
func (e *Executor) PollOnce(ctx context.Context) {
	free := cap(e.sem) - len(e.sem)
	if free <= 0 {
		return
	}

	rows, err := e.tasks.Claim(ctx, e.workerID, free)
	if err != nil {
		e.logger.Error("claim failed", "error", err)
		return
	}

	for _, row := range rows {
		e.sem <- struct{}{}
		go func(row *domain.TaskExecution) {
			defer func() { <-e.sem }()
			e.runTask(ctx, row)
		}(row)
	}
}

// RunTaskForTest runs a single claimed row synchronously, bypassing the
// claim/semaphore machinery in PollOnce. Exported for tests in this
// package's own test suite; not part of the host-facing surface.
func (e *Executor) RunTaskForTest(ctx context.Context, row *domain.TaskExecution) {
	e.runTask(ctx, row)
}

func (e *Executor) runTask(ctx context.Context, row *domain.TaskExecution) {
	ctx = ctxlog.WithPipelineExecutionID(ctx, row.PipelineExecutionID)

	node, err := taskspec.NodeFromRow(row.TaskName, row.TriggerRules, row.TaskConfiguration)
	if err != nil {
		e.logger.ErrorContext(ctx, "decode task configuration", "task_execution_id", row.ID, "error", err)
		_ = e.tasks.Fail(ctx, row.ID, fmt.Sprintf("corrupt task configuration: %v", err))
		return
	}

	pipeline, err := e.pipelines.GetByID(ctx, row.PipelineExecutionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load pipeline", "pipeline_execution_id", row.PipelineExecutionID, "error", err)
		return
	}

	body, ok := e.registry.Lookup(pipeline.WorkflowName, row.TaskName)
	if !ok {
		_ = e.tasks.Fail(ctx, row.ID, fmt.Sprintf("no task body registered for %s/%s", pipeline.WorkflowName, row.TaskName))
		return
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := e.resolveInput(runCtx, row.PipelineExecutionID, node.Dependencies)
	if err != nil {
		e.logger.ErrorContext(ctx, "resolve input context", "task_execution_id", row.ID, "error", err)
		_ = e.tasks.Fail(ctx, row.ID, fmt.Sprintf("resolve input context: %v", err))
		return
	}

	tc := ctxstore.NewTaskContext(input)
	metrics.TasksInFlight.Inc()
	start := time.Now()
	runErr := body(runCtx, tc)
	duration := time.Since(start)
	metrics.TasksInFlight.Dec()

	if runErr == nil {
		e.complete(ctx, row, pipeline.WorkflowName, tc, duration)
		return
	}

	e.fail(ctx, row, pipeline.WorkflowName, node, runErr, duration)
}

func (e *Executor) complete(ctx context.Context, row *domain.TaskExecution, workflowName string, tc *ctxstore.TaskContext, duration time.Duration) {
	hash, canonical, err := ctxstore.ContentHash(tc.Output())
	if err != nil {
		e.logger.ErrorContext(ctx, "hash task output", "task_execution_id", row.ID, "error", err)
		_ = e.tasks.Fail(ctx, row.ID, fmt.Sprintf("hash task output: %v", err))
		return
	}

	taskName := row.TaskName
	if _, err := e.contexts.Insert(ctx, &domain.ContextValue{
		PipelineExecutionID: row.PipelineExecutionID,
		ProducingTaskName:   &taskName,
		Payload:             canonical,
		ContentHash:         hash,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist task output", "task_execution_id", row.ID, "error", err)
		_ = e.tasks.Fail(ctx, row.ID, fmt.Sprintf("persist task output: %v", err))
		return
	}

	if err := e.tasks.Complete(ctx, row.ID); err != nil {
		e.logger.ErrorContext(ctx, "mark task complete", "task_execution_id", row.ID, "error", err)
		return
	}
	metrics.TaskExecutionDuration.WithLabelValues(workflowName, row.TaskName, "completed").Observe(duration.Seconds())
	metrics.TasksCompletedTotal.WithLabelValues(workflowName, row.TaskName, "completed").Inc()
	e.logger.InfoContext(ctx, "task completed", "task_execution_id", row.ID, "task_name", row.TaskName, "duration", duration)
}

func (e *Executor) fail(ctx context.Context, row *domain.TaskExecution, workflowName string, node dag.Node, runErr error, duration time.Duration) {
	kind := engineerr.Classify(runErr)
	policy := retry.FromDAG(node.Retry)

	if policy.ShouldRetry(kind, row.Attempt) {
		delay := policy.Delay(row.Attempt)
		e.logger.WarnContext(ctx, "task failed, will retry", "task_execution_id", row.ID, "task_name", row.TaskName,
			"attempt", row.Attempt, "kind", kind, "delay", delay, "duration", duration, "error", runErr)
		metrics.TaskExecutionDuration.WithLabelValues(workflowName, row.TaskName, "retried").Observe(duration.Seconds())
		metrics.TasksCompletedTotal.WithLabelValues(workflowName, row.TaskName, "retried").Inc()
		go func() {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if err := e.tasks.ResetForRetry(ctx, row.ID, runErr.Error()); err != nil {
				e.logger.ErrorContext(ctx, "reset task for retry", "task_execution_id", row.ID, "error", err)
			}
		}()
		return
	}

	e.logger.ErrorContext(ctx, "task failed permanently", "task_execution_id", row.ID, "task_name", row.TaskName,
		"attempt", row.Attempt, "kind", kind, "duration", duration, "error", runErr)
	if err := e.tasks.Fail(ctx, row.ID, runErr.Error()); err != nil {
		e.logger.ErrorContext(ctx, "mark task failed", "task_execution_id", row.ID, "error", err)
	}
	metrics.TaskExecutionDuration.WithLabelValues(workflowName, row.TaskName, "failed").Observe(duration.Seconds())
	metrics.TasksCompletedTotal.WithLabelValues(workflowName, row.TaskName, "failed").Inc()
}

// resolveInput reads the pipeline's root context plus each dependency's
// persisted output and merges them with the same last-writer-wins rule the
// scheduler uses for context_value rule evaluation, so the task sees
// exactly what determined its own readiness.
func (e *Executor) resolveInput(ctx context.Context, pipelineExecutionID string, deps []string) (map[string]any, error) {
	var root map[string]any
	if rootValue, err := e.contexts.GetRoot(ctx, pipelineExecutionID); err == nil {
		decoded, err := ctxstore.Decode(rootValue.Payload)
		if err != nil {
			return nil, err
		}
		root = decoded
	}

	depOutputs := make([]ctxstore.DepOutput, 0, len(deps))
	for _, dep := range deps {
		v, err := e.contexts.GetByTask(ctx, pipelineExecutionID, dep)
		if err != nil {
			continue
		}
		values, err := ctxstore.Decode(v.Payload)
		if err != nil {
			return nil, err
		}
		depOutputs = append(depOutputs, ctxstore.DepOutput{TaskName: dep, CompletedAt: v.CreatedAt, Values: values})
	}

	return ctxstore.MergeInputs(root, depOutputs), nil
}
