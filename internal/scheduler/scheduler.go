// Package scheduler advances task state for running pipelines: it decides
// which NotStarted tasks have become Ready or Skipped, and detects when a
// pipeline as a whole has finished. It never executes task bodies — that is
// the executor's job, one package over.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/dag"
	"github.com/cloacina-dev/cloacina/internal/domain"
	ctxlog "github.com/cloacina-dev/cloacina/internal/log"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/notify"
	"github.com/cloacina-dev/cloacina/internal/repository"
	"github.com/cloacina-dev/cloacina/internal/taskspec"
)

// Scheduler rebuilds each pipeline's graph from the persisted trigger_rules/
// task_configuration snapshots on its task rows, rather than consulting the
// live workflow registry, so a restart mid-pipeline never changes behavior.
type Scheduler struct {
	pipelines   repository.PipelineRepository
	tasks       repository.TaskExecutionRepository
	contexts    repository.ContextRepository
	logger      *slog.Logger
	tenantScope string
	batchSize   int
	notifier    notify.Notifier
}

// Option configures optional Scheduler behavior beyond its required
// dependencies.
type Option func(*Scheduler)

// WithNotifier registers a Notifier whose NotifyPipelineFailed is called
// once, synchronously, each time a pipeline this scheduler finalizes lands
// on PipelineFailed. A failure here is logged, not propagated: a broken
// notification channel must never stop the scheduler from finalizing.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func New(pipelines repository.PipelineRepository, tasks repository.TaskExecutionRepository, contexts repository.ContextRepository, logger *slog.Logger, tenantScope string, batchSize int, opts ...Option) *Scheduler {
	s := &Scheduler{
		pipelines:   pipelines,
		tasks:       tasks,
		contexts:    contexts,
		logger:      logger.With("component", "scheduler"),
		tenantScope: tenantScope,
		batchSize:   batchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls on interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return
		case <-ticker.C:
			if _, _, err := s.PollOnce(ctx); err != nil {
				s.logger.Error("scheduler poll failed", "error", err)
			}
		}
	}
}

// PollOnce runs one scheduling tick and returns how many tasks were made
// Ready and how many pipelines were finalized.
func (s *Scheduler) PollOnce(ctx context.Context) (tasksMadeReady, pipelinesFinalized int, err error) {
	pipelines, err := s.pipelines.ListNonTerminal(ctx, s.tenantScope, s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list non-terminal pipelines: %w", err)
	}

	for _, p := range pipelines {
		tickCtx := ctxlog.WithPipelineExecutionID(ctx, p.ID)
		ready, finalized, err := s.tick(tickCtx, p)
		if err != nil {
			s.logger.ErrorContext(tickCtx, "scheduler tick failed", "pipeline_execution_id", p.ID, "error", err)
			continue
		}
		tasksMadeReady += ready
		if finalized {
			pipelinesFinalized++
		}
	}
	return tasksMadeReady, pipelinesFinalized, nil
}

func (s *Scheduler) tick(ctx context.Context, p *domain.PipelineExecution) (tasksMadeReady int, finalized bool, err error) {
	rows, err := s.tasks.ListByPipeline(ctx, p.ID)
	if err != nil {
		return 0, false, fmt.Errorf("list task executions: %w", err)
	}

	rowByName := make(map[string]*domain.TaskExecution, len(rows))
	nodes := make([]dag.Node, 0, len(rows))
	for _, t := range rows {
		rowByName[t.TaskName] = t
		node, err := taskspec.NodeFromRow(t.TaskName, t.TriggerRules, t.TaskConfiguration)
		if err != nil {
			return 0, false, fmt.Errorf("decode task %q: %w", t.TaskName, err)
		}
		nodes = append(nodes, node)
	}

	graph, err := dag.Build(p.WorkflowName, p.WorkflowVersion, nodes)
	if err != nil {
		// The DAG was already validated once at creation time; a build
		// failure here means the persisted snapshot is corrupt, not a
		// scheduling condition the scheduler can recover from on its own.
		return 0, false, fmt.Errorf("rebuild graph for pipeline %s: %w", p.ID, err)
	}

	statusByName := make(map[string]domain.TaskStatus, len(rows))
	for name, t := range rowByName {
		statusByName[name] = t.Status
	}

	for _, name := range graph.TopologicalOrder {
		row := rowByName[name]
		if row.Status != domain.TaskNotStarted {
			continue
		}
		node := graph.Nodes[name]

		depsSettled := true
		for _, dep := range node.Dependencies {
			if !statusByName[dep].IsTerminal() {
				depsSettled = false
				break
			}
		}
		if !depsSettled {
			continue
		}

		snapshot, err := s.mergedContext(ctx, p.ID, node.Dependencies, rowByName)
		if err != nil {
			return tasksMadeReady, false, fmt.Errorf("merge context for task %q: %w", name, err)
		}

		fires, err := node.Rule.Evaluate(dag.EvalContext{TaskStatus: statusByName, Context: snapshot})
		if err != nil {
			return tasksMadeReady, false, fmt.Errorf("evaluate trigger rule for task %q: %w", name, err)
		}

		if fires {
			if ok, err := s.tasks.TransitionReady(ctx, row.ID); err != nil {
				return tasksMadeReady, false, fmt.Errorf("transition task %q ready: %w", name, err)
			} else if ok {
				statusByName[name] = domain.TaskReady
				tasksMadeReady++
			}
			continue
		}

		// Every dependency is already terminal, so a false rule can never
		// flip to true later: the task is permanently skipped.
		if ok, err := s.tasks.TransitionSkipped(ctx, row.ID); err != nil {
			return tasksMadeReady, false, fmt.Errorf("transition task %q skipped: %w", name, err)
		} else if ok {
			statusByName[name] = domain.TaskSkipped
		}
	}

	allTerminal := true
	var failedTask *domain.TaskExecution
	for _, name := range graph.TopologicalOrder {
		status := statusByName[name]
		if !status.IsTerminal() {
			allTerminal = false
			break
		}
		if status == domain.TaskFailed && failedTask == nil {
			failedTask = rowByName[name]
		}
	}
	if !allTerminal {
		return tasksMadeReady, false, nil
	}

	finalStatus := domain.PipelineCompleted
	if failedTask != nil {
		finalStatus = domain.PipelineFailed
	}
	if err := s.pipelines.Finalize(ctx, p.ID, finalStatus, nil); err != nil {
		return tasksMadeReady, false, fmt.Errorf("finalize pipeline %s: %w", p.ID, err)
	}
	metrics.PipelinesCompletedTotal.WithLabelValues(p.WorkflowName, string(finalStatus)).Inc()

	if finalStatus == domain.PipelineFailed && s.notifier != nil {
		event := notify.FailureEvent{
			PipelineExecutionID: p.ID,
			WorkflowName:        p.WorkflowName,
			WorkflowVersion:     p.WorkflowVersion,
			FailedTaskName:      failedTask.TaskName,
		}
		if failedTask.LastError != nil {
			event.ErrorDetails = *failedTask.LastError
		}
		if err := s.notifier.NotifyPipelineFailed(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "notify pipeline failed", "pipeline_execution_id", p.ID, "error", err)
		}
	}

	return tasksMadeReady, true, nil
}

// mergedContext reads the root context and each settled dependency's output,
// merging them with the same last-writer-wins rule the executor uses to
// build a task's input, so rule evaluation against context_value sees
// exactly what the task itself would see.
func (s *Scheduler) mergedContext(ctx context.Context, pipelineExecutionID string, deps []string, rowByName map[string]*domain.TaskExecution) (map[string]any, error) {
	var root map[string]any
	if rootValue, err := s.contexts.GetRoot(ctx, pipelineExecutionID); err == nil {
		decoded, err := ctxstore.Decode(rootValue.Payload)
		if err != nil {
			return nil, err
		}
		root = decoded
	}
	// Any error from GetRoot (most commonly: no root context row exists for
	// this pipeline) just means an empty root view, not a failure.

	depOutputs := make([]ctxstore.DepOutput, 0, len(deps))
	for _, dep := range deps {
		v, err := s.contexts.GetByTask(ctx, pipelineExecutionID, dep)
		if err != nil {
			continue // dependency produced no context row (e.g. it was skipped)
		}
		values, err := ctxstore.Decode(v.Payload)
		if err != nil {
			return nil, err
		}
		completedAt := time.Time{}
		if row, ok := rowByName[dep]; ok && row.CompletedAt != nil {
			completedAt = *row.CompletedAt
		}
		depOutputs = append(depOutputs, ctxstore.DepOutput{TaskName: dep, CompletedAt: completedAt, Values: values})
	}

	return ctxstore.MergeInputs(root, depOutputs), nil
}
