// Package cloacina is an embedded, durable workflow engine: it executes
// directed-acyclic graphs of host-supplied tasks with persistent state,
// automatic retries, crash recovery, conditional branching, parallel
// fan-out, and cron- or predicate-based triggers, backed by Postgres or
// SQLite.
package cloacina

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/cron"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/executor"
	"github.com/cloacina-dev/cloacina/internal/infrastructure/postgres"
	"github.com/cloacina-dev/cloacina/internal/infrastructure/sqlite"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/notify"
	"github.com/cloacina-dev/cloacina/internal/recovery"
	"github.com/cloacina-dev/cloacina/internal/registry"
	"github.com/cloacina-dev/cloacina/internal/repository"
	"github.com/cloacina-dev/cloacina/internal/scheduler"
	"github.com/cloacina-dev/cloacina/internal/taskspec"
	"github.com/cloacina-dev/cloacina/internal/trigger"
)

// TriggerPredicate is a host-registered condition, polled once per tick.
type TriggerPredicate = trigger.Predicate

// TriggerDecision is what a TriggerPredicate returns each time it is polled.
type TriggerDecision = trigger.Decision

func SkipTrigger() TriggerDecision                   { return trigger.Skip() }
func FireTrigger(ctx map[string]any) TriggerDecision { return trigger.Fire(ctx) }

// backend is the subset of a dialect's Backend this package depends on,
// satisfied by both internal/infrastructure/postgres.Backend and
// internal/infrastructure/sqlite.Backend.
type backend struct {
	close      func() error
	pipelines  repository.PipelineRepository
	tasks      repository.TaskExecutionRepository
	contexts   repository.ContextRepository
	crons      repository.CronRepository
	triggers   repository.TriggerRepository
	recoveries repository.RecoveryRepository
}

// openBackend selects a DAL implementation by URL scheme: "postgres://" and
// "postgresql://" dial Postgres; "sqlite://" (stripped) or a bare path opens
// SQLite, matching spec.md's dialect-selection rule.
func openBackend(ctx context.Context, databaseURL string) (*backend, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		b, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			close: b.Close, pipelines: b.Pipelines, tasks: b.Tasks, contexts: b.Contexts,
			crons: b.Crons, triggers: b.Triggers, recoveries: b.Recoveries,
		}, nil
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		b, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return &backend{
			close: b.Close, pipelines: b.Pipelines, tasks: b.Tasks, contexts: b.Contexts,
			crons: b.Crons, triggers: b.Triggers, recoveries: b.Recoveries,
		}, nil
	}
}

// Runner wires the DAL, scheduler, executor, cron scheduler, trigger engine,
// and recovery service into a single lifecycle: construct with New (which
// starts every enabled background service), register workflows and triggers,
// submit or execute pipelines, then Shutdown to drain.
type Runner struct {
	backend *backend
	logger  *slog.Logger
	opts    Options

	workflowsMu sync.RWMutex
	workflows   map[string]*Workflow

	predicatesMu sync.RWMutex
	predicates   map[string]trigger.Predicate

	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	cron      *cron.Scheduler
	trigger   *trigger.Engine
	recovery  *recovery.Service
	registry  *registry.Reconciler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to databaseURL, runs migrations for the detected dialect, runs
// one recovery sweep, and starts every enabled background service (scheduler,
// executor, and recovery service always; cron, trigger, and registry loops
// depending on Options).
func New(ctx context.Context, databaseURL string, opts ...Option) (*Runner, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Notifier == nil {
		o.Notifier = notify.NewLogNotifier(o.Logger)
	}

	b, err := openBackend(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	metrics.Register()

	r := &Runner{
		backend:    b,
		logger:     o.Logger,
		opts:       o,
		workflows:  make(map[string]*Workflow),
		predicates: make(map[string]trigger.Predicate),
	}

	workerID := uuid.NewString()
	r.executor = executor.New(b.pipelines, b.tasks, b.contexts, r, o.Logger, workerID, o.MaxConcurrentTasks,
		executor.WithDefaultTimeout(o.TaskTimeout))
	r.scheduler = scheduler.New(b.pipelines, b.tasks, b.contexts, o.Logger, o.TenantScope, o.SchedulerBatchSize,
		scheduler.WithNotifier(o.Notifier))
	r.cron = cron.New(b.crons, r, o.Logger, o.TenantScope, o.CronBatchSize, o.CronLostThreshold)
	r.trigger = trigger.New(b.triggers, b.pipelines, &predicateRegistry{runner: r}, r, o.Logger, o.TenantScope, o.TriggerBasePollInterval)
	r.recovery = recovery.New(b.pipelines, b.tasks, b.recoveries, o.Logger, o.RecoveryLostThreshold, o.RecoveryBatchSize)
	if o.EnableRegistryReconciler {
		r.registry = registry.New(o.RegistryStoragePath, o.RegistrySigningSecret, o.Logger, o.RegistryPollInterval)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	metrics.RunnerStartTime.SetToCurrentTime()

	if _, err := r.recovery.PollOnce(ctx); err != nil {
		o.Logger.Error("recovery sweep at startup", "error", err)
	}

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.scheduler.Run(runCtx, o.SchedulerPollInterval) }()
	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.executor.Run(runCtx, o.ExecutorPollInterval) }()
	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.recovery.Run(runCtx, o.RecoveryPollInterval) }()

	if o.EnableCronScheduling {
		if err := r.cron.RecoverLostExecutions(ctx); err != nil {
			o.Logger.Error("recover lost cron executions at startup", "error", err)
		}
		r.wg.Add(1)
		go func() { defer r.wg.Done(); r.cron.Run(runCtx, o.CronPollInterval) }()
	}
	if o.EnableTriggerScheduling {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.trigger.Run(runCtx); err != nil {
				o.Logger.Error("trigger engine stopped", "error", err)
			}
		}()
	}
	if r.registry != nil {
		r.wg.Add(1)
		go func() { defer r.wg.Done(); r.registry.Run(runCtx) }()
	}

	return r, nil
}

// Shutdown stops every background loop and waits for in-flight goroutines to
// return, then closes the database connection.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.RunnerShutdownsTotal.Inc()
	return r.backend.close()
}

// RegisterWorkflow makes w submittable by name. Re-registering the same name
// replaces the previous definition; in-flight pipeline executions are
// unaffected because the scheduler and executor reconstruct their graph from
// each task row's own persisted snapshot, never from this registry.
func (r *Runner) RegisterWorkflow(w *Workflow) error {
	r.workflowsMu.Lock()
	defer r.workflowsMu.Unlock()
	r.workflows[w.Name] = w
	return nil
}

// Lookup satisfies executor.Registry over this Runner's registered
// workflows.
func (r *Runner) Lookup(workflowName, taskName string) (executor.TaskFunc, bool) {
	r.workflowsMu.RLock()
	w, ok := r.workflows[workflowName]
	r.workflowsMu.RUnlock()
	if !ok {
		return nil, false
	}
	fn, ok := w.lookup(taskName)
	if !ok {
		return nil, false
	}
	return executor.TaskFunc(fn), true
}

// Submit creates a new pipeline execution for workflowName and returns its
// id without waiting for it to reach a terminal state.
func (r *Runner) Submit(ctx context.Context, workflowName string, rootContext map[string]any) (string, error) {
	r.workflowsMu.RLock()
	w, ok := r.workflows[workflowName]
	r.workflowsMu.RUnlock()
	if !ok {
		return "", domain.ErrWorkflowNotRegistered
	}

	pipeline, err := r.backend.pipelines.Create(ctx, &domain.PipelineExecution{
		WorkflowName:    w.Name,
		WorkflowVersion: w.VersionFP,
		Status:          domain.PipelinePending,
		StartedAt:       time.Now(),
		TenantScope:     r.opts.TenantScope,
	})
	if err != nil {
		return "", fmt.Errorf("create pipeline execution: %w", err)
	}

	if rootContext != nil {
		hash, canonical, err := ctxstore.ContentHash(rootContext)
		if err != nil {
			return "", fmt.Errorf("hash root context: %w", err)
		}
		if _, err := r.backend.contexts.Insert(ctx, &domain.ContextValue{
			PipelineExecutionID: pipeline.ID,
			ProducingTaskName:   nil,
			Payload:             canonical,
			ContentHash:         hash,
		}); err != nil {
			return "", fmt.Errorf("persist root context: %w", err)
		}
	}

	rows := make([]*domain.TaskExecution, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		node := w.graph.Nodes[t.ID]
		ruleBytes, err := taskspec.EncodeRule(node.Rule)
		if err != nil {
			return "", fmt.Errorf("encode trigger rule for task %q: %w", t.ID, err)
		}
		configBytes, err := taskspec.EncodeConfig(taskspec.Config{
			Dependencies: node.Dependencies,
			Timeout:      node.Timeout,
			Retry:        node.Retry,
		})
		if err != nil {
			return "", fmt.Errorf("encode task configuration for task %q: %w", t.ID, err)
		}
		rows = append(rows, &domain.TaskExecution{
			PipelineExecutionID: pipeline.ID,
			TaskName:            t.ID,
			Status:              domain.TaskNotStarted,
			MaxAttempts:         node.Retry.Attempts,
			TriggerRules:        ruleBytes,
			TaskConfiguration:   configBytes,
		})
	}
	if err := r.backend.tasks.CreateBatch(ctx, rows); err != nil {
		return "", fmt.Errorf("create task executions: %w", err)
	}

	if err := r.backend.pipelines.SetRunning(ctx, pipeline.ID); err != nil {
		return "", fmt.Errorf("mark pipeline running: %w", err)
	}

	return pipeline.ID, nil
}

// Execute submits workflowName and blocks until its pipeline reaches a
// terminal state, then returns the assembled result.
func (r *Runner) Execute(ctx context.Context, workflowName string, rootContext map[string]any) (*domain.PipelineResult, error) {
	pipelineExecutionID, err := r.Submit(ctx, workflowName, rootContext)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			pipeline, err := r.backend.pipelines.GetByID(ctx, pipelineExecutionID)
			if err != nil {
				return nil, fmt.Errorf("load pipeline execution: %w", err)
			}
			if !pipeline.Status.IsTerminal() {
				continue
			}
			return r.buildResult(ctx, pipeline)
		}
	}
}

// GetPipeline returns the current, possibly still-running, state of a
// pipeline execution in the same shape Execute returns on completion.
func (r *Runner) GetPipeline(ctx context.Context, pipelineExecutionID string) (*domain.PipelineResult, error) {
	pipeline, err := r.backend.pipelines.GetByID(ctx, pipelineExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline execution: %w", err)
	}
	return r.buildResult(ctx, pipeline)
}

// ListActivePipelines returns pipelines not yet in a terminal status,
// bounded by limit, for the admin introspection surface.
func (r *Runner) ListActivePipelines(ctx context.Context, limit int) ([]*domain.PipelineExecution, error) {
	return r.backend.pipelines.ListNonTerminal(ctx, r.opts.TenantScope, limit)
}

// ListPipelineTasks returns every task execution row belonging to a
// pipeline, for the admin introspection surface.
func (r *Runner) ListPipelineTasks(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error) {
	return r.backend.tasks.ListByPipeline(ctx, pipelineExecutionID)
}

func (r *Runner) buildResult(ctx context.Context, pipeline *domain.PipelineExecution) (*domain.PipelineResult, error) {
	rows, err := r.backend.tasks.ListByPipeline(ctx, pipeline.ID)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}

	result := &domain.PipelineResult{
		PipelineExecutionID: pipeline.ID,
		Status:              pipeline.Status,
		FinalContext:        map[string]any{},
	}
	if pipeline.ErrorDetails != nil {
		result.ErrorDetails = *pipeline.ErrorDetails
	}

	if root, err := r.backend.contexts.GetRoot(ctx, pipeline.ID); err == nil {
		if decoded, derr := ctxstore.Decode(root.Payload); derr == nil {
			for k, v := range decoded {
				result.FinalContext[k] = v
			}
		}
	}

	for _, row := range rows {
		status := domain.PerTaskStatus{TaskName: row.TaskName, Status: row.Status, Attempt: row.Attempt}
		if row.LastError != nil {
			status.Error = *row.LastError
		}
		result.PerTaskStatus = append(result.PerTaskStatus, status)

		if row.Status != domain.TaskCompleted {
			continue
		}
		v, err := r.backend.contexts.GetByTask(ctx, pipeline.ID, row.TaskName)
		if err != nil {
			continue
		}
		decoded, err := ctxstore.Decode(v.Payload)
		if err != nil {
			continue
		}
		for k, val := range decoded {
			result.FinalContext[k] = val
		}
	}

	return result, nil
}

// Cancel marks a pipeline execution Cancelled and skips every task row still
// NotStarted. A task already Ready or Running is left to finish its current
// attempt: the engine has no atomic "cancel regardless of claim state"
// transition, and racing the executor's own claim would reintroduce exactly
// the double-invocation risk the claim protocol exists to prevent. This
// reconciliation intentionally lives here rather than in the scheduler,
// since Cancelled is a host-initiated transition, not one the scheduler's
// own readiness/termination algorithm ever produces on its own.
func (r *Runner) Cancel(ctx context.Context, pipelineExecutionID string) error {
	if err := r.backend.pipelines.Cancel(ctx, pipelineExecutionID); err != nil {
		return fmt.Errorf("cancel pipeline execution: %w", err)
	}

	rows, err := r.backend.tasks.ListByPipeline(ctx, pipelineExecutionID)
	if err != nil {
		return fmt.Errorf("list task executions for cancellation: %w", err)
	}
	for _, row := range rows {
		if row.Status != domain.TaskNotStarted {
			continue
		}
		if _, err := r.backend.tasks.TransitionSkipped(ctx, row.ID); err != nil {
			r.logger.Error("skip task on pipeline cancellation", "task_execution_id", row.ID, "error", err)
		}
	}
	return nil
}

// RegisterCronWorkflow creates a time-based trigger for workflowName that
// fires on cronExpr (standard five-field), returning the schedule's id.
func (r *Runner) RegisterCronWorkflow(ctx context.Context, workflowName, cronExpr, timezone string, opts ...CronOption) (string, error) {
	if err := cron.ValidateExpr(cronExpr); err != nil {
		return "", err
	}

	co := cronOptions{
		catchupPolicy:   domain.CatchupSkip,
		overlapStrategy: domain.OverlapSkip,
		maxCatchup:      r.opts.CronMaxCatchupExecutions,
		enabled:         true,
	}
	for _, opt := range opts {
		opt(&co)
	}

	nextRun, err := firstFireAfter(cronExpr, time.Now())
	if err != nil {
		return "", err
	}

	sched, err := r.backend.crons.Create(ctx, &domain.CronSchedule{
		WorkflowName:    workflowName,
		CronExpr:        cronExpr,
		Timezone:        timezone,
		Enabled:         co.enabled,
		NextRunAt:       nextRun,
		CatchupPolicy:   co.catchupPolicy,
		OverlapStrategy: co.overlapStrategy,
		MaxCatchup:      co.maxCatchup,
		RootContext:     co.rootContext,
		TenantScope:     r.opts.TenantScope,
	})
	if err != nil {
		return "", fmt.Errorf("create cron schedule: %w", err)
	}
	return sched.ID, nil
}

func (r *Runner) SetCronEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	return r.backend.crons.SetEnabled(ctx, scheduleID, enabled)
}

func (r *Runner) ListCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error) {
	return r.backend.crons.List(ctx, r.opts.TenantScope)
}

// RegisterTrigger creates a predicate-based trigger: predicate is polled on
// its own interval and, when it fires, submits a new execution of
// workflowName. Registering after the runner has already started may take up
// to TriggerBasePollInterval before the trigger engine picks up the new
// schedule and starts polling it.
func (r *Runner) RegisterTrigger(ctx context.Context, triggerName, workflowName string, predicate TriggerPredicate, opts ...TriggerOption) (string, error) {
	to := triggerOptions{
		pollInterval: r.opts.TriggerBasePollInterval,
		enabled:      true,
	}
	for _, opt := range opts {
		opt(&to)
	}

	sched, err := r.backend.triggers.Create(ctx, &domain.TriggerSchedule{
		TriggerName:     triggerName,
		WorkflowName:    workflowName,
		PollInterval:    to.pollInterval,
		Enabled:         to.enabled,
		AllowConcurrent: to.allowConcurrent,
		TenantScope:     r.opts.TenantScope,
	})
	if err != nil {
		return "", fmt.Errorf("create trigger schedule: %w", err)
	}

	r.predicatesMu.Lock()
	r.predicates[triggerName] = predicate
	r.predicatesMu.Unlock()

	return sched.ID, nil
}

// lookupPredicate resolves one of this Runner's registered predicates; the
// predicateRegistry adapter exposes it as trigger.PredicateRegistry.
func (r *Runner) lookupPredicate(triggerName string) (trigger.Predicate, bool) {
	r.predicatesMu.RLock()
	defer r.predicatesMu.RUnlock()
	p, ok := r.predicates[triggerName]
	return p, ok
}

func (r *Runner) ListTriggerSchedules(ctx context.Context) ([]*domain.TriggerSchedule, error) {
	return r.backend.triggers.List(ctx, r.opts.TenantScope)
}

func (r *Runner) SetTriggerEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	return r.backend.triggers.SetEnabled(ctx, scheduleID, enabled)
}

func (r *Runner) GetTriggerExecutionHistory(ctx context.Context, triggerName string, limit int) ([]*domain.TriggerExecution, error) {
	return r.backend.triggers.ListExecutionHistory(ctx, triggerName, limit)
}

// ListRegisteredPackages returns every workflow package manifest the
// registry reconciler currently considers valid. Returns nil if the
// reconciler wasn't enabled via WithRegistryReconciler.
func (r *Runner) ListRegisteredPackages() []registry.Manifest {
	if r.registry == nil {
		return nil
	}
	return r.registry.Loaded()
}
