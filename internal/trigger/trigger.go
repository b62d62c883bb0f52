// Package trigger polls host-registered predicates and turns a Fire decision
// into a new pipeline execution, deduplicating concurrent fires of the same
// trigger against the same context by content fingerprint.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/repository"
)

const noContextFingerprint = "sentinel:no-context"

// Decision is what a predicate returns each time it is polled.
type Decision struct {
	Fire    bool
	Context map[string]any // meaningful only when Fire is true; nil is valid
}

// Skip tells the engine not to fire this tick.
func Skip() Decision { return Decision{} }

// Fire tells the engine to create a pipeline execution, using ctx (which may
// be nil) as its root context.
func Fire(ctx map[string]any) Decision { return Decision{Fire: true, Context: ctx} }

// Predicate is a host-registered condition, polled once per tick. It must be
// side-effect-light: it may be invoked repeatedly without external effects
// beyond its own Fire/Skip decision.
type Predicate func(ctx context.Context) (Decision, error)

// PredicateRegistry resolves a predicate by trigger name. The host package
// implements this over its own registration bookkeeping.
type PredicateRegistry interface {
	Lookup(triggerName string) (Predicate, bool)
}

// Submitter creates a new pipeline execution for a workflow. The host
// package implements this over its own Runner.
type Submitter interface {
	Submit(ctx context.Context, workflowName string, rootContext map[string]any) (pipelineExecutionID string, err error)
}

// Engine runs one poll loop per enabled trigger schedule, each respecting
// its own poll interval.
type Engine struct {
	schedules        repository.TriggerRepository
	pipelines        repository.PipelineRepository
	registry         PredicateRegistry
	submitter        Submitter
	logger           *slog.Logger
	tenantScope      string
	basePollInterval time.Duration
}

func New(schedules repository.TriggerRepository, pipelines repository.PipelineRepository, registry PredicateRegistry, submitter Submitter, logger *slog.Logger, tenantScope string, basePollInterval time.Duration) *Engine {
	return &Engine{
		schedules:        schedules,
		pipelines:        pipelines,
		registry:         registry,
		submitter:        submitter,
		logger:           logger.With("component", "trigger_engine"),
		tenantScope:      tenantScope,
		basePollInterval: basePollInterval,
	}
}

// Run periodically re-lists trigger schedules and keeps exactly one poll
// goroutine running per enabled schedule, starting loops for schedules
// registered after Run began and stopping loops for schedules that were
// disabled or removed since the last reconciliation. It blocks until ctx is
// cancelled and every per-trigger loop has returned.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	running := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range running {
			cancel()
		}
		wg.Wait()
	}()

	if err := e.reconcile(ctx, &wg, running); err != nil {
		return err
	}

	ticker := time.NewTicker(e.basePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.reconcile(ctx, &wg, running); err != nil {
				e.logger.Error("list trigger schedules", "error", err)
			}
		}
	}
}

// reconcile brings running up to date with the current schedule set: it
// starts a loop for every enabled schedule not already tracked in running,
// and stops the loop for any tracked schedule that has since been disabled
// or removed.
func (e *Engine) reconcile(ctx context.Context, wg *sync.WaitGroup, running map[string]context.CancelFunc) error {
	schedules, err := e.schedules.List(ctx, e.tenantScope)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(schedules))
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		seen[s.ID] = true
		if _, ok := running[s.ID]; ok {
			continue
		}

		loopCtx, cancel := context.WithCancel(ctx)
		running[s.ID] = cancel
		wg.Add(1)
		go func(s *domain.TriggerSchedule) {
			defer wg.Done()
			e.runLoop(loopCtx, s)
		}(s)
	}

	for id, cancel := range running {
		if !seen[id] {
			cancel()
			delete(running, id)
		}
	}
	return nil
}

func (e *Engine) runLoop(ctx context.Context, s *domain.TriggerSchedule) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = e.basePollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("trigger poll loop started", "trigger_name", s.TriggerName, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PollOnce(ctx, s)
		}
	}
}

// PollOnce evaluates one trigger schedule's predicate a single time. Errors
// the predicate raises are logged and swallowed: the schedule stays enabled
// and the next tick proceeds normally.
func (e *Engine) PollOnce(ctx context.Context, s *domain.TriggerSchedule) {
	predicate, ok := e.registry.Lookup(s.TriggerName)
	if !ok {
		e.logger.Error("no predicate registered for trigger", "trigger_name", s.TriggerName)
		return
	}

	decision, err := predicate(ctx)
	if err != nil {
		wrapped := engineerr.NewTriggerEvalError(s.TriggerName, err)
		e.logger.Error("trigger predicate raised", "trigger_name", s.TriggerName, "error", wrapped)
		return
	}
	if !decision.Fire {
		return
	}

	fingerprint := fingerprintFor(decision.Context)

	if !s.AllowConcurrent {
		active, err := e.hasActiveFire(ctx, s.TriggerName, fingerprint)
		if err != nil {
			e.logger.Error("check active trigger execution", "trigger_name", s.TriggerName, "error", err)
			return
		}
		if active {
			e.logger.Info("trigger fire deduped against active execution", "trigger_name", s.TriggerName, "fingerprint", fingerprint)
			metrics.TriggerFiresTotal.WithLabelValues(s.TriggerName, "deduped").Inc()
			return
		}
	}

	pipelineExecutionID, err := e.submitter.Submit(ctx, s.WorkflowName, decision.Context)
	if err != nil {
		e.logger.Error("submit triggered workflow", "trigger_name", s.TriggerName, "workflow_name", s.WorkflowName, "error", err)
		metrics.TriggerFiresTotal.WithLabelValues(s.TriggerName, "failed").Inc()
		return
	}
	metrics.TriggerFiresTotal.WithLabelValues(s.TriggerName, "submitted").Inc()

	if _, err := e.schedules.CreateExecution(ctx, &domain.TriggerExecution{
		TriggerScheduleID:   s.ID,
		TriggerName:         s.TriggerName,
		ContextFingerprint:  fingerprint,
		PipelineExecutionID: pipelineExecutionID,
		FiredAt:             time.Now(),
	}); err != nil {
		e.logger.Error("record trigger execution", "trigger_name", s.TriggerName, "error", err)
	}

	if err := e.schedules.RecordFired(ctx, s.ID, time.Now()); err != nil {
		e.logger.Error("record trigger last fired", "trigger_name", s.TriggerName, "error", err)
	}

	e.logger.Info("trigger fired", "trigger_name", s.TriggerName, "pipeline_execution_id", pipelineExecutionID, "fingerprint", fingerprint)
}

// hasActiveFire reports whether the most recent execution for (triggerName,
// fingerprint) still has a non-terminal pipeline. The repository layer
// tracks only the latest execution per fingerprint; whether it is still
// "active" depends on that pipeline's current status, which only the
// pipeline repository knows, so the two are joined here rather than in SQL.
func (e *Engine) hasActiveFire(ctx context.Context, triggerName, fingerprint string) (bool, error) {
	exec, found, err := e.schedules.FindActiveByFingerprint(ctx, triggerName, fingerprint)
	if err != nil || !found {
		return false, err
	}
	pipeline, err := e.pipelines.GetByID(ctx, exec.PipelineExecutionID)
	if err != nil {
		if err == domain.ErrPipelineNotFound {
			return false, nil
		}
		return false, err
	}
	return !pipeline.Status.IsTerminal(), nil
}

// fingerprintFor computes the deterministic content fingerprint a fire's
// context is deduplicated on. A nil context (Fire with no payload) always
// gets the same sentinel so repeated no-context fires of the same trigger
// still dedupe against one another.
func fingerprintFor(payload map[string]any) string {
	if payload == nil {
		return noContextFingerprint
	}
	hash, _, err := ctxstore.ContentHash(payload)
	if err != nil {
		return noContextFingerprint
	}
	return hash
}
