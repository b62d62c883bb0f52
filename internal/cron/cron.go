// Package cron turns declarative cron_schedules rows into new pipeline
// executions on their own poll loop: due schedules are claimed with an
// optimistic compare-and-swap on next_run_at so exactly one scheduler
// instance wins each fire, then submitted through a host-supplied Submitter.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/repository"
)

// Submitter creates a new pipeline execution for a workflow and, for the
// Kill overlap strategy, cancels one that is still in flight. The host
// package implements this over its own Runner.
type Submitter interface {
	Submit(ctx context.Context, workflowName string, rootContext map[string]any) (pipelineExecutionID string, err error)
	Cancel(ctx context.Context, pipelineExecutionID string) error
}

// ValidateExpr reports whether a cron expression parses under the standard
// five-field format. Intended for use at schedule-registration time.
func ValidateExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return engineerr.NewCronEvalError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return nil
}

// Scheduler polls cron_schedules and fires due ones.
type Scheduler struct {
	repo          repository.CronRepository
	submitter     Submitter
	logger        *slog.Logger
	tenantScope   string
	batchSize     int
	lostThreshold time.Duration
}

func New(repo repository.CronRepository, submitter Submitter, logger *slog.Logger, tenantScope string, batchSize int, lostThreshold time.Duration) *Scheduler {
	return &Scheduler{
		repo:          repo,
		submitter:     submitter,
		logger:        logger.With("component", "cron_scheduler"),
		tenantScope:   tenantScope,
		batchSize:     batchSize,
		lostThreshold: lostThreshold,
	}
}

// Run polls on interval until ctx is cancelled. Callers should invoke
// RecoverLostExecutions once at startup before Run, typically from the same
// goroutine that constructs the Scheduler.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("cron scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron scheduler shut down")
			return
		case <-ticker.C:
			if _, err := s.PollOnce(ctx); err != nil {
				s.logger.Error("cron poll failed", "error", err)
			}
		}
	}
}

// PollOnce claims and fires every schedule currently due, returning how many
// pipeline executions were submitted.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	due, err := s.repo.ListDue(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due cron schedules: %w", err)
	}

	submitted := 0
	for _, sched := range due {
		n, err := s.fire(ctx, sched)
		if err != nil {
			s.logger.Error("cron fire failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		submitted += n
	}
	return submitted, nil
}

// fire claims sched's due run(s) and submits according to its catchup and
// overlap policy. Losing the optimistic claim is not an error: another
// scheduler instance won this fire.
func (s *Scheduler) fire(ctx context.Context, sched *domain.CronSchedule) (int, error) {
	schedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q for schedule %s: %w", sched.CronExpr, sched.ID, err)
	}

	now := time.Now()
	missed := missedFireTimes(schedule, sched.NextRunAt, now, sched.CatchupPolicy, sched.MaxCatchup)
	if len(missed) == 0 {
		return 0, nil
	}

	next := schedule.Next(missed[len(missed)-1])
	for !next.After(now) {
		next = schedule.Next(next)
	}

	claimed, err := s.repo.ClaimFire(ctx, sched.ID, sched.NextRunAt, next)
	if err != nil {
		return 0, fmt.Errorf("claim fire for schedule %s: %w", sched.ID, err)
	}
	if !claimed {
		return 0, nil
	}

	submitted := 0
	var lastExecutionID string
	for _, scheduledFor := range missed {
		execID, ok, err := s.submitOne(ctx, sched, scheduledFor)
		if err != nil {
			s.logger.Error("submit cron fire", "schedule_id", sched.ID, "scheduled_for", scheduledFor, "error", err)
			continue
		}
		lastExecutionID = execID
		if ok {
			submitted++
		}
	}

	if err := s.repo.RecordLastRun(ctx, sched.ID, now, lastExecutionID); err != nil {
		s.logger.Error("record cron last run", "schedule_id", sched.ID, "error", err)
	}
	return submitted, nil
}

// missedFireTimes returns the scheduled fire times from from (the observed
// next_run_at, itself a due fire) through asOf, both inclusive, collapsed to
// one entry under CatchupSkip and capped at maxCatchup (0 = unbounded) under
// CatchupRunAll.
func missedFireTimes(schedule cron.Schedule, from, asOf time.Time, policy domain.CatchupPolicy, maxCatchup int) []time.Time {
	var all []time.Time
	for next := from; !next.After(asOf); next = schedule.Next(next) {
		all = append(all, next)
		if policy == domain.CatchupRunAll && maxCatchup > 0 && len(all) >= maxCatchup {
			break
		}
	}
	if len(all) == 0 {
		return nil
	}
	if policy == domain.CatchupSkip {
		return all[len(all)-1:]
	}
	return all
}

// submitOne evaluates the overlap strategy, creates the audit row, and
// submits the pipeline execution. It returns ok=false when the overlap
// strategy decided to skip submission, which is not itself an error.
func (s *Scheduler) submitOne(ctx context.Context, sched *domain.CronSchedule, scheduledFor time.Time) (string, bool, error) {
	exec, err := s.repo.CreateExecution(ctx, &domain.CronExecution{
		ScheduleID:   sched.ID,
		ScheduledFor: scheduledFor,
		Status:       domain.CronTriggered,
	})
	if err != nil {
		return "", false, fmt.Errorf("create cron execution audit row: %w", err)
	}

	switch sched.OverlapStrategy {
	case domain.OverlapSkip:
		if activeID, active, err := s.repo.HasActiveExecution(ctx, sched.ID); err != nil {
			return exec.ID, false, fmt.Errorf("check active execution: %w", err)
		} else if active {
			s.logger.Info("cron fire skipped, prior execution still running", "schedule_id", sched.ID, "active_pipeline_execution_id", activeID)
			metrics.CronFiresTotal.WithLabelValues(sched.WorkflowName, "skipped").Inc()
			return exec.ID, false, s.markSkipped(ctx, exec)
		}
	case domain.OverlapKill:
		if activeID, active, err := s.repo.HasActiveExecution(ctx, sched.ID); err != nil {
			return exec.ID, false, fmt.Errorf("check active execution: %w", err)
		} else if active {
			if err := s.submitter.Cancel(ctx, activeID); err != nil {
				s.logger.Error("cancel prior execution for kill overlap", "schedule_id", sched.ID, "pipeline_execution_id", activeID, "error", err)
			}
		}
	case domain.OverlapQueue:
		// always submits; the executor's own concurrency bound governs overlap.
	}

	pipelineExecutionID, err := s.submitter.Submit(ctx, sched.WorkflowName, sched.RootContext)
	if err != nil {
		errMsg := err.Error()
		exec.Status = domain.CronFailed
		exec.ErrorDetails = &errMsg
		if uerr := s.repo.UpdateExecution(ctx, exec); uerr != nil {
			s.logger.Error("record cron submit failure", "schedule_id", sched.ID, "error", uerr)
		}
		metrics.CronFiresTotal.WithLabelValues(sched.WorkflowName, "failed").Inc()
		return exec.ID, false, fmt.Errorf("submit workflow %s: %w", sched.WorkflowName, err)
	}

	exec.Status = domain.CronSubmitted
	exec.PipelineExecutionID = &pipelineExecutionID
	if err := s.repo.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("record cron submission", "schedule_id", sched.ID, "error", err)
	}
	metrics.CronFiresTotal.WithLabelValues(sched.WorkflowName, "submitted").Inc()
	return exec.ID, true, nil
}

func (s *Scheduler) markSkipped(ctx context.Context, exec *domain.CronExecution) error {
	completedAt := time.Now()
	exec.Status = domain.CronFailed
	errMsg := "skipped: prior execution still running"
	exec.ErrorDetails = &errMsg
	exec.CompletedAt = &completedAt
	return s.repo.UpdateExecution(ctx, exec)
}

// RecoverLostExecutions marks audit rows abandoned by a crashed scheduler
// instance (Triggered, no pipeline_execution_id, older than lostThreshold)
// as failed so they stop shadowing future HasActiveExecution checks.
func (s *Scheduler) RecoverLostExecutions(ctx context.Context) error {
	cutoff := time.Now().Add(-s.lostThreshold)
	lost, err := s.repo.ListLostExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list lost cron executions: %w", err)
	}

	for _, exec := range lost {
		errMsg := "lost: scheduler instance restarted before submitting"
		exec.Status = domain.CronFailed
		exec.ErrorDetails = &errMsg
		if err := s.repo.UpdateExecution(ctx, exec); err != nil {
			s.logger.Error("recover lost cron execution", "cron_execution_id", exec.ID, "error", err)
			continue
		}
		s.logger.Warn("recovered lost cron execution", "cron_execution_id", exec.ID, "schedule_id", exec.ScheduleID)
	}
	return nil
}
