// Package recovery reclaims task executions orphaned by a crashed executor
// worker: rows stuck Running past a liveness threshold are either reset for
// another attempt or failed outright, and a pipeline left with no further
// progress possible is re-finalized.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
	ctxlog "github.com/cloacina-dev/cloacina/internal/log"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/repository"
)

// Service scans for orphaned task executions and reconciles them.
type Service struct {
	pipelines     repository.PipelineRepository
	tasks         repository.TaskExecutionRepository
	events        repository.RecoveryRepository
	logger        *slog.Logger
	lostThreshold time.Duration
	batchSize     int
}

func New(pipelines repository.PipelineRepository, tasks repository.TaskExecutionRepository, events repository.RecoveryRepository, logger *slog.Logger, lostThreshold time.Duration, batchSize int) *Service {
	return &Service{
		pipelines:     pipelines,
		tasks:         tasks,
		events:        events,
		logger:        logger.With("component", "recovery"),
		lostThreshold: lostThreshold,
		batchSize:     batchSize,
	}
}

// Run polls on interval until ctx is cancelled. Callers typically invoke
// PollOnce once directly at startup, then call Run for the ongoing interval.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("recovery service started", "interval", interval, "lost_threshold", s.lostThreshold)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery service shut down")
			return
		case <-ticker.C:
			if _, err := s.PollOnce(ctx); err != nil {
				s.logger.Error("recovery poll failed", "error", err)
			}
		}
	}
}

// PollOnce reclaims every orphaned task execution across all pipelines,
// returning how many rows were reconciled.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.RecoveryCycleDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := time.Now().Add(-s.lostThreshold)
	orphaned, err := s.tasks.ListOrphaned(ctx, "", cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list orphaned task executions: %w", err)
	}

	pipelinesTouched := map[string]struct{}{}
	for _, row := range orphaned {
		taskCtx := ctxlog.WithPipelineExecutionID(ctx, row.PipelineExecutionID)
		if err := s.reconcileTask(taskCtx, row); err != nil {
			s.logger.ErrorContext(taskCtx, "reconcile orphaned task", "task_execution_id", row.ID, "error", err)
			continue
		}
		pipelinesTouched[row.PipelineExecutionID] = struct{}{}
	}

	for pipelineExecutionID := range pipelinesTouched {
		pipelineCtx := ctxlog.WithPipelineExecutionID(ctx, pipelineExecutionID)
		if err := s.refinalizeIfDone(pipelineCtx, pipelineExecutionID); err != nil {
			s.logger.ErrorContext(pipelineCtx, "refinalize pipeline after recovery", "pipeline_execution_id", pipelineExecutionID, "error", err)
		}
	}

	return len(orphaned), nil
}

// reconcileTask resets an orphaned row for another attempt if attempts
// remain, otherwise fails it outright, and writes an audit event either way.
func (s *Service) reconcileTask(ctx context.Context, row *domain.TaskExecution) error {
	taskExecutionID := row.ID

	if row.Attempt < row.MaxAttempts {
		if err := s.tasks.ResetForRetry(ctx, row.ID, "lost"); err != nil {
			return fmt.Errorf("reset orphaned task for retry: %w", err)
		}
		s.logger.WarnContext(ctx, "recovered orphaned task, reset for retry", "task_execution_id", row.ID, "task_name", row.TaskName, "attempt", row.Attempt)
		metrics.RecoveryActionsTotal.WithLabelValues(string(domain.RecoveryOrphanRetry)).Inc()
		return s.events.CreateEvent(ctx, &domain.RecoveryEvent{
			PipelineExecutionID: row.PipelineExecutionID,
			TaskExecutionID:     &taskExecutionID,
			Type:                domain.RecoveryOrphanRetry,
			Detail:              fmt.Sprintf("task %s orphaned past lost_threshold, reset for attempt %d", row.TaskName, row.Attempt+1),
		})
	}

	if err := s.tasks.Fail(ctx, row.ID, "lost"); err != nil {
		return fmt.Errorf("fail orphaned task: %w", err)
	}
	s.logger.ErrorContext(ctx, "recovered orphaned task, attempts exhausted, failing", "task_execution_id", row.ID, "task_name", row.TaskName, "attempt", row.Attempt)
	metrics.RecoveryActionsTotal.WithLabelValues(string(domain.RecoveryOrphanFail)).Inc()
	return s.events.CreateEvent(ctx, &domain.RecoveryEvent{
		PipelineExecutionID: row.PipelineExecutionID,
		TaskExecutionID:     &taskExecutionID,
		Type:                domain.RecoveryOrphanFail,
		Detail:              fmt.Sprintf("task %s orphaned past lost_threshold with no attempts remaining", row.TaskName),
	})
}

// refinalizeIfDone re-checks a pipeline touched by recovery: if every task
// in it is now terminal, it finalizes the pipeline exactly as the scheduler
// would at the end of a normal tick.
func (s *Service) refinalizeIfDone(ctx context.Context, pipelineExecutionID string) error {
	rows, err := s.tasks.ListByPipeline(ctx, pipelineExecutionID)
	if err != nil {
		return fmt.Errorf("list tasks for pipeline: %w", err)
	}

	failed := false
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			return nil
		}
		if row.Status == domain.TaskFailed {
			failed = true
		}
	}

	status := domain.PipelineCompleted
	var errorDetails *string
	if failed {
		status = domain.PipelineFailed
		msg := "one or more tasks failed permanently during recovery"
		errorDetails = &msg
	}

	if err := s.pipelines.Finalize(ctx, pipelineExecutionID, status, errorDetails); err != nil {
		return fmt.Errorf("finalize pipeline after recovery: %w", err)
	}
	metrics.RecoveryActionsTotal.WithLabelValues(string(domain.RecoveryPipelineRecovery)).Inc()

	return s.events.CreateEvent(ctx, &domain.RecoveryEvent{
		PipelineExecutionID: pipelineExecutionID,
		Type:                domain.RecoveryPipelineRecovery,
		Detail:              fmt.Sprintf("pipeline re-finalized as %s after orphaned task recovery", status),
	})
}
