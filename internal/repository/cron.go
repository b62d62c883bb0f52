package repository

import (
	"context"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

// CronRepository owns cron_schedules and their audit trail.
type CronRepository interface {
	Create(ctx context.Context, s *domain.CronSchedule) (*domain.CronSchedule, error)
	GetByID(ctx context.Context, id string) (*domain.CronSchedule, error)
	List(ctx context.Context, tenantScope string) ([]*domain.CronSchedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// ListDue returns enabled schedules whose next_run_at <= asOf, ordered
	// by next_run_at, bounded by limit.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.CronSchedule, error)

	// ClaimFire performs the optimistic compare-and-swap advance of
	// next_run_at: it succeeds only if the row's next_run_at still equals
	// observedNext, giving exactly one winner across concurrent cron
	// scheduler instances.
	ClaimFire(ctx context.Context, id string, observedNext, newNext time.Time) (bool, error)

	RecordLastRun(ctx context.Context, id string, ranAt time.Time, executionID string) error

	CreateExecution(ctx context.Context, e *domain.CronExecution) (*domain.CronExecution, error)
	UpdateExecution(ctx context.Context, e *domain.CronExecution) error

	// ListLostExecutions returns audit rows stuck in Triggered without a
	// pipeline_execution_id, older than cutoff — candidates for cron
	// startup recovery.
	ListLostExecutions(ctx context.Context, cutoff time.Time) ([]*domain.CronExecution, error)

	// HasActiveExecution reports whether a non-terminal pipeline exists for
	// this schedule, used by the Skip/Kill overlap strategies.
	HasActiveExecution(ctx context.Context, scheduleID string) (string, bool, error)
}

// TriggerRepository owns trigger_schedules and trigger_executions.
type TriggerRepository interface {
	Create(ctx context.Context, s *domain.TriggerSchedule) (*domain.TriggerSchedule, error)
	GetByID(ctx context.Context, id string) (*domain.TriggerSchedule, error)
	GetByName(ctx context.Context, triggerName string) (*domain.TriggerSchedule, error)
	List(ctx context.Context, tenantScope string) ([]*domain.TriggerSchedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RecordFired(ctx context.Context, id string, firedAt time.Time) error

	CreateExecution(ctx context.Context, e *domain.TriggerExecution) (*domain.TriggerExecution, error)

	// FindActiveByFingerprint returns the most recent execution for
	// (triggerName, fingerprint), whatever its pipeline's status; the trigger
	// engine checks that status to enforce allow_concurrent=false.
	FindActiveByFingerprint(ctx context.Context, triggerName, fingerprint string) (*domain.TriggerExecution, bool, error)

	ListExecutionHistory(ctx context.Context, triggerName string, limit int) ([]*domain.TriggerExecution, error)
}

// RecoveryRepository persists recovery audit events.
type RecoveryRepository interface {
	CreateEvent(ctx context.Context, e *domain.RecoveryEvent) error
}
