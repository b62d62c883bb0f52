// Package repository declares the storage-agnostic interfaces every engine
// component depends on. Concrete implementations live under
// internal/infrastructure/{postgres,sqlite}; components here only ever see
// the interface, never the driver.
package repository

import (
	"context"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

// PipelineRepository persists pipeline execution rows and answers the
// scheduler's questions about which pipelines are still live.
type PipelineRepository interface {
	Create(ctx context.Context, p *domain.PipelineExecution) (*domain.PipelineExecution, error)
	GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error)

	// ListNonTerminal returns pipelines not yet Completed/Failed/Cancelled,
	// ordered by started_at ascending, bounded by limit.
	ListNonTerminal(ctx context.Context, tenantScope string, limit int) ([]*domain.PipelineExecution, error)

	SetRunning(ctx context.Context, id string) error
	Finalize(ctx context.Context, id string, status domain.PipelineStatus, errorDetails *string) error
	Cancel(ctx context.Context, id string) error
}

// TaskExecutionRepository persists task execution rows and implements the
// atomic claim protocol the executor depends on for at-most-once dispatch.
type TaskExecutionRepository interface {
	CreateBatch(ctx context.Context, tasks []*domain.TaskExecution) error
	ListByPipeline(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error)

	// TransitionReady moves a NotStarted row to Ready, gated on its current
	// status being NotStarted (idempotent under concurrent schedulers).
	TransitionReady(ctx context.Context, id string) (bool, error)
	TransitionSkipped(ctx context.Context, id string) (bool, error)

	// Claim atomically moves up to limit Ready rows to Running and assigns
	// workerID, returning the claimed rows. Postgres implements this with
	// FOR UPDATE SKIP LOCKED; SQLite with a BEGIN IMMEDIATE transaction.
	Claim(ctx context.Context, workerID string, limit int) ([]*domain.TaskExecution, error)

	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, lastError string) error

	// ResetForRetry moves a Running/Ready row back to Ready with a fresh
	// last_error and worker_id cleared. attempt is left as is; the next
	// Claim increments it.
	ResetForRetry(ctx context.Context, id string, lastError string) error

	// ListOrphaned returns Running rows started before cutoff (candidates
	// for the recovery service) for the given pipeline, or across all
	// pipelines when pipelineExecutionID is empty.
	ListOrphaned(ctx context.Context, pipelineExecutionID string, cutoff time.Time, limit int) ([]*domain.TaskExecution, error)
}

// ContextRepository persists content-addressed context values and resolves
// the "current" value set a task's dependencies expose.
type ContextRepository interface {
	// Insert stores a new context row, or returns the existing row with the
	// same content_hash for this pipeline if one already exists.
	Insert(ctx context.Context, v *domain.ContextValue) (*domain.ContextValue, error)

	// GetByTask returns the context row a given task produced, if any.
	GetByTask(ctx context.Context, pipelineExecutionID, taskName string) (*domain.ContextValue, error)

	// GetRoot returns the pipeline's root context row.
	GetRoot(ctx context.Context, pipelineExecutionID string) (*domain.ContextValue, error)
}
