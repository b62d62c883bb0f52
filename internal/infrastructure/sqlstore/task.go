package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type TaskExecutionRepo struct {
	store *Store
}

func NewTaskExecutionRepo(store *Store) *TaskExecutionRepo { return &TaskExecutionRepo{store: store} }

func (r *TaskExecutionRepo) CreateBatch(ctx context.Context, tasks []*domain.TaskExecution) error {
	if len(tasks) == 0 {
		return nil
	}
	records := make([]goqu.Record, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = newID()
		}
		records[i] = goqu.Record{
			"id":                    t.ID,
			"pipeline_execution_id": t.PipelineExecutionID,
			"task_name":             t.TaskName,
			"status":                string(t.Status),
			"attempt":               t.Attempt,
			"max_attempts":          t.MaxAttempts,
			"trigger_rules":         t.TriggerRules,
			"task_configuration":    t.TaskConfiguration,
		}
	}
	query, args, err := r.store.Goqu.Insert("task_executions").Rows(toAnySlice(records)...).ToSQL()
	if err != nil {
		return fmt.Errorf("build task execution batch insert: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func toAnySlice(records []goqu.Record) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

func (r *TaskExecutionRepo) ListByPipeline(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error) {
	ds := r.store.Goqu.From("task_executions").Where(goqu.C("pipeline_execution_id").Eq(pipelineExecutionID))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build task list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskExecutionRepo) TransitionReady(ctx context.Context, id string) (bool, error) {
	return r.transitionFrom(ctx, id, domain.TaskNotStarted, domain.TaskReady)
}

func (r *TaskExecutionRepo) TransitionSkipped(ctx context.Context, id string) (bool, error) {
	return r.transitionFrom(ctx, id, domain.TaskNotStarted, domain.TaskSkipped)
}

func (r *TaskExecutionRepo) transitionFrom(ctx context.Context, id string, from, to domain.TaskStatus) (bool, error) {
	ds := r.store.Goqu.Update("task_executions").
		Set(goqu.Record{"status": string(to)}).
		Where(goqu.C("id").Eq(id), goqu.C("status").Eq(string(from)))
	query, args, err := ds.ToSQL()
	if err != nil {
		return false, fmt.Errorf("build task transition: %w", err)
	}
	res, err := r.store.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Claim delegates the dialect-specific atomic claim to the store's ClaimFunc,
// then hydrates the claimed rows.
func (r *TaskExecutionRepo) Claim(ctx context.Context, workerID string, limit int) ([]*domain.TaskExecution, error) {
	ids, err := r.store.Claim(ctx, r.store.DB, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim task executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	ds := r.store.Goqu.From("task_executions").Where(goqu.C("id").In(anyIDs...))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claimed task hydrate: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate claimed task executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskExecutionRepo) Complete(ctx context.Context, id string) error {
	ds := r.store.Goqu.Update("task_executions").
		Set(goqu.Record{"status": string(domain.TaskCompleted)}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build task complete: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *TaskExecutionRepo) Fail(ctx context.Context, id string, lastError string) error {
	ds := r.store.Goqu.Update("task_executions").
		Set(goqu.Record{"status": string(domain.TaskFailed), "last_error": lastError}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build task fail: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

// ResetForRetry returns a failed row to Ready for another claim. attempt is
// not touched here: the dialect-specific claim query (postgres.go, sqlite.go)
// is the sole place attempt increments, once per real invocation.
func (r *TaskExecutionRepo) ResetForRetry(ctx context.Context, id string, lastError string) error {
	ds := r.store.Goqu.Update("task_executions").
		Set(goqu.Record{
			"status":     string(domain.TaskReady),
			"last_error": lastError,
			"worker_id":  nil,
		}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build task reset for retry: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *TaskExecutionRepo) ListOrphaned(ctx context.Context, pipelineExecutionID string, cutoff time.Time, limit int) ([]*domain.TaskExecution, error) {
	exprs := []goqu.Expression{
		goqu.C("status").Eq(string(domain.TaskRunning)),
		goqu.C("started_at").Lt(cutoff),
	}
	if pipelineExecutionID != "" {
		exprs = append(exprs, goqu.C("pipeline_execution_id").Eq(pipelineExecutionID))
	}
	ds := r.store.Goqu.From("task_executions").Where(exprs...).Order(goqu.C("started_at").Asc()).Limit(uint(limit))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build orphaned task list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphaned task executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*domain.TaskExecution, error) {
	var t domain.TaskExecution
	var status string
	err := row.Scan(
		&t.ID, &t.PipelineExecutionID, &t.TaskName, &status, &t.Attempt, &t.MaxAttempts,
		&t.StartedAt, &t.CompletedAt, &t.LastError, &t.WorkerID,
		&t.TriggerRules, &t.TaskConfiguration, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}
