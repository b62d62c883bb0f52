package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type ContextRepo struct {
	store *Store
}

func NewContextRepo(store *Store) *ContextRepo { return &ContextRepo{store: store} }

// Insert stores v, or returns the pre-existing row for this (pipeline, task)
// with the same content hash if one is already present — the engine's
// content-addressed dedup. Scoped by producing task as well as hash: two
// different tasks that happen to produce byte-identical output must each
// still get their own row, since GetByTask looks up strictly by task name.
func (r *ContextRepo) Insert(ctx context.Context, v *domain.ContextValue) (*domain.ContextValue, error) {
	if existing, err := r.getByTaskAndHash(ctx, v.PipelineExecutionID, v.ProducingTaskName, v.ContentHash); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if v.ID == "" {
		v.ID = newID()
	}
	record := goqu.Record{
		"id":                    v.ID,
		"pipeline_execution_id": v.PipelineExecutionID,
		"producing_task_name":   v.ProducingTaskName,
		"payload":               v.Payload,
		"content_hash":          v.ContentHash,
	}
	query, args, err := r.store.Goqu.Insert("context_values").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build context insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		// A concurrent writer may have inserted the identical payload
		// between our lookup and this insert; the unique constraint on
		// (pipeline_execution_id, producing_task_name, content_hash) makes
		// that a dedup hit, not a failure.
		if existing, getErr := r.getByTaskAndHash(ctx, v.PipelineExecutionID, v.ProducingTaskName, v.ContentHash); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("insert context value: %w", err)
	}
	return r.getByTaskAndHash(ctx, v.PipelineExecutionID, v.ProducingTaskName, v.ContentHash)
}

func (r *ContextRepo) getByTaskAndHash(ctx context.Context, pipelineExecutionID string, producingTaskName *string, hash string) (*domain.ContextValue, error) {
	exprs := []goqu.Expression{
		goqu.C("pipeline_execution_id").Eq(pipelineExecutionID),
		goqu.C("content_hash").Eq(hash),
	}
	if producingTaskName == nil {
		exprs = append(exprs, goqu.C("producing_task_name").IsNull())
	} else {
		exprs = append(exprs, goqu.C("producing_task_name").Eq(*producingTaskName))
	}
	ds := r.store.Goqu.From("context_values").Where(exprs...)
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build context hash lookup: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	return scanContextValue(row)
}

func (r *ContextRepo) GetByTask(ctx context.Context, pipelineExecutionID, taskName string) (*domain.ContextValue, error) {
	ds := r.store.Goqu.From("context_values").
		Where(
			goqu.C("pipeline_execution_id").Eq(pipelineExecutionID),
			goqu.C("producing_task_name").Eq(taskName),
		).
		Order(goqu.C("created_at").Desc()).
		Limit(1)
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build context by task: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	return scanContextValue(row)
}

func (r *ContextRepo) GetRoot(ctx context.Context, pipelineExecutionID string) (*domain.ContextValue, error) {
	ds := r.store.Goqu.From("context_values").
		Where(
			goqu.C("pipeline_execution_id").Eq(pipelineExecutionID),
			goqu.C("producing_task_name").IsNull(),
		).
		Limit(1)
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build root context lookup: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	return scanContextValue(row)
}

func scanContextValue(row rowScanner) (*domain.ContextValue, error) {
	var v domain.ContextValue
	err := row.Scan(&v.ID, &v.PipelineExecutionID, &v.ProducingTaskName, &v.Payload, &v.ContentHash, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
