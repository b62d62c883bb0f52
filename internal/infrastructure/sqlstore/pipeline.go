package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type PipelineRepo struct {
	store *Store
}

func NewPipelineRepo(store *Store) *PipelineRepo { return &PipelineRepo{store: store} }

func (r *PipelineRepo) Create(ctx context.Context, p *domain.PipelineExecution) (*domain.PipelineExecution, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	record := goqu.Record{
		"id":               p.ID,
		"workflow_name":    p.WorkflowName,
		"workflow_version": p.WorkflowVersion,
		"status":           string(p.Status),
		"root_context_id":  p.RootContextID,
		"started_at":       p.StartedAt,
		"tenant_scope":     p.TenantScope,
	}
	query, args, err := r.store.Goqu.Insert("pipeline_executions").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build pipeline insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert pipeline execution: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *PipelineRepo) GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	ds := r.store.Goqu.From("pipeline_executions").Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build pipeline select: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPipelineNotFound
	}
	return p, err
}

func (r *PipelineRepo) ListNonTerminal(ctx context.Context, tenantScope string, limit int) ([]*domain.PipelineExecution, error) {
	ds := r.store.Goqu.From("pipeline_executions").
		Where(
			goqu.C("status").NotIn(string(domain.PipelineCompleted), string(domain.PipelineFailed), string(domain.PipelineCancelled)),
			goqu.C("tenant_scope").Eq(tenantScope),
		).
		Order(goqu.C("started_at").Asc()).
		Limit(uint(limit))

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build pipeline list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal pipelines: %w", err)
	}
	defer rows.Close()

	var out []*domain.PipelineExecution
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PipelineRepo) SetRunning(ctx context.Context, id string) error {
	ds := r.store.Goqu.Update("pipeline_executions").
		Set(goqu.Record{"status": string(domain.PipelineRunning)}).
		Where(goqu.C("id").Eq(id), goqu.C("status").Eq(string(domain.PipelinePending)))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build pipeline running update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *PipelineRepo) Finalize(ctx context.Context, id string, status domain.PipelineStatus, errorDetails *string) error {
	ds := r.store.Goqu.Update("pipeline_executions").
		Set(goqu.Record{
			"status":        string(status),
			"error_details": errorDetails,
		}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build pipeline finalize update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *PipelineRepo) Cancel(ctx context.Context, id string) error {
	ds := r.store.Goqu.Update("pipeline_executions").
		Set(goqu.Record{"status": string(domain.PipelineCancelled)}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build pipeline cancel update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*domain.PipelineExecution, error) {
	var p domain.PipelineExecution
	var status string
	err := row.Scan(
		&p.ID, &p.WorkflowName, &p.WorkflowVersion, &status, &p.RootContextID,
		&p.StartedAt, &p.CompletedAt, &p.ErrorDetails, &p.TenantScope,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PipelineStatus(status)
	return &p, nil
}
