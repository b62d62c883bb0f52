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

type TriggerRepo struct {
	store *Store
}

func NewTriggerRepo(store *Store) *TriggerRepo { return &TriggerRepo{store: store} }

func (r *TriggerRepo) Create(ctx context.Context, s *domain.TriggerSchedule) (*domain.TriggerSchedule, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	record := goqu.Record{
		"id":               s.ID,
		"trigger_name":     s.TriggerName,
		"workflow_name":    s.WorkflowName,
		"poll_interval_ms": s.PollInterval.Milliseconds(),
		"enabled":          s.Enabled,
		"allow_concurrent": s.AllowConcurrent,
		"tenant_scope":     s.TenantScope,
	}
	query, args, err := r.store.Goqu.Insert("trigger_schedules").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trigger schedule insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert trigger schedule: %w", err)
	}
	return r.GetByID(ctx, s.ID)
}

func (r *TriggerRepo) GetByID(ctx context.Context, id string) (*domain.TriggerSchedule, error) {
	ds := r.store.Goqu.From("trigger_schedules").Where(goqu.C("id").Eq(id))
	return r.getOne(ctx, ds)
}

func (r *TriggerRepo) GetByName(ctx context.Context, triggerName string) (*domain.TriggerSchedule, error) {
	ds := r.store.Goqu.From("trigger_schedules").Where(goqu.C("trigger_name").Eq(triggerName))
	return r.getOne(ctx, ds)
}

func (r *TriggerRepo) getOne(ctx context.Context, ds *goqu.SelectDataset) (*domain.TriggerSchedule, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trigger schedule select: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	s, err := scanTriggerSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTriggerScheduleNotFound
	}
	return s, err
}

func (r *TriggerRepo) List(ctx context.Context, tenantScope string) ([]*domain.TriggerSchedule, error) {
	ds := r.store.Goqu.From("trigger_schedules").Where(goqu.C("tenant_scope").Eq(tenantScope))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trigger schedule list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trigger schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.TriggerSchedule
	for rows.Next() {
		s, err := scanTriggerSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *TriggerRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ds := r.store.Goqu.Update("trigger_schedules").
		Set(goqu.Record{"enabled": enabled}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build trigger schedule enable update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *TriggerRepo) RecordFired(ctx context.Context, id string, firedAt time.Time) error {
	ds := r.store.Goqu.Update("trigger_schedules").
		Set(goqu.Record{"last_fired_at": firedAt}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build trigger record fired: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *TriggerRepo) CreateExecution(ctx context.Context, e *domain.TriggerExecution) (*domain.TriggerExecution, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	record := goqu.Record{
		"id":                    e.ID,
		"trigger_schedule_id":   e.TriggerScheduleID,
		"trigger_name":          e.TriggerName,
		"context_fingerprint":   e.ContextFingerprint,
		"pipeline_execution_id": e.PipelineExecutionID,
		"fired_at":              e.FiredAt,
	}
	query, args, err := r.store.Goqu.Insert("trigger_executions").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trigger execution insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert trigger execution: %w", err)
	}
	return e, nil
}

func (r *TriggerRepo) FindActiveByFingerprint(ctx context.Context, triggerName, fingerprint string) (*domain.TriggerExecution, bool, error) {
	ds := r.store.Goqu.From("trigger_executions").
		Where(
			goqu.C("trigger_name").Eq(triggerName),
			goqu.C("context_fingerprint").Eq(fingerprint),
		).
		Order(goqu.C("fired_at").Desc()).
		Limit(1)
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, false, fmt.Errorf("build trigger fingerprint lookup: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	e, err := scanTriggerExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *TriggerRepo) ListExecutionHistory(ctx context.Context, triggerName string, limit int) ([]*domain.TriggerExecution, error) {
	ds := r.store.Goqu.From("trigger_executions").
		Where(goqu.C("trigger_name").Eq(triggerName)).
		Order(goqu.C("fired_at").Desc()).
		Limit(uint(limit))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trigger execution history: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trigger execution history: %w", err)
	}
	defer rows.Close()

	var out []*domain.TriggerExecution
	for rows.Next() {
		e, err := scanTriggerExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTriggerSchedule(row rowScanner) (*domain.TriggerSchedule, error) {
	var s domain.TriggerSchedule
	var pollMillis int64
	err := row.Scan(
		&s.ID, &s.TriggerName, &s.WorkflowName, &pollMillis, &s.Enabled,
		&s.AllowConcurrent, &s.LastFiredAt, &s.TenantScope, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.PollInterval = time.Duration(pollMillis) * time.Millisecond
	return &s, nil
}

func scanTriggerExecution(row rowScanner) (*domain.TriggerExecution, error) {
	var e domain.TriggerExecution
	err := row.Scan(&e.ID, &e.TriggerScheduleID, &e.TriggerName, &e.ContextFingerprint, &e.PipelineExecutionID, &e.FiredAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
