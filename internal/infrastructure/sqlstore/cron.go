package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type CronRepo struct {
	store *Store
}

func NewCronRepo(store *Store) *CronRepo { return &CronRepo{store: store} }

func (r *CronRepo) Create(ctx context.Context, s *domain.CronSchedule) (*domain.CronSchedule, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	rootContext, err := json.Marshal(s.RootContext)
	if err != nil {
		return nil, fmt.Errorf("marshal cron root context: %w", err)
	}
	record := goqu.Record{
		"id":               s.ID,
		"workflow_name":    s.WorkflowName,
		"cron_expr":        s.CronExpr,
		"timezone":         s.Timezone,
		"enabled":          s.Enabled,
		"next_run_at":      s.NextRunAt,
		"catchup_policy":   string(s.CatchupPolicy),
		"overlap_strategy": string(s.OverlapStrategy),
		"max_catchup":      s.MaxCatchup,
		"start_date":       s.StartDate,
		"end_date":         s.EndDate,
		"root_context":     rootContext,
		"tenant_scope":     s.TenantScope,
	}
	query, args, err := r.store.Goqu.Insert("cron_schedules").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build cron schedule insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert cron schedule: %w", err)
	}
	return r.GetByID(ctx, s.ID)
}

func (r *CronRepo) GetByID(ctx context.Context, id string) (*domain.CronSchedule, error) {
	ds := r.store.Goqu.From("cron_schedules").Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build cron schedule select: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	s, err := scanCronSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCronScheduleNotFound
	}
	return s, err
}

func (r *CronRepo) List(ctx context.Context, tenantScope string) ([]*domain.CronSchedule, error) {
	ds := r.store.Goqu.From("cron_schedules").Where(goqu.C("tenant_scope").Eq(tenantScope))
	return r.listWhere(ctx, ds)
}

func (r *CronRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ds := r.store.Goqu.Update("cron_schedules").
		Set(goqu.Record{"enabled": enabled}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build cron schedule enable update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *CronRepo) ListDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.CronSchedule, error) {
	ds := r.store.Goqu.From("cron_schedules").
		Where(goqu.C("enabled").Eq(true), goqu.C("next_run_at").Lte(asOf)).
		Order(goqu.C("next_run_at").Asc()).
		Limit(uint(limit))
	return r.listWhere(ctx, ds)
}

func (r *CronRepo) listWhere(ctx context.Context, ds *goqu.SelectDataset) ([]*domain.CronSchedule, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build cron schedule list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.CronSchedule
	for rows.Next() {
		s, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimFire is the compare-and-swap advance: it succeeds only if next_run_at
// still equals observedNext, giving exactly one winner across concurrent
// cron scheduler instances polling the same row.
func (r *CronRepo) ClaimFire(ctx context.Context, id string, observedNext, newNext time.Time) (bool, error) {
	ds := r.store.Goqu.Update("cron_schedules").
		Set(goqu.Record{"next_run_at": newNext}).
		Where(goqu.C("id").Eq(id), goqu.C("next_run_at").Eq(observedNext))
	query, args, err := ds.ToSQL()
	if err != nil {
		return false, fmt.Errorf("build cron claim fire: %w", err)
	}
	res, err := r.store.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CronRepo) RecordLastRun(ctx context.Context, id string, ranAt time.Time, executionID string) error {
	ds := r.store.Goqu.Update("cron_schedules").
		Set(goqu.Record{"last_run_at": ranAt, "last_execution_id": executionID}).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build cron record last run: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *CronRepo) CreateExecution(ctx context.Context, e *domain.CronExecution) (*domain.CronExecution, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	record := goqu.Record{
		"id":                    e.ID,
		"schedule_id":           e.ScheduleID,
		"scheduled_for":         e.ScheduledFor,
		"status":                string(e.Status),
		"pipeline_execution_id": e.PipelineExecutionID,
		"error_details":         e.ErrorDetails,
	}
	query, args, err := r.store.Goqu.Insert("cron_executions").Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build cron execution insert: %w", err)
	}
	if _, err := r.store.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert cron execution: %w", err)
	}
	return e, nil
}

func (r *CronRepo) UpdateExecution(ctx context.Context, e *domain.CronExecution) error {
	ds := r.store.Goqu.Update("cron_executions").
		Set(goqu.Record{
			"status":                string(e.Status),
			"pipeline_execution_id": e.PipelineExecutionID,
			"error_details":         e.ErrorDetails,
			"completed_at":          e.CompletedAt,
		}).
		Where(goqu.C("id").Eq(e.ID))
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build cron execution update: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}

func (r *CronRepo) ListLostExecutions(ctx context.Context, cutoff time.Time) ([]*domain.CronExecution, error) {
	ds := r.store.Goqu.From("cron_executions").Where(
		goqu.C("status").Eq(string(domain.CronTriggered)),
		goqu.C("pipeline_execution_id").IsNull(),
		goqu.C("created_at").Lt(cutoff),
	)
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build lost cron executions list: %w", err)
	}
	rows, err := r.store.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lost cron executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.CronExecution
	for rows.Next() {
		e, err := scanCronExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *CronRepo) HasActiveExecution(ctx context.Context, scheduleID string) (string, bool, error) {
	ds := r.store.Goqu.From("cron_executions").
		Join(goqu.T("pipeline_executions"), goqu.On(goqu.Ex{"cron_executions.pipeline_execution_id": goqu.I("pipeline_executions.id")})).
		Select("pipeline_executions.id").
		Where(
			goqu.C("schedule_id").Eq(scheduleID),
			goqu.I("pipeline_executions.status").NotIn(
				string(domain.PipelineCompleted), string(domain.PipelineFailed), string(domain.PipelineCancelled)),
		).
		Limit(1)
	query, args, err := ds.ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build active cron execution lookup: %w", err)
	}
	row := r.store.DB.QueryRowContext(ctx, query, args...)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func scanCronSchedule(row rowScanner) (*domain.CronSchedule, error) {
	var s domain.CronSchedule
	var catchup, overlap string
	var rootContext []byte
	err := row.Scan(
		&s.ID, &s.WorkflowName, &s.CronExpr, &s.Timezone, &s.Enabled, &s.NextRunAt,
		&s.LastRunAt, &s.LastExecutionID, &catchup, &overlap, &s.MaxCatchup,
		&s.StartDate, &s.EndDate, &rootContext, &s.TenantScope, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.CatchupPolicy = domain.CatchupPolicy(catchup)
	s.OverlapStrategy = domain.OverlapStrategy(overlap)
	if len(rootContext) > 0 {
		if err := json.Unmarshal(rootContext, &s.RootContext); err != nil {
			return nil, fmt.Errorf("unmarshal cron root context: %w", err)
		}
	}
	return &s, nil
}

func scanCronExecution(row rowScanner) (*domain.CronExecution, error) {
	var e domain.CronExecution
	var status string
	err := row.Scan(&e.ID, &e.ScheduleID, &e.ScheduledFor, &status, &e.PipelineExecutionID, &e.ErrorDetails, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.CronExecutionStatus(status)
	return &e, nil
}
