package sqlstore

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type RecoveryRepo struct {
	store *Store
}

func NewRecoveryRepo(store *Store) *RecoveryRepo { return &RecoveryRepo{store: store} }

func (r *RecoveryRepo) CreateEvent(ctx context.Context, e *domain.RecoveryEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	record := goqu.Record{
		"id":                    e.ID,
		"pipeline_execution_id": e.PipelineExecutionID,
		"task_execution_id":     e.TaskExecutionID,
		"type":                  string(e.Type),
		"detail":                e.Detail,
	}
	query, args, err := r.store.Goqu.Insert("recovery_events").Rows(record).ToSQL()
	if err != nil {
		return fmt.Errorf("build recovery event insert: %w", err)
	}
	_, err = r.store.DB.ExecContext(ctx, query, args...)
	return err
}
