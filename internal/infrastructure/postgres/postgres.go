// Package postgres wires the shared sqlstore repository implementations to a
// Postgres connection opened through the pgx stdlib driver, and supplies the
// one piece of SQL goqu cannot express: the FOR UPDATE SKIP LOCKED claim.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cloacina-dev/cloacina/internal/infrastructure/migrate"
	"github.com/cloacina-dev/cloacina/internal/infrastructure/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "schema_migrations"

// Backend bundles the database/sql connection with the generic sqlstore
// repositories, so callers get fully-wired repository implementations from
// one constructor.
type Backend struct {
	DB *sql.DB

	Pipelines  *sqlstore.PipelineRepo
	Tasks      *sqlstore.TaskExecutionRepo
	Contexts   *sqlstore.ContextRepo
	Crons      *sqlstore.CronRepo
	Triggers   *sqlstore.TriggerRepo
	Recoveries *sqlstore.RecoveryRepo
}

// Open connects to dsn, runs pending migrations, and returns a Backend ready
// for use by the scheduler/executor/cron/trigger/recovery services.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate.Run(ctx, db, migrations, "migrations", migrationsTable, "$1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	store := sqlstore.New(db, "postgres", claimReadyTasks)
	return &Backend{
		DB:         db,
		Pipelines:  sqlstore.NewPipelineRepo(store),
		Tasks:      sqlstore.NewTaskExecutionRepo(store),
		Contexts:   sqlstore.NewContextRepo(store),
		Crons:      sqlstore.NewCronRepo(store),
		Triggers:   sqlstore.NewTriggerRepo(store),
		Recoveries: sqlstore.NewRecoveryRepo(store),
	}, nil
}

func (b *Backend) Close() error { return b.DB.Close() }

// claimReadyTasks atomically moves up to limit Ready rows to Running for
// workerID, using SKIP LOCKED so concurrent executor instances never block
// on each other's claims.
func claimReadyTasks(ctx context.Context, db *sql.DB, workerID string, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE task_executions
		SET status = 'running', worker_id = $1, started_at = now(), attempt = attempt + 1
		WHERE id IN (
			SELECT id FROM task_executions
			WHERE status = 'ready'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
