// Package sqlite wires the shared sqlstore repository implementations to an
// embedded SQLite database via modernc.org/sqlite, using a single-writer
// connection pool and BEGIN IMMEDIATE transactions in place of Postgres's
// FOR UPDATE SKIP LOCKED.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cloacina-dev/cloacina/internal/infrastructure/migrate"
	"github.com/cloacina-dev/cloacina/internal/infrastructure/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "schema_migrations"

type Backend struct {
	DB *sql.DB

	Pipelines  *sqlstore.PipelineRepo
	Tasks      *sqlstore.TaskExecutionRepo
	Contexts   *sqlstore.ContextRepo
	Crons      *sqlstore.CronRepo
	Triggers   *sqlstore.TriggerRepo
	Recoveries *sqlstore.RecoveryRepo
}

// Open connects to path (a file path or ":memory:"), runs pending
// migrations, and returns a Backend ready for use by the engine's services.
//
// SQLite allows only one writer at a time, so the pool is capped at a
// single connection; readers and writers share it and serialize through
// BEGIN IMMEDIATE rather than relying on row-level locking.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set sqlite journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}

	if err := migrate.Run(ctx, db, migrations, "migrations", migrationsTable, "?"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}

	store := sqlstore.New(db, "sqlite3", claimReadyTasks)
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

// claimReadyTasks serializes the Ready->Running transition through an
// explicit BEGIN IMMEDIATE: SQLite has no SKIP LOCKED, so correctness
// instead comes from taking the write lock up front, before the candidate
// rows are even selected, rather than relying on database/sql's default
// deferred transaction (which would only lock at the first write and could
// let two claimers both read the same candidate set).
func claimReadyTasks(ctx context.Context, db *sql.DB, workerID string, limit int) ([]string, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire claim connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM task_executions
		WHERE status = 'ready'
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}

	placeholders := make([]any, 0, len(ids)+1)
	placeholders = append(placeholders, workerID)
	q := `UPDATE task_executions SET status = 'running', worker_id = ?, started_at = CURRENT_TIMESTAMP, attempt = attempt + 1 WHERE id IN (`
	for i, id := range ids {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders = append(placeholders, id)
	}
	q += ")"

	if _, err := conn.ExecContext(ctx, q, placeholders...); err != nil {
		return nil, fmt.Errorf("claim ready tasks: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, err
	}
	committed = true
	return ids, nil
}
