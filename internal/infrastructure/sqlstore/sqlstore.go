// Package sqlstore implements the repository interfaces once, in terms of
// goqu query building over a database/sql connection, so the postgres and
// sqlite backends only need to supply a dialect-tagged *goqu.Database and
// their own dialect-specific claim query (the one thing goqu cannot express:
// Postgres's FOR UPDATE SKIP LOCKED and SQLite's BEGIN IMMEDIATE semantics).
package sqlstore

import (
	"context"
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// ClaimFunc performs the dialect-specific atomic Ready->Running transition
// and returns the claimed row IDs. Repositories call back into the store's
// own GetByID-style helpers to hydrate full rows afterward.
type ClaimFunc func(ctx context.Context, db *sql.DB, workerID string, limit int) ([]string, error)

// Store wraps one dialect's connection and query builder. All repository
// implementations in this package hold a *Store.
type Store struct {
	DB    *sql.DB
	Goqu  *goqu.Database
	Claim ClaimFunc
}

func New(db *sql.DB, dialect string, claim ClaimFunc) *Store {
	return &Store{DB: db, Goqu: goqu.New(dialect, db), Claim: claim}
}

func newID() string { return uuid.NewString() }
