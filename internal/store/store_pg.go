package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// MigrationTransmittedBundles is the SQL DDL for the transmitted_bundles
// table. It is safe to execute multiple times.
const MigrationTransmittedBundles = `
CREATE TABLE IF NOT EXISTS transmitted_bundles (
    rel_path       TEXT PRIMARY KEY,
    bundle_type    TEXT NOT NULL,
    entry_count    INTEGER NOT NULL,
    bundle_json    JSONB NOT NULL,
    transmitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transmitted_bundles_transmitted_at
    ON transmitted_bundles (transmitted_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// ---------------------------------------------------------------------------
// PGStore
// ---------------------------------------------------------------------------

// PGStore archives transmitted bundles in PostgreSQL, one row per source
// file. Re-saving a path replaces the row.
type PGStore struct {
	db  pgConn
	now func() time.Time
}

// NewPGStore creates a PG-backed store. Use NewPGStoreFromPool to wrap a
// *pgxpool.Pool, or pass a mock in tests.
func NewPGStore(db pgConn) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Migrate creates the archive table if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationTransmittedBundles); err != nil {
		return fmt.Errorf("migrate transmitted_bundles: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *PGStore) Save(ctx context.Context, relPath string, b *fhir.Bundle) error {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}
	data, err := fhir.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode %s: %w", relPath, err)
	}

	const query = `INSERT INTO transmitted_bundles (rel_path, bundle_type, entry_count, bundle_json, transmitted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (rel_path) DO UPDATE SET bundle_type    = EXCLUDED.bundle_type,
                                     entry_count    = EXCLUDED.entry_count,
                                     bundle_json    = EXCLUDED.bundle_json,
                                     transmitted_at = EXCLUDED.transmitted_at`

	if err := s.db.Exec(ctx, query, clean, b.Type, len(b.Entry), data, s.now().UTC()); err != nil {
		return fmt.Errorf("save bundle %s: %w", clean, err)
	}
	return nil
}

// Get returns the archived bundle JSON for relPath, or nil when absent.
func (s *PGStore) Get(ctx context.Context, relPath string) ([]byte, error) {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return nil, err
	}
	const query = `SELECT bundle_json FROM transmitted_bundles WHERE rel_path = $1`

	var data []byte
	if err := s.db.QueryRow(ctx, query, clean).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bundle %s: %w", clean, err)
	}
	return data, nil
}

// isNoRows works with both pgx.ErrNoRows and the mock used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

// pgxPoolWrapper drops the pgconn.CommandTag that pgxpool.Pool.Exec returns.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGStoreFromPool creates a PG-backed store directly from a *pgxpool.Pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return NewPGStore(&pgxPoolWrapper{pool: pool})
}
