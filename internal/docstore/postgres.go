package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the game_documents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS game_documents (
    path        TEXT PRIMARY KEY,
    body        JSONB NOT NULL,
    version     BIGINT NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_game_documents_prefix ON game_documents(path text_pattern_ops);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL table of JSONB documents.
// Version conflicts are detected with a compare-and-swap UPDATE, so writes
// are safe across processes. Advisory locks are process-local (the same
// table as [FSStore]); cross-process mutators are serialised by the version
// check alone.
type PostgresStore struct {
	db    DB
	locks *lockTable
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given connection
// or pool. The caller is responsible for calling [PostgresStore.Migrate] to
// ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		locks: newLockTable(),
	}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("docstore: migrate: %w", err)
	}
	return nil
}

// Read implements [Store.Read].
func (s *PostgresStore) Read(ctx context.Context, path string) (json.RawMessage, int64, error) {
	var body []byte
	var version int64
	err := s.db.QueryRow(ctx,
		`SELECT body, version FROM game_documents WHERE path = $1`, path,
	).Scan(&body, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("docstore: read %q: %w", path, err)
	}
	return json.RawMessage(body), version, nil
}

// Write implements [Store.Write].
func (s *PostgresStore) Write(ctx context.Context, path string, doc json.RawMessage, expectedVersion int64) error {
	if !json.Valid(doc) {
		return fmt.Errorf("docstore: refusing to write invalid JSON to %q", path)
	}
	version := DocumentVersion(doc)

	if expectedVersion == AnyVersion {
		_, err := s.db.Exec(ctx, `
			INSERT INTO game_documents (path, body, version, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (path) DO UPDATE
			SET body = EXCLUDED.body, version = EXCLUDED.version, updated_at = now()`,
			path, []byte(doc), version,
		)
		if err != nil {
			return fmt.Errorf("docstore: write %q: %w", path, err)
		}
		return nil
	}

	if expectedVersion == 0 {
		// Either the document does not exist yet, or it exists at version 0.
		tag, err := s.db.Exec(ctx, `
			INSERT INTO game_documents (path, body, version, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (path) DO UPDATE
			SET body = EXCLUDED.body, version = EXCLUDED.version, updated_at = now()
			WHERE game_documents.version = 0`,
			path, []byte(doc), version,
		)
		if err != nil {
			return fmt.Errorf("docstore: write %q: %w", path, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s: expected 0", ErrVersionConflict, path)
		}
		return nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE game_documents
		SET body = $2, version = $3, updated_at = now()
		WHERE path = $1 AND version = $4`,
		path, []byte(doc), version, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("docstore: write %q: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s: expected %d", ErrVersionConflict, path, expectedVersion)
	}
	return nil
}

// Lock implements [Store.Lock].
func (s *PostgresStore) Lock(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	return s.locks.acquire(ctx, path, timeout)
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT path FROM game_documents WHERE path LIKE $1 || '%' ORDER BY path`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("docstore: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("docstore: list %q: scan: %w", prefix, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list %q: %w", prefix, err)
	}
	return paths, nil
}

// Delete implements [Store.Delete].
func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM game_documents WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("docstore: delete %q: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
