package index

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qmsforge/auditcore/internal/errkind"
)

// PostgresStore is an alternative Store backend for deployments that
// already run Postgres for the surrounding QMS (grounded on the teacher's
// internal/server/storage.Store pgxpool idiom). It is not the default;
// spec section 9's "pluggable storage" design note is realized by this and
// SQLiteStore both satisfying the same Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_postings (
    kind    TEXT        NOT NULL,
    key     TEXT        NOT NULL,
    file_id TEXT        NOT NULL,
    offset_ BIGINT      NOT NULL,
    ts      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_postings_lookup ON audit_postings (kind, key);
`

// OpenPostgres connects to connStr, pings, and applies the schema.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errkind.New(errkind.Io, "index.OpenPostgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.Io, "index.OpenPostgres", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.Io, "index.OpenPostgres", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) AddPostings(kind Kind, key string, postings []Posting) error {
	ctx := context.Background()
	batch := make([][]any, 0, len(postings))
	for _, p := range postings {
		batch = append(batch, []any{string(kind), key, p.FileID, p.Offset, p.Timestamp.UTC()})
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errkind.New(errkind.Io, "index.PostgresStore.AddPostings", err)
	}
	for _, row := range batch {
		if _, err := tx.Exec(ctx, `INSERT INTO audit_postings (kind, key, file_id, offset_, ts) VALUES ($1,$2,$3,$4,$5)`, row...); err != nil {
			tx.Rollback(ctx)
			return errkind.New(errkind.Io, "index.PostgresStore.AddPostings", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errkind.New(errkind.Io, "index.PostgresStore.AddPostings", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(kind Kind, key string) ([]Posting, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT file_id, offset_, ts FROM audit_postings WHERE kind = $1 AND key = $2`, string(kind), key)
	if err != nil {
		return nil, errkind.New(errkind.Io, "index.PostgresStore.Lookup", err)
	}
	defer rows.Close()

	var out []Posting
	for rows.Next() {
		var p Posting
		var ts time.Time
		if err := rows.Scan(&p.FileID, &p.Offset, &ts); err != nil {
			return nil, errkind.New(errkind.Io, "index.PostgresStore.Lookup", err)
		}
		p.Timestamp = ts
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Clear() error {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE audit_postings`)
	if err != nil {
		return errkind.New(errkind.Io, "index.PostgresStore.Clear", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
