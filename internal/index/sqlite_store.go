package index

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver, as in the teacher's internal/queue

	"github.com/qmsforge/auditcore/internal/errkind"
)

// SQLiteStore is the default Store backend (spec section 3.2: "index/ —
// serialized inverted-index shards"), following the teacher's
// internal/queue.SQLiteQueue WAL-mode idiom: single-writer connection pool,
// WAL journal mode for concurrent readers, idempotent schema application.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS postings (
    kind      TEXT    NOT NULL,
    key       TEXT    NOT NULL,
    file_id   TEXT    NOT NULL,
    offset    INTEGER NOT NULL,
    ts        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postings_lookup ON postings (kind, key);
`

// OpenSQLite opens (creating if absent) a SQLite-backed index shard at
// path. path may be ":memory:" for tests and for a disposable rebuild
// target.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errkind.New(errkind.Io, "index.OpenSQLite", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, errkind.New(errkind.Io, "index.OpenSQLite", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		db.Close()
		return nil, errkind.New(errkind.Io, "index.OpenSQLite", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errkind.New(errkind.Io, "index.OpenSQLite", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddPostings(kind Kind, key string, postings []Posting) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errkind.New(errkind.Io, "index.SQLiteStore.AddPostings", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO postings (kind, key, file_id, offset, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errkind.New(errkind.Io, "index.SQLiteStore.AddPostings", err)
	}
	defer stmt.Close()

	for _, p := range postings {
		if _, err := stmt.Exec(string(kind), key, p.FileID, p.Offset, p.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return errkind.New(errkind.Io, "index.SQLiteStore.AddPostings", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.Io, "index.SQLiteStore.AddPostings", err)
	}
	return nil
}

func (s *SQLiteStore) Lookup(kind Kind, key string) ([]Posting, error) {
	rows, err := s.db.Query(`SELECT file_id, offset, ts FROM postings WHERE kind = ? AND key = ?`, string(kind), key)
	if err != nil {
		return nil, errkind.New(errkind.Io, "index.SQLiteStore.Lookup", err)
	}
	defer rows.Close()

	var out []Posting
	for rows.Next() {
		var p Posting
		var ts string
		if err := rows.Scan(&p.FileID, &p.Offset, &ts); err != nil {
			return nil, errkind.New(errkind.Io, "index.SQLiteStore.Lookup", err)
		}
		p.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM postings`)
	if err != nil {
		return errkind.New(errkind.Io, "index.SQLiteStore.Clear", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
