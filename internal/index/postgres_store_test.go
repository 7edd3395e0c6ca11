//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/index/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/qmsforge/auditcore/internal/index"
)

// setupPostgres starts a disposable PostgreSQL container and opens a
// index.PostgresStore against it, mirroring the teacher's
// internal/server/storage/postgres_test.go setupDB helper.
func setupPostgres(t *testing.T) (*index.PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("auditcore_test"),
		tcpostgres.WithUsername("auditcore"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := index.OpenPostgres(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("index.OpenPostgres: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresStore_AddPostingsAndLookup(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	postings := []index.Posting{
		{FileID: "audit.log", Offset: 0, Timestamp: time.Now().UTC()},
		{FileID: "audit.log", Offset: 128, Timestamp: time.Now().UTC()},
	}
	if err := store.AddPostings(index.KindEntity, "Document:DOC-1", postings); err != nil {
		t.Fatalf("AddPostings: %v", err)
	}

	got, err := store.Lookup(index.KindEntity, "Document:DOC-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d postings, want 2", len(got))
	}
}

func TestPostgresStore_LookupMissingKeyIsEmpty(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	got, err := store.Lookup(index.KindUser, "nobody")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no postings for an unindexed key, got %d", len(got))
	}
}

func TestPostgresStore_ClearRemovesAllPostings(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	if err := store.AddPostings(index.KindUser, "alice", []index.Posting{{FileID: "audit.log", Offset: 0, Timestamp: time.Now().UTC()}}); err != nil {
		t.Fatalf("AddPostings: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	got, err := store.Lookup(index.KindUser, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected Clear to remove all postings, got %d", len(got))
	}
}
