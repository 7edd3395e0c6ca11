package index_test

import (
	"os"
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/index"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/lockorder"
)

func newIndex(t *testing.T) (*index.Index, layout.Project) {
	t.Helper()
	proj, err := layout.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	store, err := index.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var gate lockorder.IndexGate
	ix, err := index.New(proj, &gate, store, 0)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	return ix, proj
}

// seedEntries writes a chained log file directly and returns the entries in
// the byte-offset order they were written at, mirroring what the writer
// would hand IndexEntries after a flush.
func seedEntries(t *testing.T, proj layout.Project, builders []entrymodel.Entry) []entrymodel.IndexRecord {
	t.Helper()
	f, err := os.OpenFile(proj.ActiveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open active log: %v", err)
	}
	defer f.Close()

	var offset int64
	var prev *entrymodel.Entry
	var records []entrymodel.IndexRecord
	for i := range builders {
		linked := chain.Link(builders[i], prev)
		line, err := entrymodel.Encode(linked)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := f.Write(line); err != nil {
			t.Fatalf("write: %v", err)
		}
		records = append(records, entrymodel.IndexRecord{Entry: linked, Offset: offset})
		offset += int64(len(line))
		builders[i] = linked
		prev = &builders[i]
	}
	return records
}

func TestIndex_SearchByEntity(t *testing.T) {
	ix, proj := newIndex(t)
	builders := []entrymodel.Entry{
		{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
		{ID: "2", Timestamp: time.Now(), UserID: "bob", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-2"},
	}
	records := seedEntries(t, proj, builders)

	if err := ix.IndexEntries(proj.ActiveLogPath(), records); err != nil {
		t.Fatalf("IndexEntries: %v", err)
	}

	got, err := ix.Search(index.Query{Entity: "Document:DOC-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected search result: %+v", got)
	}
}

func TestIndex_SearchIntersectsMultipleKeys(t *testing.T) {
	ix, proj := newIndex(t)
	builders := []entrymodel.Entry{
		{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
		{ID: "2", Timestamp: time.Now(), UserID: "bob", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
	}
	records := seedEntries(t, proj, builders)
	if err := ix.IndexEntries(proj.ActiveLogPath(), records); err != nil {
		t.Fatalf("IndexEntries: %v", err)
	}

	got, err := ix.Search(index.Query{User: "alice", Entity: "Document:DOC-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected intersection to isolate entry 1, got %+v", got)
	}
}

func TestIndex_MarkStaleFallsBackToLinear(t *testing.T) {
	ix, proj := newIndex(t)
	builders := []entrymodel.Entry{
		{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
	}
	records := seedEntries(t, proj, builders)
	if err := ix.IndexEntries(proj.ActiveLogPath(), records); err != nil {
		t.Fatalf("IndexEntries: %v", err)
	}

	ix.MarkStale()
	if !ix.Stale() {
		t.Fatalf("expected index to report stale after MarkStale")
	}

	got, err := ix.Search(index.Query{Entity: "Document:DOC-1"})
	if err != nil {
		t.Fatalf("Search (fallback): %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected fallback linear scan to still find entry 1, got %+v", got)
	}
}

func TestIndex_RebuildClearsStaleAndRepopulates(t *testing.T) {
	ix, proj := newIndex(t)
	builders := []entrymodel.Entry{
		{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
	}
	seedEntries(t, proj, builders)
	ix.MarkStale()

	err := ix.Rebuild(func() (index.Store, error) { return index.OpenSQLite(":memory:") })
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if ix.Stale() {
		t.Fatalf("expected index to no longer be stale after Rebuild")
	}

	got, err := ix.Search(index.Query{Entity: "Document:DOC-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected rebuilt index to find entry 1, got %+v", got)
	}
}
