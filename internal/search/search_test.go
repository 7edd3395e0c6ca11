package search_test

import (
	"os"
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/search"
)

func seedLog(t *testing.T, proj layout.Project, entries ...entrymodel.Entry) {
	t.Helper()
	f, err := os.OpenFile(proj.ActiveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open active log: %v", err)
	}
	defer f.Close()

	var prev *entrymodel.Entry
	for i := range entries {
		linked := chain.Link(entries[i], prev)
		raw, err := entrymodel.Encode(linked)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := f.Write(raw); err != nil {
			t.Fatalf("write: %v", err)
		}
		entries[i] = linked
		prev = &entries[i]
	}
}

func newProject(t *testing.T) layout.Project {
	t.Helper()
	proj, err := layout.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	return proj
}

func TestSearch_FiltersByUserAndEntity(t *testing.T) {
	proj := newProject(t)
	seedLog(t, proj,
		entrymodel.Entry{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
		entrymodel.Entry{ID: "2", Timestamp: time.Now(), UserID: "bob", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-2"},
		entrymodel.Entry{ID: "3", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionUpdate, EntityType: "Document", EntityID: "DOC-1"},
	)

	res, err := search.Search(proj, search.Criteria{User: "alice", EntityID: "DOC-1"}, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(res.Entries), res.Entries)
	}
	if res.TotalMatches != 2 {
		t.Fatalf("TotalMatches = %d, want 2", res.TotalMatches)
	}
}

func TestSearch_NewestFirst(t *testing.T) {
	proj := newProject(t)
	seedLog(t, proj,
		entrymodel.Entry{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
		entrymodel.Entry{ID: "2", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionUpdate, EntityType: "Document", EntityID: "DOC-1"},
	)

	res, err := search.Search(proj, search.Criteria{}, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 2 || res.Entries[0].ID != "2" || res.Entries[1].ID != "1" {
		t.Fatalf("expected newest-first order, got %+v", res.Entries)
	}
}

func TestSearch_ActionSubstringCaseInsensitive(t *testing.T) {
	proj := newProject(t)
	seedLog(t, proj,
		entrymodel.Entry{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionOther, OtherLabel: "Printed Label", EntityType: "Document", EntityID: "DOC-1"},
	)

	res, err := search.Search(proj, search.Criteria{Action: "printed"}, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected case-insensitive substring match on action label, got %d entries", len(res.Entries))
	}
}

func TestSearch_EmptyLogIsEmptyResult(t *testing.T) {
	proj := newProject(t)
	res, err := search.Search(proj, search.Criteria{}, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Fatalf("expected no entries, got %+v", res.Entries)
	}
}

func TestSearch_Pagination(t *testing.T) {
	proj := newProject(t)
	seedLog(t, proj,
		entrymodel.Entry{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"},
		entrymodel.Entry{ID: "2", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-2"},
		entrymodel.Entry{ID: "3", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-3"},
	)

	res, err := search.Search(proj, search.Criteria{Limit: 1, Offset: 1}, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].ID != "2" {
		t.Fatalf("expected single paged entry ID 2, got %+v", res.Entries)
	}
	if res.TotalMatches != 3 {
		t.Fatalf("TotalMatches = %d, want 3", res.TotalMatches)
	}
}
