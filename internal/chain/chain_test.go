package chain_test

import (
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
)

func seedEntry(id, user string) entrymodel.Entry {
	return entrymodel.Entry{
		ID:         id,
		Timestamp:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		UserID:     user,
		Action:     entrymodel.ActionCreate,
		EntityType: "Document",
		EntityID:   "DOC-1",
	}
}

func TestLink_ChainsSequentialEntries(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	if first.PreviousHash != "" {
		t.Fatalf("genesis entry should have empty PreviousHash, got %q", first.PreviousHash)
	}

	second := chain.Link(seedEntry("2", "alice"), &first)
	if second.PreviousHash != first.Checksum {
		t.Fatalf("second.PreviousHash = %q, want %q", second.PreviousHash, first.Checksum)
	}
}

func TestVerifyEntries_EmptyIsVerified(t *testing.T) {
	res := chain.VerifyEntries(nil, true, "")
	if !res.Verified {
		t.Fatalf("empty entry set should verify, got breaks: %+v", res.Breaks)
	}
}

func TestVerifyEntries_IntactChainVerifies(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	second := chain.Link(seedEntry("2", "alice"), &first)
	third := chain.Link(seedEntry("3", "alice"), &second)

	res := chain.VerifyEntries([]entrymodel.Entry{first, second, third}, true, "")
	if !res.Verified {
		t.Fatalf("expected intact chain to verify, got breaks: %+v", res.Breaks)
	}
}

func TestVerifyEntries_DetectsChecksumTamper(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	second := chain.Link(seedEntry("2", "alice"), &first)
	second.NewValue = "tampered-after-the-fact"

	res := chain.VerifyEntries([]entrymodel.Entry{first, second}, true, "")
	if res.Verified {
		t.Fatalf("expected tamper to be detected")
	}
	found := false
	for _, b := range res.Breaks {
		if b.Reason == chain.ReasonChecksumMismatch && b.EntryID == "2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a checksum_mismatch break for entry 2, got: %+v", res.Breaks)
	}
}

func TestVerifyEntries_ChecksumTamperPropagatesToNextLink(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	second := chain.Link(seedEntry("2", "alice"), &first)
	third := chain.Link(seedEntry("3", "alice"), &second)
	second.NewValue = "tampered-after-the-fact"

	res := chain.VerifyEntries([]entrymodel.Entry{first, second, third}, true, "")
	if res.Verified {
		t.Fatalf("expected tamper to be detected")
	}

	var gotChecksum, gotPrevHash bool
	for _, b := range res.Breaks {
		if b.EntryID == "2" && b.Reason == chain.ReasonChecksumMismatch {
			gotChecksum = true
		}
		if b.EntryID == "3" && b.Reason == chain.ReasonPrevHashMismatch {
			gotPrevHash = true
		}
	}
	if !gotChecksum {
		t.Fatalf("expected a checksum_mismatch break for entry 2, got: %+v", res.Breaks)
	}
	if !gotPrevHash {
		t.Fatalf("expected the tamper to propagate into a previous_hash_mismatch break for entry 3, got: %+v", res.Breaks)
	}
}

func TestVerifyEntries_DetectsBrokenLink(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	second := chain.Link(seedEntry("2", "alice"), &first)
	second.PreviousHash = "not-the-real-previous-hash"

	res := chain.VerifyEntries([]entrymodel.Entry{first, second}, true, "")
	if res.Verified {
		t.Fatalf("expected broken link to be detected")
	}
}

func TestVerifyEntries_UnexpectedGenesis(t *testing.T) {
	e := seedEntry("1", "alice")
	e.PreviousHash = "should-be-empty"
	e.Checksum = entrymodel.ComputeChecksum(e, e.PreviousHash)

	res := chain.VerifyEntries([]entrymodel.Entry{e}, true, "")
	if res.Verified {
		t.Fatalf("expected genesis entry with non-empty PreviousHash to fail verification")
	}
	if len(res.Breaks) != 1 || res.Breaks[0].Reason != chain.ReasonUnexpectedGenesis {
		t.Fatalf("expected a single unexpected_previous_hash_absent break, got: %+v", res.Breaks)
	}
}

func TestVerifyEntries_ContinuesAcrossFileBoundary(t *testing.T) {
	first := chain.Link(seedEntry("1", "alice"), nil)
	second := chain.Link(seedEntry("2", "alice"), &first)

	res := chain.VerifyEntries([]entrymodel.Entry{second}, false, first.Checksum)
	if !res.Verified {
		t.Fatalf("expected continuation from priorChecksum to verify, got breaks: %+v", res.Breaks)
	}
}
