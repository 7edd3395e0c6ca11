package entrymodel_test

import (
	"strings"
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/entrymodel"
)

func TestBuilder_Validate(t *testing.T) {
	cases := []struct {
		name    string
		b       entrymodel.Builder
		wantErr bool
	}{
		{"valid create", entrymodel.Builder{Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"}, false},
		{"invalid action", entrymodel.Builder{Action: entrymodel.Action("Bogus"), EntityType: "Document", EntityID: "DOC-1"}, true},
		{"other without label", entrymodel.Builder{Action: entrymodel.ActionOther, EntityType: "Document", EntityID: "DOC-1"}, true},
		{"other with label", entrymodel.Builder{Action: entrymodel.ActionOther, OtherLabel: "Printed", EntityType: "Document", EntityID: "DOC-1"}, false},
		{"missing entity type", entrymodel.Builder{Action: entrymodel.ActionCreate, EntityID: "DOC-1"}, true},
		{"missing entity id", entrymodel.Builder{Action: entrymodel.ActionCreate, EntityType: "Document"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestComputeChecksum_DeterministicAndSensitive(t *testing.T) {
	base := entrymodel.Entry{
		ID:         "11111111-1111-1111-1111-111111111111",
		Timestamp:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		UserID:     "alice",
		Action:     entrymodel.ActionCreate,
		EntityType: "Document",
		EntityID:   "DOC-1",
	}

	sum1 := entrymodel.ComputeChecksum(base, "")
	sum2 := entrymodel.ComputeChecksum(base, "")
	if sum1 != sum2 {
		t.Fatalf("ComputeChecksum is not deterministic: %q vs %q", sum1, sum2)
	}
	if len(sum1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sum1))
	}

	withPrev := entrymodel.ComputeChecksum(base, "deadbeef")
	if sum1 == withPrev {
		t.Fatalf("checksum did not change when previousHash changed")
	}

	changed := base
	changed.NewValue = "final"
	sumChanged := entrymodel.ComputeChecksum(changed, "")
	if sum1 == sumChanged {
		t.Fatalf("checksum did not change when a field changed")
	}
}

func TestActionLabel(t *testing.T) {
	e := entrymodel.Entry{Action: entrymodel.ActionCreate}
	if got := e.ActionLabel(); got != "Create" {
		t.Fatalf("ActionLabel() = %q, want Create", got)
	}

	other := entrymodel.Entry{Action: entrymodel.ActionOther, OtherLabel: "Printed"}
	if got := other.ActionLabel(); got != "Printed" {
		t.Fatalf("ActionLabel() = %q, want Printed", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	e := entrymodel.Entry{
		ID:         "11111111-1111-1111-1111-111111111111",
		Timestamp:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		UserID:     "alice",
		Action:     entrymodel.ActionCreate,
		EntityType: "Document",
		EntityID:   "DOC-1",
		Checksum:   strings.Repeat("a", 64),
	}

	raw, err := entrymodel.Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw[len(raw)-1] != '\n' {
		t.Fatalf("Encode did not terminate with newline")
	}

	decoded, err := entrymodel.Decode(raw[:len(raw)-1], 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != e.ID || decoded.UserID != e.UserID || decoded.Action != e.Action {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, e)
	}
}

func TestDecode_RejectsMalformedAndIncomplete(t *testing.T) {
	if _, err := entrymodel.Decode([]byte("{not json"), 1); err == nil {
		t.Fatalf("expected error decoding malformed JSON")
	}

	missingUser := []byte(`{"id":"11111111-1111-1111-1111-111111111111","timestamp":"2026-01-01T00:00:00Z","action":"Create","entity_type":"Document","entity_id":"DOC-1","checksum":"` + strings.Repeat("a", 64) + `"}`)
	if _, err := entrymodel.Decode(missingUser, 2); err == nil {
		t.Fatalf("expected error decoding entry with missing user_id")
	}

	var perr *entrymodel.ParseError
	_, err := entrymodel.Decode([]byte("{not json"), 5)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Line != 5 {
		t.Fatalf("ParseError.Line = %d, want 5", perr.Line)
	}
}

func asParseError(err error, target **entrymodel.ParseError) bool {
	pe, ok := err.(*entrymodel.ParseError)
	if ok {
		*target = pe
	}
	return ok
}
