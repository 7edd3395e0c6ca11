// Package entrymodel defines the canonical shape of an audit entry (spec
// section 3.1) and the line-delimited JSON codec used to persist it.
//
// An Entry is immutable once constructed: every field reflecting the event
// itself is set by a caller-provided Builder, and the identity/time/chain
// fields (ID, Timestamp, Checksum, PreviousHash) are stamped by the writer
// package, never by the caller. This package knows nothing about files,
// locks, or chains — it only knows how to shape and serialize one entry,
// mirroring how the teacher's audit_logger.go keeps its entry/entryContent
// types free of I/O concerns.
package entrymodel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/qmsforge/auditcore/internal/errkind"
)

// Action is the tagged variant for the kind of state change an entry
// records (spec section 3.1). The zero value is invalid; callers must set
// one of the named constants.
type Action string

const (
	ActionCreate    Action = "Create"
	ActionRead      Action = "Read"
	ActionUpdate    Action = "Update"
	ActionDelete    Action = "Delete"
	ActionArchive   Action = "Archive"
	ActionRestore   Action = "Restore"
	ActionApprove   Action = "Approve"
	ActionReject    Action = "Reject"
	ActionSubmit    Action = "Submit"
	ActionCheckout  Action = "Checkout"
	ActionCheckin   Action = "Checkin"
	ActionLogin     Action = "Login"
	ActionLogout    Action = "Logout"
	ActionExport    Action = "Export"
	ActionImport    Action = "Import"
	ActionConfigure Action = "Configure"
	// ActionOther is the catch-all variant; OtherLabel on the Entry carries
	// the free-text description. Other(text) in spec.md maps to this pair.
	ActionOther Action = "Other"
)

var knownActions = map[Action]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionArchive: true, ActionRestore: true, ActionApprove: true, ActionReject: true,
	ActionSubmit: true, ActionCheckout: true, ActionCheckin: true, ActionLogin: true,
	ActionLogout: true, ActionExport: true, ActionImport: true, ActionConfigure: true,
	ActionOther: true,
}

// Valid reports whether a is one of the enumerated action variants.
func (a Action) Valid() bool { return knownActions[a] }

// SignatureMethod is the tagged variant for how an electronic signature was
// produced (spec section 3.3).
type SignatureMethod string

const (
	MethodPassword           SignatureMethod = "Password"
	MethodTwoFactor          SignatureMethod = "TwoFactor"
	MethodDigitalCertificate SignatureMethod = "DigitalCertificate"
	MethodBiometric          SignatureMethod = "Biometric"
)

// Signature is the subset of an Electronic Signature (spec section 3.3)
// that is embedded in an audit Entry. The authoritative, independently
// persisted record lives in package signature; this is a reference copy
// bound to the entry's hash input.
type Signature struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Meaning        string          `json:"meaning"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Method         SignatureMethod `json:"method"`
	Reason         string          `json:"reason,omitempty"`
	SignatureHash  string          `json:"signature_hash"`
}

// Entry is the immutable audit record described in spec section 3.1.
type Entry struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Action       Action     `json:"action"`
	OtherLabel   string     `json:"other_label,omitempty"` // set iff Action == ActionOther
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	OldValue     string     `json:"old_value,omitempty"`
	NewValue     string     `json:"new_value,omitempty"`
	Details      string     `json:"details,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	Signature    *Signature `json:"signature,omitempty"`
	Checksum     string     `json:"checksum"`
	PreviousHash string     `json:"previous_hash,omitempty"`
}

// Builder is the partially populated entry a caller hands to the writer.
// The writer fills in ID, Timestamp, UserID/SessionID (from the bound
// session unless explicitly overridden), Checksum, and PreviousHash.
type Builder struct {
	UserID     string // optional: overrides the bound session's user
	SessionID  string // optional: overrides the bound session's session id
	Action     Action
	OtherLabel string
	EntityType string
	EntityID   string
	OldValue   string
	NewValue   string
	Details    string
	IPAddress  string
	Signature  *Signature
}

// Validate checks the fields a Builder is responsible for, independent of
// anything the writer stamps in later.
func (b Builder) Validate() error {
	if !b.Action.Valid() {
		return errkind.New(errkind.Validation, "entrymodel.Builder.Validate", nil)
	}
	if b.Action == ActionOther && strings.TrimSpace(b.OtherLabel) == "" {
		return errkind.New(errkind.Validation, "entrymodel.Builder.Validate", nil)
	}
	if strings.TrimSpace(b.EntityType) == "" || strings.TrimSpace(b.EntityID) == "" {
		return errkind.New(errkind.Validation, "entrymodel.Builder.Validate", nil)
	}
	return nil
}

// ActionLabel returns the human-readable action label: the literal action
// name, or OtherLabel when Action is ActionOther.
func (e Entry) ActionLabel() string {
	if e.Action == ActionOther {
		return e.OtherLabel
	}
	return string(e.Action)
}

// CanonicalBytes produces the deterministic hash input described in spec
// section 3.1: field values in declaration order, '|'-delimited, with the
// literal string "null" standing in for an absent optional. Checksum itself
// is not included, the signature contributes only its signature_hash, and
// ActionOther is written as Other(label). previousHash is
// passed explicitly because it is resolved by the caller (the writer knows
// the prior entry's checksum before this entry's own Checksum field is
// computed).
//
// This is the single function every hashing call site in this module uses,
// fixing the ad hoc format the spec's Open Questions flag as previously
// under-specified.
func CanonicalBytes(e Entry, previousHash string) []byte {
	var b strings.Builder
	opt := func(s string) string {
		if s == "" {
			return "null"
		}
		return s
	}

	b.WriteString(opt(e.ID))
	b.WriteByte('|')
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339))
	b.WriteByte('|')
	b.WriteString(opt(e.UserID))
	b.WriteByte('|')
	b.WriteString(opt(e.SessionID))
	b.WriteByte('|')
	b.WriteString(string(e.Action))
	if e.Action == ActionOther {
		b.WriteByte('(')
		b.WriteString(e.OtherLabel)
		b.WriteByte(')')
	}
	b.WriteByte('|')
	b.WriteString(opt(e.EntityType))
	b.WriteByte('|')
	b.WriteString(opt(e.EntityID))
	b.WriteByte('|')
	b.WriteString(opt(e.OldValue))
	b.WriteByte('|')
	b.WriteString(opt(e.NewValue))
	b.WriteByte('|')
	b.WriteString(opt(e.Details))
	b.WriteByte('|')
	b.WriteString(opt(e.IPAddress))
	b.WriteByte('|')
	if e.Signature != nil {
		b.WriteString(e.Signature.SignatureHash)
	} else {
		b.WriteString("null")
	}
	b.WriteByte('|')
	b.WriteString(opt(previousHash))

	return []byte(b.String())
}

// ComputeChecksum returns the lowercase hex SHA-256 digest of
// CanonicalBytes(e, previousHash). This is the only place the checksum hash
// function is fixed, per spec's non-goal of pluggable crypto providers.
func ComputeChecksum(e Entry, previousHash string) string {
	sum := sha256.Sum256(CanonicalBytes(e, previousHash))
	return hex.EncodeToString(sum[:])
}

// ParseError is returned by Decode for a line that could not be turned into
// a valid Entry. It is never a panic: malformed input is always reported.
type ParseError struct {
	Line   int
	Reason string
	Cause  error
}

func (p *ParseError) Error() string {
	return "entrymodel: parse error at line " + itoa(p.Line) + ": " + p.Reason
}

func (p *ParseError) Unwrap() error { return p.Cause }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// validateDecoded enforces that the JSON-required, non-optional fields
// Decode reads are present and non-empty.
func validateDecoded(e *Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	if e.Timestamp.IsZero() {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	if !e.Action.Valid() {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	if strings.TrimSpace(e.EntityType) == "" || strings.TrimSpace(e.EntityID) == "" {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	if len(e.Checksum) != 64 {
		return errkind.New(errkind.Parse, "entrymodel.Decode", nil)
	}
	return nil
}

// marshalable is an alias used only to prevent accidental recursive calls
// into Entry's own json.Marshal via a custom MarshalJSON (none is defined,
// this type alias exists purely so Encode's intent is self-documenting).
type marshalable = Entry

// Encode renders e as a single line of UTF-8 JSON terminated by '\n'. It is
// deterministic for a given Entry value (Go's encoding/json emits struct
// fields in declaration order).
func Encode(e Entry) ([]byte, error) {
	raw, err := json.Marshal(marshalable(e))
	if err != nil {
		return nil, errkind.New(errkind.Io, "entrymodel.Encode", err)
	}
	raw = append(raw, '\n')
	return raw, nil
}

// Decode parses a single line (without its trailing newline) into an Entry.
// It never panics; malformed JSON or missing required fields produce a
// *ParseError. lineNo is used only to annotate the error for the caller's
// warning log.
func Decode(line []byte, lineNo int) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, &ParseError{Line: lineNo, Reason: "invalid JSON", Cause: err}
	}
	if err := validateDecoded(&e); err != nil {
		return Entry{}, &ParseError{Line: lineNo, Reason: "missing or invalid required field", Cause: err}
	}
	return e, nil
}

// IndexRecord is one (entry, byte offset) pair handed from the writer to an
// indexer immediately after a durable flush (spec section 4.6: "an index
// flush follows each log flush"). It lives here, rather than in package
// writer or package index, so that both can depend on it without either
// depending on the other.
type IndexRecord struct {
	Entry  Entry
	Offset int64
}
