// Package signature implements electronic signatures (spec sections 3.3
// and 4.7): the policy table, creation, verification, and per-entity
// listing. Signature files are write-once under signatures/<uuid>.json,
// mirroring the teacher's write-once persistence style for audit lines —
// generalized here from append-a-line to create-a-file, since a signature
// has no chain of its own (spec section 3.3: "Never mutated").
package signature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/errkind"
	"github.com/qmsforge/auditcore/internal/layout"
)

// Signature is the persisted shape from spec section 3.3.
type Signature struct {
	ID            string                       `json:"id"`
	UserID        string                       `json:"user_id"`
	Timestamp     time.Time                    `json:"timestamp"`
	Meaning       string                       `json:"meaning"`
	EntityType    string                       `json:"entity_type"`
	EntityID      string                       `json:"entity_id"`
	Method        entrymodel.SignatureMethod   `json:"method"`
	Reason        string                       `json:"reason,omitempty"`
	SignatureHash string                       `json:"signature_hash"`
}

// canonicalBytes builds the hash input named in spec section 3.3:
// user_id|timestamp|meaning|entity_type|entity_id.
func canonicalBytes(s Signature) []byte {
	var b strings.Builder
	b.WriteString(s.UserID)
	b.WriteByte('|')
	b.WriteString(s.Timestamp.UTC().Format(time.RFC3339))
	b.WriteByte('|')
	b.WriteString(s.Meaning)
	b.WriteByte('|')
	b.WriteString(s.EntityType)
	b.WriteByte('|')
	b.WriteString(s.EntityID)
	return []byte(b.String())
}

func computeHash(s Signature) string {
	sum := sha256.Sum256(canonicalBytes(s))
	return hex.EncodeToString(sum[:])
}

// Policy is one row of the policy table from spec section 4.7.
type Policy struct {
	Required       bool
	Meaning        string
	MinMethod      entrymodel.SignatureMethod
	ReasonRequired bool
}

// methodRank orders signature methods from weakest to strongest so that
// RequirementsMet can check "at least as strong as the policy minimum."
var methodRank = map[entrymodel.SignatureMethod]int{
	entrymodel.MethodPassword:         1,
	entrymodel.MethodTwoFactor:        2,
	entrymodel.MethodBiometric:        3,
	entrymodel.MethodDigitalCertificate: 3,
}

// PolicyKey identifies a row of the policy table: a privileged action
// combined with the entity type it targets, since the same action can carry
// different signature requirements depending on what it acts on (spec
// section 4.7's "document approval" and "risk acceptance" are both an
// Approve action, distinguished only by entity type).
type PolicyKey struct {
	Action     entrymodel.Action
	EntityType string
}

// PolicyTable maps (action, entity_type) to Policy. DefaultPolicyTable seeds
// the four policies named explicitly in spec section 4.7; callers may add
// more entries for their own privileged action/entity-type combinations.
type PolicyTable map[PolicyKey]Policy

// DefaultPolicyTable returns the seed policies from spec section 4.7.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		{Action: entrymodel.ActionApprove, EntityType: "Document"}:   {Required: true, Meaning: "Document approved", MinMethod: entrymodel.MethodPassword, ReasonRequired: false},
		{Action: entrymodel.ActionDelete, EntityType: "Document"}:    {Required: true, Meaning: "Document deleted", MinMethod: entrymodel.MethodPassword, ReasonRequired: true},
		{Action: entrymodel.ActionApprove, EntityType: "Risk"}:       {Required: true, Meaning: "Risk accepted", MinMethod: entrymodel.MethodPassword, ReasonRequired: true},
		{Action: entrymodel.ActionConfigure, EntityType: "System"}:   {Required: true, Meaning: "System configuration changed", MinMethod: entrymodel.MethodTwoFactor, ReasonRequired: true},
	}
}

// AuditLogger is the narrow writer dependency used to emit the audit entry
// that signature.Manager must raise on a successful Create (spec section
// 4.7: "persists to signatures/ and emits an audit entry").
type AuditLogger interface {
	Log(ctx context.Context, builder entrymodel.Builder) (string, error)
}

// Manager implements the four operations of spec section 4.7.
type Manager struct {
	proj     layout.Project
	policies PolicyTable
	logger   AuditLogger
	clock    func() time.Time
}

func New(proj layout.Project, policies PolicyTable, logger AuditLogger) *Manager {
	if policies == nil {
		policies = DefaultPolicyTable()
	}
	return &Manager{proj: proj, policies: policies, logger: logger, clock: time.Now}
}

// Create implements create(user, action, entity_type, entity_id, reason?)
// from spec section 4.7.
func (m *Manager) Create(ctx context.Context, userID string, action entrymodel.Action, entityType, entityID, reason string, method entrymodel.SignatureMethod) (Signature, error) {
	policy, ok := m.policies[PolicyKey{Action: action, EntityType: entityType}]
	meaning := ""
	if ok {
		meaning = policy.Meaning
		if policy.ReasonRequired && reason == "" {
			return Signature{}, errkind.New(errkind.PolicyViolation, "signature.Create", nil)
		}
		if methodRank[method] < methodRank[policy.MinMethod] {
			return Signature{}, errkind.New(errkind.PolicyViolation, "signature.Create", nil)
		}
	}

	sig := Signature{
		ID:         uuid.NewString(),
		UserID:     userID,
		Timestamp:  m.clock().UTC().Truncate(time.Second),
		Meaning:    meaning,
		EntityType: entityType,
		EntityID:   entityID,
		Method:     method,
		Reason:     reason,
	}
	sig.SignatureHash = computeHash(sig)

	if err := m.persist(sig); err != nil {
		return Signature{}, err
	}

	if m.logger != nil {
		_, _ = m.logger.Log(ctx, entrymodel.Builder{
			UserID:     userID,
			Action:     action,
			EntityType: entityType,
			EntityID:   entityID,
			Signature:  &entrymodel.Signature{SignatureHash: sig.SignatureHash, Method: method},
		})
	}

	return sig, nil
}

func (m *Manager) persist(sig Signature) error {
	path := m.proj.SignaturePath(sig.ID)
	raw, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return errkind.New(errkind.Io, "signature.persist", err)
	}
	if _, err := os.Stat(path); err == nil {
		return errkind.New(errkind.AlreadyExists, "signature.persist", nil)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errkind.New(errkind.Io, "signature.persist", err)
	}
	return nil
}

// VerificationResult is the outcome of Verify.
type VerificationResult struct {
	Valid  bool
	Detail string
}

// Verify implements verify(sig_id): it recomputes signature_hash and
// compares (spec section 4.7).
func (m *Manager) Verify(sigID string) (VerificationResult, error) {
	sig, err := m.load(sigID)
	if err != nil {
		return VerificationResult{}, err
	}
	recomputed := computeHash(sig)
	if recomputed != sig.SignatureHash {
		return VerificationResult{Valid: false, Detail: "signature_hash mismatch: file has been modified"}, nil
	}
	return VerificationResult{Valid: true, Detail: "ok"}, nil
}

func (m *Manager) load(sigID string) (Signature, error) {
	path := m.proj.SignaturePath(sigID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Signature{}, errkind.New(errkind.NotFound, "signature.load", err)
		}
		return Signature{}, errkind.New(errkind.Io, "signature.load", err)
	}
	var sig Signature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signature{}, errkind.New(errkind.Parse, "signature.load", err)
	}
	return sig, nil
}

// ListForEntity implements list_for_entity, sorted by timestamp descending
// (spec section 4.7).
func (m *Manager) ListForEntity(entityType, entityID string) ([]Signature, error) {
	dir := m.proj.SignaturesDir()
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.New(errkind.Io, "signature.ListForEntity", err)
	}

	var out []Signature
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(f.Name(), ".json")
		sig, err := m.load(id)
		if err != nil {
			continue
		}
		if sig.EntityType == entityType && sig.EntityID == entityID {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// RequirementsMet implements requirements_met(action, entity_type,
// entity_id): true iff the policy for action is satisfied by the
// signatures currently on file for that entity (spec section 4.7).
func (m *Manager) RequirementsMet(action entrymodel.Action, entityType, entityID string) (bool, error) {
	policy, ok := m.policies[PolicyKey{Action: action, EntityType: entityType}]
	if !ok || !policy.Required {
		return true, nil
	}
	sigs, err := m.ListForEntity(entityType, entityID)
	if err != nil {
		return false, err
	}
	for _, s := range sigs {
		if methodRank[s.Method] >= methodRank[policy.MinMethod] {
			if policy.ReasonRequired && s.Reason == "" {
				continue
			}
			return true, nil
		}
	}
	return false, nil
}

// Policies exposes the active policy table (used by the compliance
// validator and the signature_requirements() CLI surface).
func (m *Manager) Policies() PolicyTable { return m.policies }
