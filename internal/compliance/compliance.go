// Package compliance implements the 21 CFR Part 11 rule checker of spec
// section 4.8: a pure scan over the current log set, plus the audit-trail
// summary and recommendations that make up a full ComplianceReport. It
// depends on package search (for the full-scan read path), package chain
// (for the global verify_all() rule), and package signature only for the
// Report.SignaturesUsed type; never on the writer.
package compliance

import (
	"sort"
	"time"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/search"
	"github.com/qmsforge/auditcore/internal/signature"
)

// Severity is a finding's severity level.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
	SeverityInfo     Severity = "Info"
)

// Issue is one rule violation found during Validate.
type Issue struct {
	Severity Severity
	EntryID  string
	Reason   string
}

// Validation is the ComplianceValidation summary from spec section 4.8.
type Validation struct {
	TotalChecked    int
	CompliantCount  int
	CriticalCount   int
	WarningCount    int
	InfoCount       int
	ChainOK         bool
	Score           float64
	Issues          []Issue
}

// SignatureRequired reports whether action on entityType requires a
// signature under the active policy table (injected so compliance need not
// import signature's full Manager — only the narrow policy question it
// needs). Policies are keyed by (action, entity_type), not action alone.
type SignatureRequired func(action entrymodel.Action, entityType string) bool

// Validate implements validate() from spec section 4.8.
func Validate(proj layout.Project, requiresSignature SignatureRequired) (Validation, error) {
	res, err := search.Search(proj, search.Criteria{Limit: 1 << 30}, true)
	if err != nil {
		return Validation{}, err
	}

	var v Validation
	v.TotalChecked = len(res.Entries)

	for _, e := range res.Entries {
		compliant := true

		if e.UserID == "" {
			v.Issues = append(v.Issues, Issue{SeverityCritical, e.ID, "missing user_id"})
			v.CriticalCount++
			compliant = false
		}
		if e.Timestamp.IsZero() {
			v.Issues = append(v.Issues, Issue{SeverityCritical, e.ID, "malformed timestamp"})
			v.CriticalCount++
			compliant = false
		}
		if e.ActionLabel() == "" {
			v.Issues = append(v.Issues, Issue{SeverityCritical, e.ID, "empty action"})
			v.CriticalCount++
			compliant = false
		}
		if e.EntityType == "" || e.EntityID == "" {
			v.Issues = append(v.Issues, Issue{SeverityWarning, e.ID, "missing entity_type or entity_id"})
			v.WarningCount++
			compliant = false
		}
		if requiresSignature != nil && requiresSignature(e.Action, e.EntityType) && e.Signature == nil {
			v.Issues = append(v.Issues, Issue{SeverityCritical, e.ID, "signature required but absent"})
			v.CriticalCount++
			compliant = false
		}

		if compliant {
			v.CompliantCount++
		}
	}

	files, err := proj.OrderedLogFiles()
	if err != nil {
		return Validation{}, err
	}
	chainRes, err := chain.VerifyAll(files)
	if err != nil {
		return Validation{}, err
	}
	v.ChainOK = chainRes.Verified
	if !v.ChainOK {
		v.CriticalCount++
		v.Issues = append(v.Issues, Issue{SeverityCritical, "", "verify_all failed"})
	}

	rate := 1.0
	if v.TotalChecked > 0 {
		rate = float64(v.CompliantCount) / float64(v.TotalChecked)
	}
	score := rate*80 + boolToFloat(v.ChainOK)*10 - 10*float64(v.CriticalCount)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	v.Score = score

	return v, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// AuditTrailSummary is the descriptive half of a ComplianceReport.
type AuditTrailSummary struct {
	DateStart        time.Time
	DateEnd          time.Time
	UniqueUsers      int
	ActionHistogram  map[string]int
	EntityHistogram  map[string]int
}

// Report is the ComplianceReport from spec section 4.8.
type Report struct {
	Period          string
	Validation      Validation
	TrailSummary    AuditTrailSummary
	Recommendations []string
	SignaturesUsed  []signature.Signature
}

// GenerateReport implements generate_report(period): it bundles Validate's
// output with an audit-trail summary and a recommendations list derived
// from the issues found.
func GenerateReport(proj layout.Project, period string, requiresSignature SignatureRequired) (Report, error) {
	v, err := Validate(proj, requiresSignature)
	if err != nil {
		return Report{}, err
	}

	res, err := search.Search(proj, search.Criteria{Limit: 1 << 30}, false)
	if err != nil {
		return Report{}, err
	}

	summary := AuditTrailSummary{
		ActionHistogram: map[string]int{},
		EntityHistogram: map[string]int{},
	}
	users := map[string]bool{}
	for _, e := range res.Entries {
		if summary.DateStart.IsZero() || e.Timestamp.Before(summary.DateStart) {
			summary.DateStart = e.Timestamp
		}
		if e.Timestamp.After(summary.DateEnd) {
			summary.DateEnd = e.Timestamp
		}
		users[e.UserID] = true
		summary.ActionHistogram[e.ActionLabel()]++
		summary.EntityHistogram[e.EntityType]++
	}
	summary.UniqueUsers = len(users)

	return Report{
		Period:          period,
		Validation:      v,
		TrailSummary:    summary,
		Recommendations: recommendationsFor(v),
	}, nil
}

// recommendationsFor turns Issues into deduplicated, human-readable
// recommendations, most frequent reason first.
func recommendationsFor(v Validation) []string {
	counts := map[string]int{}
	for _, iss := range v.Issues {
		counts[iss.Reason]++
	}
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return counts[reasons[i]] > counts[reasons[j]] })

	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r == "" {
			continue
		}
		out = append(out, "Address recurring issue: "+r+" ("+itoa(counts[r])+" occurrence(s))")
	}
	if !v.ChainOK {
		out = append(out, "Investigate chain break immediately; do not append further entries until resolved")
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
