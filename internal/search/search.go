// Package search implements the linear-scan search path of spec section 4.5:
// a full walk of the file set, newest file first, with an AND-combined
// predicate and pagination. It never touches the secondary index — package
// index builds on top of this package's Criteria/Result types for its own
// hydration path.
package search

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
)

// Criteria mirrors AuditSearchCriteria from spec section 4.5. All fields are
// optional and AND-combined; the zero value matches every entry.
type Criteria struct {
	User           string
	Action         string // substring, case-insensitive, matched against ActionLabel()
	EntityType     string
	EntityID       string
	DateStart      time.Time // zero means unbounded
	DateEnd        time.Time // zero means unbounded
	DetailsKeyword string
	Limit          int // default 100
	Offset         int
}

func (c Criteria) withDefaults() Criteria {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	return c
}

// Result is the Search() return shape from spec section 4.5.
type Result struct {
	Entries        []entrymodel.Entry
	TotalMatches   int
	DurationMS     int64
	SourcesScanned int
	Warnings       []string // malformed lines skipped, one message each
}

var foldCaser = cases.Fold()

func caseFold(s string) string { return foldCaser.String(s) }

// matches evaluates the AND-combined predicate against e.
func (c Criteria) matches(e entrymodel.Entry) bool {
	if c.User != "" && e.UserID != c.User {
		return false
	}
	if c.Action != "" && !strings.Contains(caseFold(e.ActionLabel()), caseFold(c.Action)) {
		return false
	}
	if c.EntityType != "" && e.EntityType != c.EntityType {
		return false
	}
	if c.EntityID != "" && e.EntityID != c.EntityID {
		return false
	}
	if !c.DateStart.IsZero() && e.Timestamp.Before(c.DateStart) {
		return false
	}
	if !c.DateEnd.IsZero() && e.Timestamp.After(c.DateEnd) {
		return false
	}
	if c.DetailsKeyword != "" && !strings.Contains(caseFold(e.Details), caseFold(c.DetailsKeyword)) {
		return false
	}
	return true
}

// Search implements search(criteria) from spec section 4.5: files are
// walked newest-first, malformed lines are skipped (and recorded as
// warnings, never as a tampering signal — that is chain.VerifyFile's job),
// offset entries are skipped, and collection stops once limit is reached.
// TotalMatches still requires a full scan of every source unless
// countTotal is false, in which case it equals len(Entries)+Offset at best
// effort (the caller opted out of the full-scan cost, per spec section
// 4.5: "callers may opt out").
func Search(proj layout.Project, c Criteria, countTotal bool) (Result, error) {
	start := time.Now()
	c = c.withDefaults()

	files, err := proj.ReverseOrderedLogFiles()
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.SourcesScanned = len(files)

	skipped := 0
	collected := 0

	for _, path := range files {
		entries, breaks, err := chain.DecodeFile(path)
		if err != nil {
			return Result{}, err
		}
		for _, b := range breaks {
			res.Warnings = append(res.Warnings, "malformed line "+itoa(b.LineNo)+" in "+path)
		}

		// decodeFile returns entries in append order; reverse per-file so
		// that the overall walk is newest-entry-first within a newest-
		// file-first file order.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if !c.matches(e) {
				continue
			}
			if countTotal {
				res.TotalMatches++
			}
			if skipped < c.Offset {
				skipped++
				continue
			}
			if collected >= c.Limit {
				if !countTotal {
					// Not counting totals: once the page is full there is
					// nothing further to do.
					res.TotalMatches = skipped + collected
					res.DurationMS = time.Since(start).Milliseconds()
					return res, nil
				}
				continue
			}
			res.Entries = append(res.Entries, e)
			collected++
		}
	}

	if !countTotal {
		res.TotalMatches = skipped + collected
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
