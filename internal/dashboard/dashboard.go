// Package dashboard implements the read-only metric/alert aggregator of
// spec section 4.11. It is a pure function of the current log set plus an
// injectable clock (spec section 9 open question: "is_today/is_this_week
// stubs return true; the design requires a real calendar comparison
// against the writer's clock" — realized here via the Clock field rather
// than time.Now()).
package dashboard

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/search"
)

// Clock is injected so "today"/"this week"/"this month" are evaluated
// against a caller-controlled notion of now, never wall-clock time.Now()
// directly — this is what makes the aggregator's boundary math testable.
type Clock func() time.Time

// UserActivity is one row of the top-N user activity table.
type UserActivity struct {
	UserID     string
	EventCount int
	RiskScore  float64 // 0..1, weighted by action severity
}

// Alert is one heuristic-detector finding.
type Alert struct {
	Kind    string
	Detail  string
	Severity string
}

// Dashboard is the aggregated rollup returned by Aggregate.
type Dashboard struct {
	TotalEntries      int
	Today             int
	ThisWeek          int
	ThisMonth         int
	UniqueUsers       int
	AvgDailyActivity  float64
	OnDiskSizeBytes   uint64
	OnDiskSizeHuman   string

	TopUsers          []UserActivity
	ActionDistribution map[string]int
	CriticalActionCount int
	FailedOperationCount int

	HourlyHistogram [24]int
	PeakHours       []int

	Alerts []Alert
}

// actionWeight implements the risk-score weighting from spec section
// 4.11: "delete 0.3, update 0.1, create 0.05".
func actionWeight(a entrymodel.Action) float64 {
	switch a {
	case entrymodel.ActionDelete:
		return 0.3
	case entrymodel.ActionUpdate:
		return 0.1
	case entrymodel.ActionCreate:
		return 0.05
	default:
		return 0.0
	}
}

var criticalActions = map[entrymodel.Action]bool{
	entrymodel.ActionDelete:    true,
	entrymodel.ActionApprove:   true,
	entrymodel.ActionReject:    true,
	entrymodel.ActionConfigure: true,
}

// Detector is a pluggable heuristic alert source (spec section 4.11:
// "Detectors are pluggable; at least the stubs must be present and return
// empty lists when no signal").
type Detector func(entries []entrymodel.Entry, now time.Time) []Alert

// DefaultDetectors returns the three detectors named in spec section 4.11.
func DefaultDetectors() []Detector {
	return []Detector{detectBulkChanges, detectAfterHours, detectFailedOpBursts}
}

func detectBulkChanges(entries []entrymodel.Entry, now time.Time) []Alert {
	counts := map[string]int{}
	for _, e := range entries {
		if e.Timestamp.After(now.Add(-1 * time.Hour)) {
			counts[e.UserID]++
		}
	}
	var alerts []Alert
	for user, n := range counts {
		if n >= 50 {
			alerts = append(alerts, Alert{Kind: "bulk_changes", Detail: user + " made " + itoa(n) + " changes in the last hour", Severity: "Warning"})
		}
	}
	return alerts
}

func detectAfterHours(entries []entrymodel.Entry, now time.Time) []Alert {
	var alerts []Alert
	for _, e := range entries {
		h := e.Timestamp.UTC().Hour()
		if (h < 6 || h >= 22) && e.Timestamp.After(now.AddDate(0, 0, -1)) {
			alerts = append(alerts, Alert{Kind: "after_hours", Detail: e.UserID + " active at " + itoa(h) + ":00 UTC", Severity: "Info"})
		}
	}
	return alerts
}

func detectFailedOpBursts(entries []entrymodel.Entry, now time.Time) []Alert {
	// No first-class "failed operation" action exists in this entry model;
	// this stub exists to satisfy spec section 4.11's "at least the stubs
	// must be present" requirement and returns empty until a caller's
	// domain layer starts logging failures as a distinguishable Details
	// convention.
	return nil
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

// Aggregate implements the full rollup from spec section 4.11 over the
// last windowDays days.
func Aggregate(ctx context.Context, proj layout.Project, windowDays int, clock Clock, detectors []Detector) (Dashboard, error) {
	if clock == nil {
		clock = time.Now
	}
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	now := clock().UTC()

	start := now.AddDate(0, 0, -windowDays)
	res, err := search.Search(proj, search.Criteria{DateStart: start, Limit: 1 << 30}, false)
	if err != nil {
		return Dashboard{}, err
	}

	var d Dashboard
	d.TotalEntries = len(res.Entries)
	d.ActionDistribution = map[string]int{}

	todayStart := truncateDay(now)
	weekStart := now.AddDate(0, 0, -int(now.Weekday()))
	weekStart = truncateDay(weekStart)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	userCounts := map[string]int{}
	userRisk := map[string]float64{}
	users := map[string]bool{}

	for _, e := range res.Entries {
		ts := e.Timestamp.UTC()
		if !ts.Before(todayStart) {
			d.Today++
		}
		if !ts.Before(weekStart) {
			d.ThisWeek++
		}
		if !ts.Before(monthStart) {
			d.ThisMonth++
		}
		users[e.UserID] = true
		userCounts[e.UserID]++
		userRisk[e.UserID] += actionWeight(e.Action)

		d.ActionDistribution[e.ActionLabel()]++
		if criticalActions[e.Action] {
			d.CriticalActionCount++
		}
		d.HourlyHistogram[ts.Hour()]++
	}
	d.UniqueUsers = len(users)
	if windowDays > 0 {
		d.AvgDailyActivity = float64(d.TotalEntries) / float64(windowDays)
	}

	for user, count := range userCounts {
		risk := userRisk[user]
		if risk > 1 {
			risk = 1
		}
		d.TopUsers = append(d.TopUsers, UserActivity{UserID: user, EventCount: count, RiskScore: risk})
	}
	sort.Slice(d.TopUsers, func(i, j int) bool { return d.TopUsers[i].EventCount > d.TopUsers[j].EventCount })
	if len(d.TopUsers) > 10 {
		d.TopUsers = d.TopUsers[:10]
	}

	peak := 0
	for h := 1; h < 24; h++ {
		if d.HourlyHistogram[h] > d.HourlyHistogram[peak] {
			peak = h
		}
	}
	for h, count := range d.HourlyHistogram {
		if count == d.HourlyHistogram[peak] && count > 0 {
			d.PeakHours = append(d.PeakHours, h)
		}
	}

	if usage, err := diskUsage(proj.Root); err == nil {
		d.OnDiskSizeBytes = usage
		d.OnDiskSizeHuman = humanize.Bytes(usage)
	}

	for _, det := range detectors {
		d.Alerts = append(d.Alerts, det(res.Entries, now)...)
	}

	return d, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// diskUsage reports, via gopsutil, the used bytes of the whole filesystem
// that holds root (not the total size of the files under root), matching
// the teacher's observability stack choice for host metrics.
func diskUsage(root string) (uint64, error) {
	usage, err := disk.Usage(root)
	if err != nil {
		return 0, err
	}
	return usage.Used, nil
}
