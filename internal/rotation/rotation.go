// Package rotation implements the daily rollover, size cap, compression,
// and retention cleanup described in spec section 4.4. It performs the raw
// file operations (rename, gzip, delete); the writer package decides when
// to call Rotate and is responsible for closing/reopening its file handle
// around the call, so that rotation itself never has to reason about an
// open *os.File.
package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/qmsforge/auditcore/internal/errkind"
	"github.com/qmsforge/auditcore/internal/layout"
)

// Manager performs rotation, compression, and retention cleanup for one
// project. It holds no mutable state of its own — the writer's in-memory
// file/date/size tracking is the single source of truth for "should I
// rotate now," passed in via DecideInput.
type Manager struct {
	CompressionAgeDays int // files older than this are gzipped in place; default 7
}

func New(compressionAgeDays int) *Manager {
	if compressionAgeDays <= 0 {
		compressionAgeDays = 7
	}
	return &Manager{CompressionAgeDays: compressionAgeDays}
}

// DecideInput is everything Decide needs to determine whether the active
// file must roll over before the next entry is appended.
type DecideInput struct {
	DailyRotationEnabled bool
	ActiveFileFirstDate  string // YYYY-MM-DD, "" if the active file is empty
	Today                string // YYYY-MM-DD, UTC
	ActiveFileSize       int64
	MaxFileSizeMB        int
}

// Decision is the outcome of Decide.
type Decision struct {
	ShouldRotate bool
	Reason       string // "daily" or "size"
}

// Decide implements spec section 4.4's two rollover triggers: the active
// file's first entry is dated before today (daily rollover), or appending
// would exceed max_file_size_mb (size cap). An empty active file (no first
// date yet) never rotates.
func (m *Manager) Decide(in DecideInput) Decision {
	if in.ActiveFileFirstDate == "" {
		return Decision{}
	}
	if in.DailyRotationEnabled && in.ActiveFileFirstDate != in.Today {
		return Decision{ShouldRotate: true, Reason: "daily"}
	}
	maxBytes := int64(in.MaxFileSizeMB) * 1024 * 1024
	if maxBytes > 0 && in.ActiveFileSize >= maxBytes {
		return Decision{ShouldRotate: true, Reason: "size"}
	}
	return Decision{}
}

// Rotate renames the active log file to daily/<firstEntryDate>[-N].log,
// picking the next free sequence suffix N when a same-day file already
// exists (spec section 4.4, "Size cap... tagging the file with a sequence
// suffix"). It must be called with the active file closed. It returns the
// target filename (not the full path) for logging.
func (m *Manager) Rotate(proj layout.Project, firstEntryDate string, decision Decision) (string, error) {
	if err := os.MkdirAll(proj.DailyDir(), 0o755); err != nil {
		return "", errkind.New(errkind.Io, "rotation.Rotate", err)
	}

	base := firstEntryDate + ".log"
	target := filepath.Join(proj.DailyDir(), base)
	n := 1
	for {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		base = fmt.Sprintf("%s-%d.log", firstEntryDate, n)
		target = filepath.Join(proj.DailyDir(), base)
		n++
	}

	if err := os.Rename(proj.ActiveLogPath(), target); err != nil {
		return "", errkind.New(errkind.Io, "rotation.Rotate", err)
	}
	return base, nil
}

// Compress gzips every daily/*.log file whose filename date is older than
// CompressionAgeDays relative to now, replacing it with a .log.gz sibling
// and removing the uncompressed original (spec section 4.4). It is safe to
// call repeatedly; already-compressed files are skipped.
func (m *Manager) Compress(proj layout.Project, now time.Time) (compressed []string, err error) {
	files, err := proj.DailyFiles()
	if err != nil {
		return nil, errkind.New(errkind.Io, "rotation.Compress", err)
	}

	cutoff := now.UTC().AddDate(0, 0, -m.CompressionAgeDays)

	for _, path := range files {
		if strings.HasSuffix(path, ".gz") {
			continue
		}
		date, ok := fileDate(path)
		if !ok {
			continue
		}
		if !date.Before(cutoff) {
			continue
		}
		if err := compressOne(path); err != nil {
			return compressed, err
		}
		compressed = append(compressed, path+".gz")
	}
	return compressed, nil
}

func compressOne(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	gw := gzip.NewWriter(out)

	if _, err := copyAll(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(path + ".gz")
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	if err := out.Close(); err != nil {
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	if err := os.Remove(path); err != nil {
		return errkind.New(errkind.Io, "rotation.compressOne", err)
	}
	return nil
}

func copyAll(dst *gzip.Writer, src *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr.Error() == "EOF" {
				return total, nil
			}
			return total, rerr
		}
	}
}

// fileDate extracts the YYYY-MM-DD (or YYYY-MM-DD-N) date prefix from a
// daily log filename.
func fileDate(path string) (time.Time, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".log.gz")
	base = strings.TrimSuffix(base, ".log")
	// Trim an optional "-N" sequence suffix.
	if idx := strings.LastIndex(base, "-"); idx == 10 {
		base = base[:idx]
	}
	t, err := time.Parse("2006-01-02", base)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CleanupReport is the dry-run-or-real outcome of Cleanup.
type CleanupReport struct {
	Deleted    []string
	WouldDelete []string
	Errors     []error
}

// Cleanup implements the retention policy in spec section 4.4: files whose
// youngest entry is older than retentionDays are deleted (or, in dry-run
// mode, only reported). Retention cleanup continues past a per-file
// failure, collecting errors into the report (spec section 7).
func (m *Manager) Cleanup(proj layout.Project, retentionDays int, now time.Time, dryRun bool) CleanupReport {
	if retentionDays <= 0 {
		retentionDays = 2555
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	var report CleanupReport
	files, err := proj.DailyFiles()
	if err != nil {
		report.Errors = append(report.Errors, errkind.New(errkind.Io, "rotation.Cleanup", err))
		return report
	}

	sort.Strings(files)
	for _, path := range files {
		date, ok := fileDate(path)
		if !ok {
			continue
		}
		if !date.Before(cutoff) {
			continue
		}
		if dryRun {
			report.WouldDelete = append(report.WouldDelete, path)
			continue
		}
		if err := os.Remove(path); err != nil {
			report.Errors = append(report.Errors, errkind.New(errkind.Io, "rotation.Cleanup", err))
			continue
		}
		report.Deleted = append(report.Deleted, path)
	}
	return report
}
