// Package layout centralizes the on-disk filesystem layout from spec
// section 6.1 so that writer, rotation, search, index, and backup agree on
// a single source of truth for path construction.
package layout

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Project describes one audit project directory:
//
//	<root>/
//	  audit/
//	    audit.log
//	    daily/YYYY-MM-DD[-N].log[.gz]
//	    signatures/<uuid>.json
//	    index/index.db
//	  backups/audit/<backup-id>/
type Project struct {
	Root string
}

// New returns a Project rooted at root, creating the directory tree if it
// does not yet exist.
func New(root string) (Project, error) {
	p := Project{Root: root}
	for _, dir := range []string{p.AuditDir(), p.DailyDir(), p.SignaturesDir(), p.IndexDir(), p.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Project{}, err
		}
	}
	return p, nil
}

func (p Project) AuditDir() string       { return filepath.Join(p.Root, "audit") }
func (p Project) ActiveLogPath() string  { return filepath.Join(p.AuditDir(), "audit.log") }
func (p Project) DailyDir() string       { return filepath.Join(p.AuditDir(), "daily") }
func (p Project) SignaturesDir() string  { return filepath.Join(p.AuditDir(), "signatures") }
func (p Project) IndexDir() string       { return filepath.Join(p.AuditDir(), "index") }
func (p Project) BackupsDir() string     { return filepath.Join(p.Root, "backups", "audit") }
func (p Project) BackupDir(id string) string {
	return filepath.Join(p.BackupsDir(), id)
}

func (p Project) SignaturePath(id string) string {
	return filepath.Join(p.SignaturesDir(), id+".json")
}

// DailyFiles returns the rotated files under daily/ sorted by filename
// ascending, which spec section 3.2's ordering invariant requires:
// concatenating daily/* (sorted) then audit.log yields global append
// order.
func (p Project) DailyFiles() ([]string, error) {
	entries, err := os.ReadDir(p.DailyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".log") || strings.HasSuffix(n, ".log.gz") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(p.DailyDir(), n)
	}
	return out, nil
}

// OrderedLogFiles returns every log file in global append order: sorted
// daily/* files followed by audit.log (if it exists and is non-empty-or-not,
// existence is enough — callers decide what to do with an empty file).
func (p Project) OrderedLogFiles() ([]string, error) {
	daily, err := p.DailyFiles()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p.ActiveLogPath()); err == nil {
		daily = append(daily, p.ActiveLogPath())
	}
	return daily, nil
}

// ReverseOrderedLogFiles is OrderedLogFiles in reverse (newest file first),
// the order spec section 4.5's linear search walks files in.
func (p Project) ReverseOrderedLogFiles() ([]string, error) {
	files, err := p.OrderedLogFiles()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	return files, nil
}
