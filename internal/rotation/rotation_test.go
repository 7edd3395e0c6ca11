package rotation_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/rotation"
)

func TestDecide_DailyRollover(t *testing.T) {
	m := rotation.New(7)
	d := m.Decide(rotation.DecideInput{
		DailyRotationEnabled: true,
		ActiveFileFirstDate:  "2026-01-01",
		Today:                "2026-01-02",
	})
	if !d.ShouldRotate || d.Reason != "daily" {
		t.Fatalf("expected daily rotation, got %+v", d)
	}
}

func TestDecide_SizeCap(t *testing.T) {
	m := rotation.New(7)
	d := m.Decide(rotation.DecideInput{
		ActiveFileFirstDate: "2026-01-01",
		Today:               "2026-01-01",
		ActiveFileSize:      10 * 1024 * 1024,
		MaxFileSizeMB:       10,
	})
	if !d.ShouldRotate || d.Reason != "size" {
		t.Fatalf("expected size rotation, got %+v", d)
	}
}

func TestDecide_EmptyActiveFileNeverRotates(t *testing.T) {
	m := rotation.New(7)
	d := m.Decide(rotation.DecideInput{DailyRotationEnabled: true, Today: "2026-01-02"})
	if d.ShouldRotate {
		t.Fatalf("expected no rotation for an empty active file, got %+v", d)
	}
}

func TestDecide_NoTriggerWhenUnderThresholds(t *testing.T) {
	m := rotation.New(7)
	d := m.Decide(rotation.DecideInput{
		DailyRotationEnabled: true,
		ActiveFileFirstDate:  "2026-01-01",
		Today:                "2026-01-01",
		ActiveFileSize:       1024,
		MaxFileSizeMB:        10,
	})
	if d.ShouldRotate {
		t.Fatalf("expected no rotation, got %+v", d)
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

func TestRotate_RenamesActiveToDaily(t *testing.T) {
	proj := newProject(t)
	if err := os.WriteFile(proj.ActiveLogPath(), []byte("line1\n"), 0o644); err != nil {
		t.Fatalf("seed active log: %v", err)
	}

	name, err := proj.DailyFiles()
	if err != nil || len(name) != 0 {
		t.Fatalf("expected no daily files yet")
	}

	m := rotation.New(7)
	target, err := m.Rotate(proj, "2026-01-01", rotation.Decision{ShouldRotate: true, Reason: "daily"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if target != "2026-01-01.log" {
		t.Fatalf("target = %q, want 2026-01-01.log", target)
	}
	if _, err := os.Stat(proj.ActiveLogPath()); !os.IsNotExist(err) {
		t.Fatalf("expected active log to be gone after rotation")
	}
	if _, err := os.Stat(filepath.Join(proj.DailyDir(), target)); err != nil {
		t.Fatalf("expected rotated file to exist: %v", err)
	}
}

func TestRotate_SequenceSuffixOnCollision(t *testing.T) {
	proj := newProject(t)
	if err := os.WriteFile(filepath.Join(proj.DailyDir(), "2026-01-01.log"), []byte("existing\n"), 0o644); err != nil {
		t.Fatalf("seed existing daily file: %v", err)
	}
	if err := os.WriteFile(proj.ActiveLogPath(), []byte("line1\n"), 0o644); err != nil {
		t.Fatalf("seed active log: %v", err)
	}

	m := rotation.New(7)
	target, err := m.Rotate(proj, "2026-01-01", rotation.Decision{ShouldRotate: true, Reason: "daily"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if target != "2026-01-01-1.log" {
		t.Fatalf("target = %q, want 2026-01-01-1.log", target)
	}
}

func TestCompress_GzipsOldFilesOnly(t *testing.T) {
	proj := newProject(t)
	old := filepath.Join(proj.DailyDir(), "2020-01-01.log")
	recent := filepath.Join(proj.DailyDir(), "2026-01-01.log")
	if err := os.WriteFile(old, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("seed old file: %v", err)
	}
	if err := os.WriteFile(recent, []byte("recent\n"), 0o644); err != nil {
		t.Fatalf("seed recent file: %v", err)
	}

	m := rotation.New(7)
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	compressed, err := m.Compress(proj, now)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) != 1 || compressed[0] != old+".gz" {
		t.Fatalf("expected only the old file compressed, got %v", compressed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected uncompressed old file to be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatalf("expected recent file to remain untouched: %v", err)
	}
}

func TestCleanup_DryRunReportsWithoutDeleting(t *testing.T) {
	proj := newProject(t)
	stale := filepath.Join(proj.DailyDir(), "2000-01-01.log")
	if err := os.WriteFile(stale, []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	m := rotation.New(7)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	report := m.Cleanup(proj, 30, now, true)
	if len(report.WouldDelete) != 1 || len(report.Deleted) != 0 {
		t.Fatalf("expected a dry-run report, got %+v", report)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("expected stale file to remain after dry run: %v", err)
	}
}

func TestCleanup_DeletesPastRetention(t *testing.T) {
	proj := newProject(t)
	stale := filepath.Join(proj.DailyDir(), "2000-01-01.log")
	if err := os.WriteFile(stale, []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	m := rotation.New(7)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	report := m.Cleanup(proj, 30, now, false)
	if len(report.Deleted) != 1 {
		t.Fatalf("expected stale file deleted, got report %+v", report)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed from disk")
	}
}
