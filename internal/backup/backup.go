// Package backup implements the snapshot/restore manager of spec section
// 4.9: create, verify, restore (gated behind a pre-restore safety copy),
// list, and retention cleanup. File hashing during manifest creation and
// verification is parallelized with golang.org/x/sync/errgroup, following
// the concurrency idiom the rest of this module's ambient stack favors
// over hand-rolled worker pools.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/errkind"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/lockorder"
)

// ManifestFile is one entry of a backup manifest (spec section 6.2).
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the manifest.json shape from spec section 6.2.
type Manifest struct {
	BackupID  string         `json:"backup_id"`
	CreatedAt time.Time      `json:"created_at"`
	FileCount int            `json:"file_count"`
	TotalSize int64          `json:"total_size"`
	Files     []ManifestFile `json:"files"`
}

// Manager implements the operations of spec section 4.9 for one project.
type Manager struct {
	proj  layout.Project
	gate  *lockorder.RotationGate
	clock func() time.Time
}

func New(proj layout.Project, gate *lockorder.RotationGate) *Manager {
	return &Manager{proj: proj, gate: gate, clock: time.Now}
}

// Create implements the create() snapshot algorithm of spec section 4.9.
func (m *Manager) Create() (Manifest, error) {
	release := m.gate.ExclusiveHold()
	defer release()

	id := uuid.NewString()
	dest := m.proj.BackupDir(id)
	return m.snapshotInto(id, dest)
}

// snapshotInto copies every file under the project's audit directory
// (logs, daily, signatures, index) into dest and writes dest/manifest.json.
// Must be called with the rotation gate already held exclusively.
func (m *Manager) snapshotInto(id, dest string) (Manifest, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Manifest{}, errkind.New(errkind.Io, "backup.snapshotInto", err)
	}

	srcFiles, err := collectFiles(m.proj.AuditDir())
	if err != nil {
		return Manifest{}, err
	}

	var g errgroup.Group
	hashes := make([]string, len(srcFiles))
	sizes := make([]int64, len(srcFiles))

	for i, src := range srcFiles {
		i, src := i, src
		g.Go(func() error {
			rel, err := filepath.Rel(m.proj.AuditDir(), src)
			if err != nil {
				return errkind.New(errkind.Io, "backup.snapshotInto", err)
			}
			dstPath := filepath.Join(dest, rel)
			sum, size, err := copyAndHash(src, dstPath)
			if err != nil {
				return err
			}
			hashes[i] = sum
			sizes[i] = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	man := Manifest{BackupID: id, CreatedAt: m.clock().UTC()}
	var total int64
	for i, src := range srcFiles {
		rel, _ := filepath.Rel(m.proj.AuditDir(), src)
		man.Files = append(man.Files, ManifestFile{Path: rel, SHA256: hashes[i], Size: sizes[i]})
		total += sizes[i]
	}
	man.FileCount = len(man.Files)
	man.TotalSize = total

	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return Manifest{}, errkind.New(errkind.Io, "backup.snapshotInto", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "manifest.json"), raw, 0o600); err != nil {
		return Manifest{}, errkind.New(errkind.Io, "backup.snapshotInto", err)
	}
	return man, nil
}

func collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.Io, "backup.collectFiles", err)
	}
	sort.Strings(out)
	return out, nil
}

func copyAndHash(src, dst string) (sum string, size int64, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, errkind.New(errkind.Io, "backup.copyAndHash", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, errkind.New(errkind.Io, "backup.copyAndHash", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, errkind.New(errkind.Io, "backup.copyAndHash", err)
	}
	defer out.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return "", 0, errkind.New(errkind.Io, "backup.copyAndHash", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errkind.New(errkind.Io, "backup.hashFile", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errkind.New(errkind.Io, "backup.hashFile", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify implements verify(id): recomputes the manifest and compares (spec
// section 4.9).
func (m *Manager) Verify(id string) (bool, []string, error) {
	dir := m.proj.BackupDir(id)
	man, err := loadManifest(dir)
	if err != nil {
		return false, nil, err
	}

	var mismatches []string
	var g errgroup.Group
	var mu sync.Mutex
	for _, f := range man.Files {
		f := f
		g.Go(func() error {
			sum, err := hashFile(filepath.Join(dir, f.Path))
			if err != nil {
				return err
			}
			if sum != f.SHA256 {
				mu.Lock()
				mismatches = append(mismatches, f.Path)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, nil, err
	}
	return len(mismatches) == 0, mismatches, nil
}

func loadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errkind.New(errkind.NotFound, "backup.loadManifest", err)
		}
		return Manifest{}, errkind.New(errkind.Io, "backup.loadManifest", err)
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Manifest{}, errkind.New(errkind.Parse, "backup.loadManifest", err)
	}
	return man, nil
}

// List implements list(): reads every backup's manifest.
func (m *Manager) List() ([]Manifest, error) {
	root := m.proj.BackupsDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.New(errkind.Io, "backup.List", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		man, err := loadManifest(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore implements restore(id): destructive and gated behind a
// pre_restore_<timestamp> safety snapshot, chain-verifies the restored set,
// and rolls back to the safety snapshot on failure (spec section 4.9).
func (m *Manager) Restore(id string) error {
	release := m.gate.ExclusiveHold()
	defer release()

	backupDir := m.proj.BackupDir(id)
	if _, err := loadManifest(backupDir); err != nil {
		return err
	}

	safetyID := "pre_restore_" + m.clock().UTC().Format("20060102T150405Z")
	safetyDir := m.proj.BackupDir(safetyID)
	if _, err := m.snapshotInto(safetyID, safetyDir); err != nil {
		return err
	}

	if err := replaceLiveFrom(backupDir, m.proj.AuditDir()); err != nil {
		_ = replaceLiveFrom(safetyDir, m.proj.AuditDir())
		return err
	}

	files, err := m.proj.OrderedLogFiles()
	if err != nil {
		_ = replaceLiveFrom(safetyDir, m.proj.AuditDir())
		return err
	}
	res, err := chain.VerifyAll(files)
	if err != nil || !res.Verified {
		_ = replaceLiveFrom(safetyDir, m.proj.AuditDir())
		return errkind.New(errkind.Integrity, "backup.Restore", nil)
	}

	return nil
}

// replaceLiveFrom copies every non-manifest file from backupDir over
// liveDir, leaving any live file with no counterpart in the backup
// untouched (the backup set is additive-replace, never destructive beyond
// what it replaces).
func replaceLiveFrom(backupDir, liveDir string) error {
	man, err := loadManifest(backupDir)
	if err != nil {
		return err
	}
	for _, f := range man.Files {
		src := filepath.Join(backupDir, f.Path)
		dst := filepath.Join(liveDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errkind.New(errkind.Io, "backup.replaceLiveFrom", err)
		}
		if _, _, err := copyAndHash(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup implements cleanup(retention_days): deletes backups beyond
// retention, same default (2,555 days) as log retention (spec section
// 4.9).
func (m *Manager) Cleanup(retentionDays int, now time.Time) ([]string, error) {
	if retentionDays <= 0 {
		retentionDays = 2555
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	manifests, err := m.List()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, man := range manifests {
		if man.CreatedAt.After(cutoff) {
			continue
		}
		dir := m.proj.BackupDir(man.BackupID)
		if err := os.RemoveAll(dir); err != nil {
			continue
		}
		deleted = append(deleted, man.BackupID)
	}
	return deleted, nil
}

// Info implements backup_info(id): returns the manifest for a single
// backup.
func (m *Manager) Info(id string) (Manifest, error) {
	return loadManifest(m.proj.BackupDir(id))
}
