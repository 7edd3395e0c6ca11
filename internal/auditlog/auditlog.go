// Package auditlog is the single facade named by spec section 6.3: every
// operation a caller (CLI, HTTP layer, or another in-process module)
// invokes goes through one Log value. It owns construction and wiring of
// every other package in this module (writer, rotation, search, index,
// signature, compliance, backup, observer, dashboard, export, session)
// so that callers never have to assemble the lock-ordering, storage
// backend, or index-cache plumbing themselves — mirroring how the
// teacher's cmd/agent/main.go wires agent.Agent from a parsed Config
// rather than handing the caller raw constructors.
package auditlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/qmsforge/auditcore/internal/backup"
	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/compliance"
	"github.com/qmsforge/auditcore/internal/config"
	"github.com/qmsforge/auditcore/internal/dashboard"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/errkind"
	"github.com/qmsforge/auditcore/internal/export"
	"github.com/qmsforge/auditcore/internal/index"
	"github.com/qmsforge/auditcore/internal/integritywatch"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/lockorder"
	"github.com/qmsforge/auditcore/internal/observer"
	"github.com/qmsforge/auditcore/internal/rotation"
	"github.com/qmsforge/auditcore/internal/search"
	"github.com/qmsforge/auditcore/internal/session"
	"github.com/qmsforge/auditcore/internal/signature"
	"github.com/qmsforge/auditcore/internal/writer"
)

// Log is the programmatic surface of spec section 6.3.
type Log struct {
	cfg    config.Config
	proj   layout.Project
	logger *slog.Logger

	rotationGate *lockorder.RotationGate
	indexGate    *lockorder.IndexGate

	rot   *rotation.Manager
	w     *writer.Writer
	idx   *index.Index
	obs   *observer.Bus
	sigs  *signature.Manager
	backups *backup.Manager
	watch *integritywatch.Watcher
}

// logAdapter lets writer.Writer satisfy signature.AuditLogger without
// signature importing writer.
type logAdapter struct{ w *writer.Writer }

func (a logAdapter) Log(ctx context.Context, b entrymodel.Builder) (string, error) {
	return a.w.Log(ctx, b)
}

// Initialize implements initialize(config) from spec section 6.3. It
// creates the project's directory layout if absent, opens the writer
// (restoring and verifying its chain tail), and wires every dependent
// component.
func Initialize(cfg config.Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	proj, err := layout.New(cfg.ProjectPath)
	if err != nil {
		return nil, err
	}

	l := &Log{
		cfg:          cfg,
		proj:         proj,
		logger:       logger,
		rotationGate: &lockorder.RotationGate{},
		indexGate:    &lockorder.IndexGate{},
	}

	l.rot = rotation.New(cfg.CompressionAgeDays)
	l.obs = observer.New(logger)

	var store index.Store
	if cfg.IndexEnabled {
		switch cfg.IndexBackend {
		case "postgres":
			store, err = index.OpenPostgres(context.Background(), cfg.PostgresDSN)
		default:
			store, err = index.OpenSQLite(proj.IndexDir() + "/index.db")
		}
		if err != nil {
			return nil, err
		}
		l.idx, err = index.New(proj, l.indexGate, store, cfg.IndexCacheSize)
		if err != nil {
			return nil, err
		}
	}

	writerCfg := writer.Config{
		RetentionDays:    cfg.RetentionDays,
		DailyRotation:    cfg.DailyRotation,
		MaxFileSizeMB:    cfg.MaxFileSizeMB,
		RequireChecksums: cfg.RequireChecksums,
		BufferSize:       cfg.BufferSize,
		FlushIntervalMS:  cfg.FlushIntervalMS,
		IndexEnabled:     cfg.IndexEnabled,
		LockWait:         cfg.LockWait(),
	}

	var opts []writer.Option
	opts = append(opts, writer.WithLogger(logger), writer.WithObserver(l.obs))
	if l.idx != nil {
		opts = append(opts, writer.WithIndexer(l.idx))
	}

	l.w, err = writer.Open(proj, writerCfg, l.rotationGate, l.rot, opts...)
	if err != nil {
		return nil, err
	}

	l.sigs = signature.New(proj, signature.DefaultPolicyTable(), logAdapter{l.w})
	l.backups = backup.New(proj, l.rotationGate)

	if wch, err := integritywatch.Open(proj, l.obs, logger); err == nil {
		l.watch = wch
	}

	return l, nil
}

// Close flushes and releases the writer and any watcher.
func (l *Log) Close() error {
	if l.watch != nil {
		_ = l.watch.Close()
	}
	return l.w.Close()
}

// --- Session --------------------------------------------------------------

// SetSession implements set_session(user, session_id, ip?).
func (l *Log) SetSession(userID, sessionID, ip string) {
	session.Set(userID, sessionID, ip)
}

// ClearSession implements clear_session().
func (l *Log) ClearSession() { session.Clear() }

// WithSession implements with_session(ctx, fn).
func (l *Log) WithSession(sess session.Context, fn func()) { session.WithSession(sess, fn) }

// --- Writing ---------------------------------------------------------------

// LogEntry implements log(entry_builder).
func (l *Log) LogEntry(ctx context.Context, b entrymodel.Builder) (string, error) {
	return l.w.Log(ctx, b)
}

// LogBatch implements log_batch(...).
func (l *Log) LogBatch(ctx context.Context, builders []entrymodel.Builder) ([]string, error) {
	return l.w.LogBatch(ctx, builders)
}

func convenience(action entrymodel.Action) func(ctx context.Context, l *Log, entityType, entityID string, old, new_, details string) (string, error) {
	return func(ctx context.Context, l *Log, entityType, entityID string, old, new_, details string) (string, error) {
		return l.w.Log(ctx, entrymodel.Builder{
			Action: action, EntityType: entityType, EntityID: entityID,
			OldValue: old, NewValue: new_, Details: details,
		})
	}
}

// LogCreate, LogRead, LogUpdate, LogDelete, LogApprove implement the
// convenience helpers named in spec section 6.3.
func (l *Log) LogCreate(ctx context.Context, entityType, entityID, details string) (string, error) {
	return convenience(entrymodel.ActionCreate)(ctx, l, entityType, entityID, "", "", details)
}

func (l *Log) LogRead(ctx context.Context, entityType, entityID string) (string, error) {
	return convenience(entrymodel.ActionRead)(ctx, l, entityType, entityID, "", "", "")
}

func (l *Log) LogUpdate(ctx context.Context, entityType, entityID, oldValue, newValue string) (string, error) {
	return convenience(entrymodel.ActionUpdate)(ctx, l, entityType, entityID, oldValue, newValue, "")
}

func (l *Log) LogDelete(ctx context.Context, entityType, entityID, details string) (string, error) {
	return convenience(entrymodel.ActionDelete)(ctx, l, entityType, entityID, "", "", details)
}

func (l *Log) LogApprove(ctx context.Context, entityType, entityID, details string) (string, error) {
	return convenience(entrymodel.ActionApprove)(ctx, l, entityType, entityID, "", "", details)
}

// --- Reading -----------------------------------------------------------

// Search implements search(criteria).
func (l *Log) Search(c search.Criteria) (search.Result, error) {
	return search.Search(l.proj, c, true)
}

// IndexedSearch implements indexed_search(...). It returns an error if the
// index was not enabled at Initialize time.
func (l *Log) IndexedSearch(q index.Query) ([]entrymodel.Entry, error) {
	if l.idx == nil {
		return nil, errkind.New(errkind.Validation, "auditlog.IndexedSearch", nil)
	}
	return l.idx.Search(q)
}

// Statistics implements statistics(): a thin read-only snapshot built from
// the dashboard aggregator over a 30-day window, matching the dashboard's
// own General metrics section (spec section 4.11).
func (l *Log) Statistics(ctx context.Context) (dashboard.Dashboard, error) {
	return dashboard.Aggregate(ctx, l.proj, 30, nil, nil)
}

// --- Integrity -----------------------------------------------------------

// VerifyFile implements verify_file(path).
func (l *Log) VerifyFile(path string) (chain.Result, error) {
	return chain.VerifyFile(path)
}

// VerifyAll implements verify_all().
func (l *Log) VerifyAll() (chain.Result, error) {
	files, err := l.proj.OrderedLogFiles()
	if err != nil {
		return chain.Result{}, err
	}
	return chain.VerifyAll(files)
}

// ExportChainReport implements export_chain_report(): it runs VerifyAll,
// writes the result to outputPath as indented JSON, and returns it.
func (l *Log) ExportChainReport(outputPath string) (chain.Result, error) {
	res, err := l.VerifyAll()
	if err != nil {
		return chain.Result{}, err
	}
	raw, err := json.MarshalIndent(res, "", "  ")
	if err == nil {
		err = os.WriteFile(outputPath, raw, 0o600)
	}
	if err != nil {
		return res, errkind.New(errkind.Io, "auditlog.ExportChainReport", err)
	}
	return res, nil
}

// --- Rotation/Retention --------------------------------------------------

// CheckAndRotate implements check_and_rotate() by flushing pending entries.
// The rollover check runs inline in every Log/LogBatch call, before the
// append; this method does not run that check itself.
func (l *Log) CheckAndRotate(ctx context.Context) error {
	return l.w.Flush()
}

// ForceRotate implements force_rotate(): logs a Configure entry
// (System/rotation, details "forced rotation"), which runs the writer's
// inline rollover check, then flushes. It rotates only when the daily or
// size condition already holds; otherwise audit.log stays in place and
// the marker entry is appended to it.
func (l *Log) ForceRotate(ctx context.Context) error {
	if _, err := l.w.Log(ctx, entrymodel.Builder{
		Action: entrymodel.ActionConfigure, EntityType: "System", EntityID: "rotation", Details: "forced rotation",
	}); err != nil {
		return err
	}
	return l.w.Flush()
}

// Cleanup implements cleanup(days).
func (l *Log) Cleanup(days int, dryRun bool) rotation.CleanupReport {
	return l.rot.Cleanup(l.proj, days, time.Now(), dryRun)
}

// RotationStats implements rotation_stats(): the sorted paths of the daily
// files on disk. The active file's size is not reported.
func (l *Log) RotationStats() ([]string, error) {
	return l.proj.DailyFiles()
}

// --- Signatures ------------------------------------------------------------

func (l *Log) CreateSignature(ctx context.Context, userID string, action entrymodel.Action, entityType, entityID, reason string, method entrymodel.SignatureMethod) (signature.Signature, error) {
	return l.sigs.Create(ctx, userID, action, entityType, entityID, reason, method)
}

func (l *Log) VerifySignature(sigID string) (signature.VerificationResult, error) {
	return l.sigs.Verify(sigID)
}

func (l *Log) ListSignatures(entityType, entityID string) ([]signature.Signature, error) {
	return l.sigs.ListForEntity(entityType, entityID)
}

func (l *Log) SignatureRequirements(action entrymodel.Action, entityType, entityID string) (bool, error) {
	return l.sigs.RequirementsMet(action, entityType, entityID)
}

// --- Compliance --------------------------------------------------------

func (l *Log) Validate() (compliance.Validation, error) {
	return compliance.Validate(l.proj, l.requiresSignature)
}

func (l *Log) ComplianceReport(period string) (compliance.Report, error) {
	return compliance.GenerateReport(l.proj, period, l.requiresSignature)
}

func (l *Log) requiresSignature(action entrymodel.Action, entityType string) bool {
	p, ok := l.sigs.Policies()[signature.PolicyKey{Action: action, EntityType: entityType}]
	return ok && p.Required
}

// --- Backup --------------------------------------------------------------

func (l *Log) CreateBackup() (backup.Manifest, error) { return l.backups.Create() }

func (l *Log) ListBackups() ([]backup.Manifest, error) { return l.backups.List() }

func (l *Log) VerifyBackup(id string) (bool, []string, error) { return l.backups.Verify(id) }

func (l *Log) RestoreBackup(id string) error {
	if l.idx != nil {
		l.idx.MarkStale()
	}
	return l.backups.Restore(id)
}

func (l *Log) CleanupBackups(days int) ([]string, error) {
	return l.backups.Cleanup(days, time.Now())
}

func (l *Log) BackupInfo(id string) (backup.Manifest, error) { return l.backups.Info(id) }

// --- Export ----------------------------------------------------------------

func (l *Log) Export(opts export.Options) (export.Stats, error) {
	return export.Export(l.proj, opts)
}

func (l *Log) ExportActivitySummary(outputPath string, windowDays int) (export.Stats, error) {
	return export.ExportActivitySummary(l.proj, outputPath, windowDays)
}

func (l *Log) ExportComplianceReport(outputPath, period string) (export.Stats, error) {
	return export.ExportComplianceReport(l.proj, outputPath, period, l.requiresSignature)
}

// --- Observers ---------------------------------------------------------

func (l *Log) RegisterObserver(name string, priority int, interest func(observer.Kind) bool, h observer.Handler) {
	l.obs.Register(name, priority, interest, h)
}

func (l *Log) UnregisterObserver(name string) { l.obs.Unregister(name) }

func (l *Log) ListObservers() []string { return l.obs.ListObservers() }
