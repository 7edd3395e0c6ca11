// Package writer implements the append-only, durable, chain-aware log
// writer of spec section 4.3. It is the only component that ever opens
// audit.log for writing; rotation, search, and index all treat the files
// it produces as read-only (rotation renames them, but never appends).
//
// The design follows the teacher's internal/audit.Logger closely: a mutex
// serializes Append calls, the in-memory chain tail (seq/prevHash
// equivalent) is restored by scanning the active file on Open, and every
// write is a single os.File.Write followed by an fsync. Generalized beyond
// the teacher: the entry shape now matches spec section 3.1 instead of a
// generic JSON payload, a bounded ring buffer defers fsync across multiple
// Append calls (spec section 4.3, "Buffering"), daily/size rotation is
// triggered inline, and a post-commit observer fan-out plus an optional
// index update run after each durable flush.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/errkind"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/lockorder"
	"github.com/qmsforge/auditcore/internal/rotation"
	"github.com/qmsforge/auditcore/internal/session"
)

// Config mirrors the writer-relevant fields of the initialize(config)
// surface in spec section 6.3.
type Config struct {
	RetentionDays      int
	DailyRotation      bool
	MaxFileSizeMB      int
	RequireChecksums   bool // not read by Writer; Open verifies the existing active file regardless
	BufferSize         int
	FlushIntervalMS    int
	IndexEnabled       bool
	LockWait           time.Duration // advisory lock acquisition timeout, default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = 100
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 5000
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 2555
	}
	return c
}

// Indexer is the narrow interface the writer uses to keep the secondary
// inverted index in step with log flushes (spec section 4.6: "an index
// flush follows each log flush"). The concrete implementation lives in
// package index; this interface exists only to avoid writer depending on
// index's storage backends.
type Indexer interface {
	IndexEntries(fileID string, records []entrymodel.IndexRecord) error
}

// Observer is the narrow interface the writer uses to publish post-commit
// events (spec section 4.10). The concrete bus lives in package observer.
type Observer interface {
	PublishEntryCreated(entrymodel.Entry)
}

// Writer is the append-only, chain-aware log writer for one project.
// Create one with Open; do not copy after first use.
type Writer struct {
	proj   layout.Project
	cfg    Config
	logger *slog.Logger
	gate   *lockorder.RotationGate
	rot    *rotation.Manager
	index  Indexer  // nil if IndexEnabled is false
	obs    Observer // nil if no observer bus wired

	mu           sync.Mutex // writer mutex, lock order position 2
	file         *os.File
	fileDate     string // YYYY-MM-DD of the active file's first entry
	fileSize     int64
	prevHash     string
	sinceLastFsync []pendingAppend

	clock func() time.Time

	flushTicker *time.Ticker
	flushDone   chan struct{}
	flushWG     sync.WaitGroup
}

type pendingAppend struct {
	entry  entrymodel.Entry
	offset int64
}

// Option configures a Writer at construction time.
type Option func(*Writer)

func WithLogger(l *slog.Logger) Option { return func(w *Writer) { w.logger = l } }
func WithIndexer(ix Indexer) Option    { return func(w *Writer) { w.index = ix } }
func WithObserver(o Observer) Option   { return func(w *Writer) { w.obs = o } }
func WithClock(fn func() time.Time) Option {
	return func(w *Writer) { w.clock = fn }
}

// Open opens (creating if absent) the active log file of proj and restores
// the in-memory chain tail by verifying the existing file, mirroring the
// teacher's audit.Open. A chain break in the existing file is a fatal open
// error: a writer must never append onto a file it cannot prove is intact.
func Open(proj layout.Project, cfg Config, gate *lockorder.RotationGate, rot *rotation.Manager, opts ...Option) (*Writer, error) {
	cfg = cfg.withDefaults()
	w := &Writer{
		proj:   proj,
		cfg:    cfg,
		logger: slog.Default(),
		gate:   gate,
		rot:    rot,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.restoreTail(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(proj.ActiveLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errkind.New(errkind.Io, "writer.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errkind.New(errkind.Io, "writer.Open", err)
	}
	w.file = f
	w.fileSize = info.Size()
	w.startFlushTicker()
	return w, nil
}

// startFlushTicker runs the third of spec section 4.3's three flush
// triggers (explicit flush(), buffer full, scheduled tick) on
// cfg.FlushIntervalMS, so entries below BufferSize still reach disk without
// an explicit Flush call.
func (w *Writer) startFlushTicker() {
	w.flushTicker = time.NewTicker(time.Duration(w.cfg.FlushIntervalMS) * time.Millisecond)
	w.flushDone = make(chan struct{})
	w.flushWG.Add(1)
	go func() {
		defer w.flushWG.Done()
		for {
			select {
			case <-w.flushTicker.C:
				if err := w.Flush(); err != nil {
					w.logger.Warn("writer: scheduled flush failed", slog.Any("error", err))
				}
			case <-w.flushDone:
				return
			}
		}
	}()
}

// restoreTail verifies the existing active file (if any) and restores
// fileDate from its first entry and prevHash from its last entry.
func (w *Writer) restoreTail() error {
	path := w.proj.ActiveLogPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	res, err := chain.VerifyFile(path)
	if err != nil {
		return err
	}
	if !res.Verified {
		return errkind.New(errkind.Integrity, "writer.Open", fmt.Errorf("existing active log fails verification: %d break(s)", len(res.Breaks)))
	}

	entries, _, err := chain.DecodeFile(path)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		w.prevHash = entries[len(entries)-1].Checksum
		w.fileDate = entries[0].Timestamp.UTC().Format("2006-01-02")
	}
	return nil
}

// Log implements the log(entry_builder) operation (spec section 4.3 /
// section 6.3). It stamps identity/time/chain fields, appends to the
// buffer, and triggers a flush when the buffer is full. It never silently
// drops an entry: any failure rolls back the in-memory chain state so a
// retry produces a valid chain (spec section 4.3, "Failure semantics").
func (w *Writer) Log(ctx context.Context, b entrymodel.Builder) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}

	release := w.gate.AppendHold()
	defer release()

	if err := w.acquireFileLock(); err != nil {
		return "", err
	}
	defer w.releaseFileLock()

	w.mu.Lock()
	defer w.mu.Unlock()

	sess := session.Resolve(ctx)
	userID := sess.UserID
	if b.UserID != "" {
		userID = b.UserID
	}
	if userID == "" {
		userID = "system"
	}
	sessionID := sess.SessionID
	if b.SessionID != "" {
		sessionID = b.SessionID
	}
	ip := sess.IPAddress
	if b.IPAddress != "" {
		ip = b.IPAddress
	}

	e := entrymodel.Entry{
		ID:         uuid.NewString(),
		Timestamp:  w.clock().UTC().Truncate(time.Second),
		UserID:     userID,
		SessionID:  sessionID,
		Action:     b.Action,
		OtherLabel: b.OtherLabel,
		EntityType: b.EntityType,
		EntityID:   b.EntityID,
		OldValue:   b.OldValue,
		NewValue:   b.NewValue,
		Details:    b.Details,
		IPAddress:  ip,
		Signature:  b.Signature,
	}

	if err := w.rotateIfNeeded(e.Timestamp); err != nil {
		return "", err
	}

	e.PreviousHash = w.prevHash
	e.Checksum = entrymodel.ComputeChecksum(e, w.prevHash)

	offset, err := w.appendLine(e)
	if err != nil {
		// Roll back: prevHash/fileDate are untouched since we only mutate
		// them after a successful write, below.
		return "", err
	}

	w.prevHash = e.Checksum
	w.sinceLastFsync = append(w.sinceLastFsync, pendingAppend{entry: e, offset: offset})

	if len(w.sinceLastFsync) >= w.cfg.BufferSize {
		if err := w.flushLocked(); err != nil {
			return "", err
		}
	}

	return e.ID, nil
}

// LogBatch implements log_batch: identical chain-stamping as Log, but holds
// the file lock once and fsyncs once at the end (spec section 4.3).
func (w *Writer) LogBatch(ctx context.Context, builders []entrymodel.Builder) ([]string, error) {
	for _, b := range builders {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	release := w.gate.AppendHold()
	defer release()

	if err := w.acquireFileLock(); err != nil {
		return nil, err
	}
	defer w.releaseFileLock()

	w.mu.Lock()
	defer w.mu.Unlock()

	sess := session.Resolve(ctx)
	ids := make([]string, 0, len(builders))

	for _, b := range builders {
		userID := sess.UserID
		if b.UserID != "" {
			userID = b.UserID
		}
		if userID == "" {
			userID = "system"
		}
		sessionID := sess.SessionID
		if b.SessionID != "" {
			sessionID = b.SessionID
		}
		ip := sess.IPAddress
		if b.IPAddress != "" {
			ip = b.IPAddress
		}

		e := entrymodel.Entry{
			ID:         uuid.NewString(),
			Timestamp:  w.clock().UTC().Truncate(time.Second),
			UserID:     userID,
			SessionID:  sessionID,
			Action:     b.Action,
			OtherLabel: b.OtherLabel,
			EntityType: b.EntityType,
			EntityID:   b.EntityID,
			OldValue:   b.OldValue,
			NewValue:   b.NewValue,
			Details:    b.Details,
			IPAddress:  ip,
			Signature:  b.Signature,
		}

		if err := w.rotateIfNeeded(e.Timestamp); err != nil {
			return nil, err
		}

		e.PreviousHash = w.prevHash
		e.Checksum = entrymodel.ComputeChecksum(e, w.prevHash)

		offset, err := w.appendLine(e)
		if err != nil {
			return nil, err
		}
		w.prevHash = e.Checksum
		w.sinceLastFsync = append(w.sinceLastFsync, pendingAppend{entry: e, offset: offset})
		ids = append(ids, e.ID)
	}

	if err := w.flushLocked(); err != nil {
		return nil, err
	}
	return ids, nil
}

// appendLine encodes e and writes it to the active file, returning the byte
// offset at which the line begins (for index hydration).
func (w *Writer) appendLine(e entrymodel.Entry) (int64, error) {
	line, err := entrymodel.Encode(e)
	if err != nil {
		return 0, err
	}
	offset := w.fileSize
	n, err := w.file.Write(line)
	if err != nil {
		return 0, errkind.New(errkind.Io, "writer.appendLine", err)
	}
	w.fileSize += int64(n)
	return offset, nil
}

// rotateIfNeeded runs the daily-rollover / size-cap check from spec
// section 4.4 inline, before the entry being built is stamped with its
// previous_hash, so that a freshly rotated file's first entry links to the
// rotated file's tail.
func (w *Writer) rotateIfNeeded(now time.Time) error {
	if w.file == nil {
		return nil
	}
	today := now.Format("2006-01-02")

	decision := w.rot.Decide(rotation.DecideInput{
		DailyRotationEnabled: w.cfg.DailyRotation,
		ActiveFileFirstDate:  w.fileDate,
		Today:                today,
		ActiveFileSize:       w.fileSize,
		MaxFileSizeMB:        w.cfg.MaxFileSizeMB,
	})
	if !decision.ShouldRotate {
		if w.fileDate == "" {
			w.fileDate = today
		}
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return errkind.New(errkind.Io, "writer.rotateIfNeeded", err)
	}
	if err := w.file.Close(); err != nil {
		return errkind.New(errkind.Io, "writer.rotateIfNeeded", err)
	}

	targetName, err := w.rot.Rotate(w.proj, w.fileDate, decision)
	if err != nil {
		return err
	}
	w.logger.Info("writer: rotated active log", slog.String("target", targetName))

	f, err := os.OpenFile(w.proj.ActiveLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errkind.New(errkind.Io, "writer.rotateIfNeeded", err)
	}
	w.file = f
	w.fileSize = 0
	w.fileDate = today
	// w.prevHash is left untouched: it already holds the last entry's
	// checksum from the rotated file, so the new file's first entry links
	// to it (spec section 4.4, step 3 / P5).
	return nil
}

// Flush implements flush(): forces any buffered entries to disk (spec
// section 4.3). It is a no-op if nothing is pending.
func (w *Writer) Flush() error {
	release := w.gate.AppendHold()
	defer release()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// flushLocked must be called with w.mu held. It fsyncs the active file and,
// after a successful fsync, updates the index (a failure there is logged
// and does not stop dispatch) and dispatches post-commit observer events
// for every entry appended since the last flush.
func (w *Writer) flushLocked() error {
	if len(w.sinceLastFsync) == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return errkind.New(errkind.Io, "writer.flushLocked", err)
	}

	pending := w.sinceLastFsync
	w.sinceLastFsync = nil

	if w.index != nil {
		records := make([]entrymodel.IndexRecord, len(pending))
		for i, p := range pending {
			records[i] = entrymodel.IndexRecord{Entry: p.entry, Offset: p.offset}
		}
		fileID := w.proj.ActiveLogPath()
		if err := w.index.IndexEntries(fileID, records); err != nil {
			// Index is a rebuildable cache (design note, "Index as cache,
			// log as truth"): a failure here is logged, not propagated —
			// the log itself is already durable.
			w.logger.Warn("writer: index update failed; index may be stale", slog.Any("error", err))
		}
	}

	if w.obs != nil {
		for _, p := range pending {
			w.obs.PublishEntryCreated(p.entry)
		}
	}

	return nil
}

// Close stops the scheduled-flush ticker, flushes, and releases the active
// file handle.
func (w *Writer) Close() error {
	if w.flushTicker != nil {
		w.flushTicker.Stop()
		close(w.flushDone)
		w.flushWG.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// acquireFileLock takes the cross-process advisory lock on the active log
// file with exponential backoff, bounded by cfg.LockWait (spec section
// 4.3/5: "a writer that cannot acquire the lock within the configured wait
// ... returns a Busy error").
func (w *Writer) acquireFileLock() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = w.cfg.LockWait

	op := func() error {
		ok, err := flockTry(w.file)
		if err != nil {
			return backoff.Permanent(errkind.New(errkind.Io, "writer.acquireFileLock", err))
		}
		if !ok {
			return fmt.Errorf("lock held")
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		var perr *errkind.Error
		if ok := asPermanent(err, &perr); ok {
			return perr
		}
		return errkind.New(errkind.Busy, "writer.acquireFileLock", nil)
	}
	return nil
}

func (w *Writer) releaseFileLock() {
	_ = flockRelease(w.file)
}

func asPermanent(err error, target **errkind.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*errkind.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
