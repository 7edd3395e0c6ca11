package integritywatch

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/qmsforge/auditcore/internal/chain"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/observer"
)

// fakeNotifier lets tests drive Watcher's loop without a real platform
// backend: watch/close are no-ops and events are sent manually onto ch.
type fakeNotifier struct {
	ch     chan struct{}
	closed bool
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{ch: make(chan struct{}, 4)} }

func (f *fakeNotifier) watch(string) error      { return nil }
func (f *fakeNotifier) events() <-chan struct{} { return f.ch }
func (f *fakeNotifier) close() error            { f.closed = true; return nil }

func withFakeFactory(t *testing.T, n *fakeNotifier) {
	t.Helper()
	prev := platformNotifierFactory
	platformNotifierFactory = func() (notifier, error) { return n, nil }
	t.Cleanup(func() { platformNotifierFactory = prev })
}

func newProject(t *testing.T) layout.Project {
	t.Helper()
	proj, err := layout.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	return proj
}

func seedValidLog(t *testing.T, proj layout.Project) {
	t.Helper()
	e := chain.Link(entrymodel.Entry{ID: "1", Timestamp: time.Now(), UserID: "alice", Action: entrymodel.ActionCreate, EntityType: "Document", EntityID: "DOC-1"}, nil)
	raw, err := entrymodel.Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(proj.ActiveLogPath(), raw, 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}
}

func TestOpen_ReturnsNilWhenNoPlatformSupport(t *testing.T) {
	prev := platformNotifierFactory
	platformNotifierFactory = nil
	t.Cleanup(func() { platformNotifierFactory = prev })

	proj := newProject(t)
	w, err := Open(proj, observer.New(nil), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w != nil {
		t.Fatalf("expected a nil Watcher when no platform notifier is registered")
	}
}

func TestWatcher_PublishesOnExternalMutationBreakingChain(t *testing.T) {
	n := newFakeNotifier()
	withFakeFactory(t, n)

	proj := newProject(t)
	seedValidLog(t, proj)

	bus := observer.New(nil)
	published := make(chan observer.Event, 4)
	bus.Register("collector", 50, nil, func(e observer.Event) { published <- e })

	w, err := Open(proj, bus, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w == nil {
		t.Fatalf("expected a non-nil Watcher")
	}
	t.Cleanup(func() { _ = w.Close() })

	if err := os.WriteFile(proj.ActiveLogPath(), []byte("tampered outside the writer\n"), 0o644); err != nil {
		t.Fatalf("corrupt active log: %v", err)
	}
	n.ch <- struct{}{}

	kinds := map[observer.Kind]bool{}
	for len(kinds) < 2 {
		select {
		case e := <-published:
			kinds[e.Kind] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published events, got %v so far", kinds)
		}
	}
	if !kinds[observer.KindSecurityAlert] {
		t.Fatalf("expected a SecurityAlert event, got %v", kinds)
	}
	if !kinds[observer.KindDataIntegrityIssue] {
		t.Fatalf("expected a DataIntegrityIssue event for a broken chain, got %v", kinds)
	}
}

func TestWatcher_SuppressIgnoresEventsWithinWindow(t *testing.T) {
	n := newFakeNotifier()
	withFakeFactory(t, n)

	proj := newProject(t)
	seedValidLog(t, proj)

	bus := observer.New(nil)
	published := make(chan observer.Event, 4)
	bus.Register("collector", 50, nil, func(e observer.Event) { published <- e })

	w, err := Open(proj, bus, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	w.Suppress(200 * time.Millisecond)
	n.ch <- struct{}{}

	select {
	case e := <-published:
		t.Fatalf("expected the suppressed window to swallow the event, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_CheckNowPublishesSecurityAlertAndIntegrityIssue(t *testing.T) {
	proj := newProject(t)
	if err := os.WriteFile(proj.ActiveLogPath(), []byte("not a valid chain\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	bus := observer.New(nil)
	published := make(chan observer.Event, 4)
	bus.Register("collector", 50, nil, func(e observer.Event) { published <- e })

	w := &Watcher{proj: proj, bus: bus, logger: slog.Default()}
	w.checkNow()

	kinds := map[observer.Kind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-published:
			kinds[e.Kind] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published events, got %v so far", kinds)
		}
	}
	if !kinds[observer.KindSecurityAlert] {
		t.Fatalf("expected a SecurityAlert event, got %v", kinds)
	}
	if !kinds[observer.KindDataIntegrityIssue] {
		t.Fatalf("expected a DataIntegrityIssue event for a broken chain, got %v", kinds)
	}
}
