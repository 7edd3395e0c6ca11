package session_test

import (
	"context"
	"testing"

	"github.com/qmsforge/auditcore/internal/session"
)

func TestSetClearCurrent(t *testing.T) {
	t.Cleanup(session.Clear)

	if _, ok := session.Current(); ok {
		t.Fatalf("expected no process-wide session bound initially")
	}

	session.Set("alice", "sess-1", "10.0.0.1")
	got, ok := session.Current()
	if !ok {
		t.Fatalf("expected a bound session after Set")
	}
	if got.UserID != "alice" || got.SessionID != "sess-1" || got.IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	session.Clear()
	if _, ok := session.Current(); ok {
		t.Fatalf("expected no session bound after Clear")
	}
}

func TestResolve_ContextWinsOverProcessWide(t *testing.T) {
	t.Cleanup(session.Clear)
	session.Set("alice", "sess-1", "10.0.0.1")

	ctx := session.Bind(context.Background(), session.Context{UserID: "bob", SessionID: "sess-2"})
	got := session.Resolve(ctx)
	if got.UserID != "bob" {
		t.Fatalf("expected context-bound session to win, got %+v", got)
	}

	got = session.Resolve(context.Background())
	if got.UserID != "alice" {
		t.Fatalf("expected process-wide fallback, got %+v", got)
	}
}

func TestResolve_ZeroValueWhenNoneBound(t *testing.T) {
	t.Cleanup(session.Clear)
	got := session.Resolve(context.Background())
	if !got.Empty() {
		t.Fatalf("expected empty session, got %+v", got)
	}
}

func TestWithSession_RestoresPreviousEvenOnPanic(t *testing.T) {
	t.Cleanup(session.Clear)
	session.Set("alice", "sess-1", "")

	func() {
		defer func() { _ = recover() }()
		session.WithSession(session.Context{UserID: "temp"}, func() {
			got, _ := session.Current()
			if got.UserID != "temp" {
				t.Fatalf("expected temp session bound inside WithSession, got %+v", got)
			}
			panic("boom")
		})
	}()

	got, ok := session.Current()
	if !ok || got.UserID != "alice" {
		t.Fatalf("expected prior session restored after panic, got %+v ok=%v", got, ok)
	}
}
