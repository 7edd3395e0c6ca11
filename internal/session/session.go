// Package session provides the ambient user/session binding the writer
// stamps onto entries it creates (spec section 3.4).
//
// The source this spec distills from keeps the current user/session as
// process-wide mutable global state (spec section 9, "Ambient session
// state"). That design note asks for an explicit context value instead,
// with a scoped helper restoring the previous binding. We model that as a
// small context.Context carrier (Bind/FromContext) plus a process-wide
// fallback (Set/Clear/Current) for callers — CLI commands, background
// jobs — that never thread a context.Context through to the writer call
// site. Binding through a context always wins over the process-wide
// fallback when both are present.
package session

import (
	"context"
	"sync"
)

// Context is the (user_id, session_id, ip) tuple spec section 3.4 allows at
// most one of per binding.
type Context struct {
	UserID    string
	SessionID string
	IPAddress string
}

// Empty reports whether c has no user bound (the zero value).
func (c Context) Empty() bool { return c.UserID == "" }

type ctxKey struct{}

// Bind returns a derived context carrying sess, shadowing any process-wide
// binding for code running under it. This is the context-borne half of the
// ambient session design described above.
func Bind(parent context.Context, sess Context) context.Context {
	return context.WithValue(parent, ctxKey{}, sess)
}

// FromContext returns the session bound to ctx, if any, and whether one was
// found.
func FromContext(ctx context.Context) (Context, bool) {
	v, ok := ctx.Value(ctxKey{}).(Context)
	return v, ok
}

// processBinding is the process-wide fallback used by callers that don't
// carry a context.Context to the writer (spec section 3.4: "Process-wide
// state... Set on login/begin; cleared on logout/end").
var processBinding struct {
	mu  sync.RWMutex
	val Context
	set bool
}

// Set binds the process-wide current session. It corresponds to the
// set_session operation in spec section 6.3.
func Set(userID, sessionID, ip string) {
	processBinding.mu.Lock()
	defer processBinding.mu.Unlock()
	processBinding.val = Context{UserID: userID, SessionID: sessionID, IPAddress: ip}
	processBinding.set = true
}

// Clear removes the process-wide current session. It corresponds to
// clear_session in spec section 6.3.
func Clear() {
	processBinding.mu.Lock()
	defer processBinding.mu.Unlock()
	processBinding.val = Context{}
	processBinding.set = false
}

// Current returns the process-wide bound session, if any.
func Current() (Context, bool) {
	processBinding.mu.RLock()
	defer processBinding.mu.RUnlock()
	return processBinding.val, processBinding.set
}

// Resolve returns the effective session for a call: the context-bound
// session if present, otherwise the process-wide one, otherwise the zero
// Context (the writer then records user_id "system").
func Resolve(ctx context.Context) Context {
	if ctx != nil {
		if sess, ok := FromContext(ctx); ok {
			return sess
		}
	}
	if sess, ok := Current(); ok {
		return sess
	}
	return Context{}
}

// WithSession implements the with_session(ctx, fn) scoped helper from spec
// section 4.3: it binds sess as the process-wide current session for the
// duration of fn, then restores whatever was bound before, even if fn
// panics.
func WithSession(sess Context, fn func()) {
	processBinding.mu.Lock()
	prevVal, prevSet := processBinding.val, processBinding.set
	processBinding.val, processBinding.set = sess, true
	processBinding.mu.Unlock()

	defer func() {
		processBinding.mu.Lock()
		processBinding.val, processBinding.set = prevVal, prevSet
		processBinding.mu.Unlock()
	}()

	fn()
}
