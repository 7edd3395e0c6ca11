// Package lockorder documents the three locks spec section 5 names, in
// their required acquisition order, and defines two of them (RotationGate
// and IndexGate) as tiny shared types so that writer, rotation, index, and
// backup all coordinate through the same values instead of each inventing
// its own. The writer lock is Writer.mu in package writer.
//
// Acquisition order is strictly Rotation → Writer → Index whenever more
// than one is needed in the same call path (spec section 5):
//
//  1. Rotation — exclusive; held only by rotation/backup/restore when they
//     need the file set to stand still. The writer itself takes a shared
//     (read) hold of this gate for the duration of a single append
//     (including any self-triggered rollover), so that a backup snapshot
//     or restore can never observe a file mid-rename.
//  2. Writer — per-project mutex serializing Append/Flush calls.
//  3. Index — held during index update or query hydration.
package lockorder

import "sync"

// RotationGate is lock #1. Normal appends take RLock (they coexist with
// each other — the per-project Writer mutex already serializes those —
// but must exclude a concurrent exclusive holder). Rotation, backup, and
// restore take Lock for their exclusive window.
type RotationGate struct {
	mu sync.RWMutex
}

func (g *RotationGate) AppendHold() func() {
	g.mu.RLock()
	return g.mu.RUnlock
}

func (g *RotationGate) ExclusiveHold() func() {
	g.mu.Lock()
	return g.mu.Unlock
}

// IndexGate is lock #3.
type IndexGate struct {
	mu sync.Mutex
}

func (g *IndexGate) Hold() func() {
	g.mu.Lock()
	return g.mu.Unlock
}
