// Package chain implements the hash-chain append algorithm and verifier
// described in spec section 4.2. It knows how to compute the next entry's
// checksum/previous_hash pair and how to walk a decoded entry stream
// checking both, but it owns no file I/O — writer and rotation call into it
// with already-decoded entries.
package chain

import (
	"github.com/qmsforge/auditcore/internal/entrymodel"
)

// Link computes the checksum and previous_hash an entry should carry when
// appended immediately after prev (prev == nil for the first entry of the
// first file in the set). It returns the fully stamped copy of e.
func Link(e entrymodel.Entry, prev *entrymodel.Entry) entrymodel.Entry {
	prevHash := ""
	if prev != nil {
		prevHash = prev.Checksum
	}
	e.PreviousHash = prevHash
	e.Checksum = entrymodel.ComputeChecksum(e, prevHash)
	return e
}

// BreakReason enumerates why a chain link failed verification.
type BreakReason string

const (
	ReasonChecksumMismatch  BreakReason = "checksum_mismatch"
	ReasonPrevHashMismatch  BreakReason = "previous_hash_mismatch"
	ReasonUnexpectedGenesis BreakReason = "unexpected_previous_hash_absent"
)

// Break describes a single point where the chain does not close, per spec
// section 4.2's ChainBreak shape.
type Break struct {
	EntryID string
	LineNo  int
	Reason  BreakReason
}

// Result is the outcome of verifying one or more files' worth of entries,
// spec section 4.2's ChainVerificationResult.
type Result struct {
	Verified bool
	Breaks   []Break
}

// VerifyEntries walks entries in append order, recomputing each checksum
// and checking the previous_hash linkage. expectGenesisFirst controls
// whether entries[0] (if any) is required to have an empty PreviousHash:
// true for the first file of a set, false when entries[0] is expected to
// chain from some externally supplied priorChecksum instead.
//
// An empty entries slice is always verified (spec section 4.2, "Empty
// file: verified").
func VerifyEntries(entries []entrymodel.Entry, expectGenesisFirst bool, priorChecksum string) Result {
	res := Result{Verified: true}
	prevHash := ""
	if !expectGenesisFirst {
		prevHash = priorChecksum
	}

	for i, e := range entries {
		computed := entrymodel.ComputeChecksum(e, e.PreviousHash)
		if computed != e.Checksum {
			res.Verified = false
			res.Breaks = append(res.Breaks, Break{EntryID: e.ID, LineNo: i + 1, Reason: ReasonChecksumMismatch})
			// Even on checksum mismatch we still check the link below using
			// the entry's claimed PreviousHash, matching spec's "fail if
			// mismatch" for each independent check.
		}

		if i == 0 {
			if expectGenesisFirst {
				if e.PreviousHash != "" {
					res.Verified = false
					res.Breaks = append(res.Breaks, Break{EntryID: e.ID, LineNo: i + 1, Reason: ReasonUnexpectedGenesis})
				}
			} else if e.PreviousHash != prevHash {
				res.Verified = false
				res.Breaks = append(res.Breaks, Break{EntryID: e.ID, LineNo: i + 1, Reason: ReasonPrevHashMismatch})
			}
		} else if e.PreviousHash != prevHash {
			res.Verified = false
			res.Breaks = append(res.Breaks, Break{EntryID: e.ID, LineNo: i + 1, Reason: ReasonPrevHashMismatch})
		}

		prevHash = computed
	}

	return res
}
