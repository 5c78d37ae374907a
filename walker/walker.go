// Package walker implements the CFG walker (spec.md §4.5): it maintains a
// virtual program counter and advances it through the COFI map, consuming
// one TNT bit per conditional branch, until it must wait for more TNT bits,
// wait for the next TIP, or terminates the current fragment.
//
// As suggested by spec.md's Design Notes (§9), the walker is kept as a pure
// function of (ip, *tnt.Cache, *cofi.Map): all state it needs to resume
// across packets (the live cursor) lives on the Walker value itself, and
// the packet parser's only job is deciding when to call Arm versus Resume.
package walker

import (
	"github.com/ufwt/ptcov/bitmap"
	"github.com/ufwt/ptcov/cofi"
	"github.com/ufwt/ptcov/ptlog"
	"github.com/ufwt/ptcov/tnt"
)

// ResumeReason explains why Arm/Resume returned control to the caller.
type ResumeReason int

const (
	// AwaitingTNT means the walker is blocked on a conditional branch with
	// an empty TNT cache; it holds a live cursor and should be resumed via
	// Resume once more TNT bits have been pushed.
	AwaitingTNT ResumeReason = iota
	// AwaitingTIP means the walker reached an indirect branch, return, or
	// far transfer; it is disarmed and waits for the next TIP to Arm it.
	AwaitingTIP
	// Terminated means the walker reached a dead end for this fragment
	// (no_cofi, missing COFI record, or an out-of-range target) and is
	// disarmed. This is a walk-local condition, not a session error.
	Terminated
)

func (r ResumeReason) String() string {
	switch r {
	case AwaitingTNT:
		return "awaiting_tnt"
	case AwaitingTIP:
		return "awaiting_tip"
	default:
		return "terminated"
	}
}

// Walker drives a virtual program counter across a single session's COFI
// map and bitmap projector.
type Walker struct {
	m    *cofi.Map
	bm   *bitmap.Projector
	base uint64
	max  uint64

	cur        *cofi.Record
	numDecoded uint64
}

// New returns a disarmed Walker bound to m and bm, restricted to addresses
// in [base, max).
func New(m *cofi.Map, bm *bitmap.Projector, base, max uint64) *Walker {
	return &Walker{m: m, bm: bm, base: base, max: max}
}

// Armed reports whether the walker currently holds a live cursor.
func (w *Walker) Armed() bool {
	return w.cur != nil
}

// Disarm drops the live cursor without recording a transition. This is
// what TIP.PGD does (spec.md §4.4): tracing has stopped, so any fragment
// the walker was mid-way through is abandoned rather than terminated.
func (w *Walker) Disarm() {
	w.cur = nil
}

// NumDecodedBranch returns the number of COFI records the walker has
// visited across the session so far.
func (w *Walker) NumDecodedBranch() uint64 {
	return w.numDecoded
}

// Arm starts (or restarts) a walk at ip: the entry point for arming rule
// (a) in spec.md §4.4 — a TIP/TIP.PGE/TIP.FUP-consumed TIP that yields a
// resolved IP while start_decode is true. The precondition that ip is
// in-range and present in the COFI map is checked here rather than assumed;
// a violation is a walk-local error; it disarms the walker and returns
// Terminated without aborting the caller's decode. Like enter, an in-range
// ip is stamped before the lookup, so it is recorded even without a COFI
// record; an out-of-range ip is not stamped.
func (w *Walker) Arm(ip uint64, cache *tnt.Cache) ResumeReason {
	if !w.inRange(ip) {
		ptlog.Logf(ptlog.Warn, "walker: arm address %#x out of range", ip)
		w.cur = nil
		return Terminated
	}
	w.bm.Stamp(ip)
	rec, ok := w.m.Lookup(ip)
	if !ok {
		ptlog.Logf(ptlog.Warn, "walker: no COFI record for arm address %#x", ip)
		w.cur = nil
		return Terminated
	}
	w.cur = &rec
	return w.run(cache)
}

// Resume continues a walk that is awaiting TNT bits, using the cursor held
// from a prior Arm: the entry point for arming rule (b) — at the end of a
// TNT/LTNT push while the walker still holds a live current IP. If the
// walker isn't armed, Resume is a no-op that reports Terminated.
func (w *Walker) Resume(cache *tnt.Cache) ResumeReason {
	if w.cur == nil {
		return Terminated
	}
	return w.run(cache)
}

func (w *Walker) inRange(ip uint64) bool {
	return ip >= w.base && ip < w.max
}

func (w *Walker) run(cache *tnt.Cache) ResumeReason {
	for {
		rec := w.cur
		if rec == nil {
			return Terminated
		}

		switch rec.Kind {
		case cofi.ConditionalBranch:
			outcome := cache.Pop()
			if outcome == tnt.Empty {
				return AwaitingTNT
			}
			w.numDecoded++

			if outcome == tnt.Taken {
				if !w.enter(rec.Target, rec.Addr) {
					return Terminated
				}
				continue
			}
			if !w.enter(rec.Next, rec.Addr) {
				return Terminated
			}

		case cofi.UnconditionalDirect:
			w.numDecoded++
			if !w.enter(rec.Target, rec.Addr) {
				return Terminated
			}

		case cofi.IndirectBranch, cofi.NearRet, cofi.FarTransfer:
			w.numDecoded++
			w.cur = nil
			return AwaitingTIP

		default: // cofi.NoCOFI
			w.numDecoded++
			w.cur = nil
			return Terminated
		}
	}
}

// enter moves the cursor to addr, stamping it into the bitmap. It returns
// false (leaving the walker disarmed) if addr is out of range or has no
// COFI record — a walk-local error that terminates only this fragment.
func (w *Walker) enter(addr, from uint64) bool {
	if !w.inRange(addr) {
		ptlog.Logf(ptlog.Warn, "walker: target %#x out of range (from %#x)", addr, from)
		w.cur = nil
		return false
	}
	w.bm.Stamp(addr)
	next, ok := w.m.Lookup(addr)
	if !ok {
		ptlog.Logf(ptlog.Warn, "walker: no COFI record for target %#x (from %#x)", addr, from)
		w.cur = nil
		return false
	}
	w.cur = &next
	return true
}
