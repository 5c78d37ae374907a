// Package cofi holds the static change-of-flow-instruction index built once
// at engine init time: an address-keyed map from an instruction address to
// the record describing how control leaves it.
package cofi

import "fmt"

// Kind classifies how a COFI instruction can transfer control.
type Kind int

// The COFI kinds named by the engine's control-flow model. There is no
// separate "call" kind: a direct call is a Kind conceptually identical to an
// unconditional direct branch (the walker always proceeds to the callee),
// and an indirect call is identical to an indirect branch (the walker must
// wait for the next TIP). See SPEC_FULL.md's Open Question resolution.
const (
	NoCOFI Kind = iota
	ConditionalBranch
	UnconditionalDirect
	IndirectBranch
	NearRet
	FarTransfer
)

func (k Kind) String() string {
	switch k {
	case NoCOFI:
		return "no_cofi"
	case ConditionalBranch:
		return "conditional_branch"
	case UnconditionalDirect:
		return "unconditional_direct"
	case IndirectBranch:
		return "indirect_branch"
	case NearRet:
		return "near_ret"
	case FarTransfer:
		return "far_transfer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Record describes one branch-relevant instruction.
//
// Invariant: conditional branches have both Target and Next defined.
// Unconditional direct branches have Target defined; Next may be zero.
// Indirect branches, returns, and far transfers leave both undefined (the
// walker never reads them for those kinds).
type Record struct {
	Addr   uint64 // instruction address
	Kind   Kind
	Target uint64 // static branch target, valid for direct branches only
	Next   uint64 // fallthrough_next instruction address, 0 if none
}

// Map is the immutable, built-once index from instruction address to COFI
// record. Construct with NewMap, or with disasm.BuildMap from a raw image.
type Map struct {
	records map[uint64]Record
}

// NewMap wraps a pre-built record set (keyed by Addr) into a Map. Used by
// BuildMap (package disasm) and directly by tests.
func NewMap(records map[uint64]Record) *Map {
	return &Map{records: records}
}

// Lookup returns the record for ip and whether it was present. Lookup is
// idempotent and has no side effects, performing a single O(1) map access.
func (m *Map) Lookup(ip uint64) (Record, bool) {
	r, ok := m.records[ip]
	return r, ok
}

// Size returns the number of COFI records in the map.
func (m *Map) Size() int {
	return len(m.records)
}

// Link threads the fallthrough_next chain through a set of records produced
// in strictly increasing address order, as required by the disassembler
// adapter's contract (spec.md §4.1). It walks the slice in reverse, linking
// each record to the most recently seen successor, and returns the final
// address-keyed map.
func Link(ordered []Record) map[uint64]Record {
	out := make(map[uint64]Record, len(ordered))
	var next uint64
	for i := len(ordered) - 1; i >= 0; i-- {
		r := ordered[i]
		if r.Kind == ConditionalBranch {
			r.Next = next
		}
		out[r.Addr] = r
		next = r.Addr
	}
	return out
}
