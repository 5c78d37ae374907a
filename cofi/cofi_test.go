package cofi_test

import (
	"testing"

	"github.com/ufwt/ptcov/cofi"
)

func TestLinkThreadsFallthrough(t *testing.T) {
	ordered := []cofi.Record{
		{Addr: 0x1000, Kind: cofi.ConditionalBranch, Target: 0x1100},
		{Addr: 0x1008, Kind: cofi.UnconditionalDirect, Target: 0x2000},
		{Addr: 0x1100, Kind: cofi.NearRet},
	}

	m := cofi.NewMap(cofi.Link(ordered))

	r, ok := m.Lookup(0x1000)
	if !ok {
		t.Fatalf("lookup 0x1000: not found")
	}
	if r.Next != 0x1008 {
		t.Errorf("Next = %#x, want 0x1008", r.Next)
	}

	if m.Size() != 3 {
		t.Errorf("Size() = %d, want 3", m.Size())
	}

	if _, ok := m.Lookup(0xdead); ok {
		t.Errorf("lookup of absent address unexpectedly found")
	}
}

func TestLinkLeavesNonConditionalNextZero(t *testing.T) {
	ordered := []cofi.Record{
		{Addr: 0x1000, Kind: cofi.UnconditionalDirect, Target: 0x2000},
		{Addr: 0x1008, Kind: cofi.NoCOFI},
	}
	m := cofi.NewMap(cofi.Link(ordered))
	r, _ := m.Lookup(0x1000)
	if r.Next != 0 {
		t.Errorf("Next = %#x, want 0 for unconditional branch", r.Next)
	}
}

func TestKindString(t *testing.T) {
	if got := cofi.ConditionalBranch.String(); got != "conditional_branch" {
		t.Errorf("String() = %q", got)
	}
}
