package disasm_test

import (
	"testing"

	"github.com/ufwt/ptcov/cofi"
	"github.com/ufwt/ptcov/disasm"
)

func TestBuildClassifiesCOFIKinds(t *testing.T) {
	const base = 0x1000
	code := []byte{
		0x90,                         // 0: NOP                          -> elided
		0x74, 0x05,                   // 1: JE +5                        -> conditional, target 8
		0xeb, 0x00,                   // 3: JMP +0                       -> unconditional, target 5
		0xc3,                         // 5: RET                          -> near_ret
		0x0f, 0x05,                   // 6: SYSCALL                      -> far_transfer
		0xff, 0xd0,                   // 8: CALL RAX                     -> indirect
		0xe8, 0x00, 0x00, 0x00, 0x00, // 10: CALL +0                     -> unconditional, target 15
	}

	records, numInst, err := disasm.Build(code, base)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if numInst != 7 {
		t.Fatalf("numInst = %d, want 7 (including the elided NOP)", numInst)
	}

	want := []cofi.Record{
		{Addr: base + 1, Kind: cofi.ConditionalBranch, Target: base + 8},
		{Addr: base + 3, Kind: cofi.UnconditionalDirect, Target: base + 5},
		{Addr: base + 5, Kind: cofi.NearRet},
		{Addr: base + 6, Kind: cofi.FarTransfer},
		{Addr: base + 8, Kind: cofi.IndirectBranch},
		{Addr: base + 10, Kind: cofi.UnconditionalDirect, Target: base + 15},
	}

	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d: %+v", len(records), len(want), records)
	}
	for i, w := range want {
		got := records[i]
		if got.Addr != w.Addr || got.Kind != w.Kind || got.Target != w.Target {
			t.Errorf("record %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestBuildRecordsAreStrictlyOrdered(t *testing.T) {
	code := []byte{
		0x74, 0x00, // JE +0
		0xc3, // RET
	}
	records, _, err := disasm.Build(code, 0x2000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].Addr <= records[i-1].Addr {
			t.Fatalf("records not strictly increasing: %+v", records)
		}
	}
}

func TestBuildMapLinksFallthrough(t *testing.T) {
	code := []byte{
		0x74, 0x00, // 0: JE +0 -> target 2 (itself the fallthrough's addr)
		0xc3, // 2: RET
	}
	m, _, err := disasm.BuildMap(code, 0)
	if err != nil {
		t.Fatalf("BuildMap: %v", err)
	}
	r, ok := m.Lookup(0)
	if !ok {
		t.Fatalf("lookup 0: not found")
	}
	if r.Next != 2 {
		t.Errorf("Next = %#x, want 2", r.Next)
	}
}

func TestBuildEmptyImage(t *testing.T) {
	if _, _, err := disasm.Build(nil, 0); err == nil {
		t.Fatalf("Build: expected error for empty image")
	}
}
