// Package disasm is the disassembler adapter (spec.md §4.1): given a raw
// byte image and a virtual address range, it walks the image with a
// standard x86-64 decoder and emits COFI records in strictly increasing
// address order, skipping everything that isn't a branch-affecting
// instruction.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ufwt/ptcov/cofi"
)

// Build decodes code (representing the byte range [base, base+len(code)))
// and returns the COFI records it contains, in strictly increasing address
// order, along with the total number of instructions examined.
//
// Build never fails on an individual undecodable byte sequence: like a
// typical linear disassembler operating on data that may contain non-code
// bytes, it resyncs by stepping forward one byte and continuing. This
// matches the adapter's external-function contract in spec.md §4.1, which
// only promises ordering, not that every byte is valid code.
func Build(code []byte, base uint64) ([]cofi.Record, int, error) {
	if len(code) == 0 {
		return nil, 0, fmt.Errorf("disasm: empty image")
	}

	var records []cofi.Record
	numInst := 0

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			off++
			continue
		}

		addr := base + uint64(off)
		if kind, target, ok := classify(inst, addr); ok {
			records = append(records, cofi.Record{
				Addr:   addr,
				Kind:   kind,
				Target: target,
			})
		}

		numInst++
		off += inst.Len
	}

	return records, numInst, nil
}

// classify maps a decoded instruction to a COFI kind. ok is false for
// instructions that do not affect control flow (spec.md: "non-branch
// instructions are elided from the map").
func classify(inst x86asm.Inst, addr uint64) (kind cofi.Kind, target uint64, ok bool) {
	switch inst.Op {
	case x86asm.JMP, x86asm.CALL:
		if rel, isRel := relTarget(inst, addr); isRel {
			return cofi.UnconditionalDirect, rel, true
		}
		return cofi.IndirectBranch, 0, true

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		if rel, isRel := relTarget(inst, addr); isRel {
			return cofi.ConditionalBranch, rel, true
		}
		// Conditional branches are always relative in x86-64; this branch
		// is unreachable in practice but kept safe rather than panicking.
		return cofi.NoCOFI, 0, false

	case x86asm.RET:
		return cofi.NearRet, 0, true

	case x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET:
		return cofi.FarTransfer, 0, true

	default:
		return cofi.NoCOFI, 0, false
	}
}

// BuildMap is a convenience wrapper combining Build and cofi.Link: it
// decodes code and returns a ready-to-use, immutable COFI map plus the
// total instruction count, matching the Session Controller's init-time
// build_cofi_map step (spec.md §4.7).
func BuildMap(code []byte, base uint64) (*cofi.Map, int, error) {
	records, numInst, err := Build(code, base)
	if err != nil {
		return nil, 0, err
	}
	return cofi.NewMap(cofi.Link(records)), numInst, nil
}

// relTarget computes the statically known branch target for an instruction
// whose first argument is a relative displacement, as produced by x86asm
// for direct jumps/calls/conditional branches.
func relTarget(inst x86asm.Inst, addr uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return addr + uint64(inst.Len) + uint64(int64(rel)), true
}
