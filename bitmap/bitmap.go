// Package bitmap implements the coverage projector: it folds every address
// the CFG walker enters into a fixed-size, AFL-style edge-hash bitmap
// (spec.md §4.6).
package bitmap

// Projector owns one session's coverage bitmap and the previous-location
// register used to compute edge hashes.
type Projector struct {
	bits    []byte
	prevLoc uint64
}

// New allocates a zeroed Projector of the given size, which must be a power
// of two.
func New(size int) *Projector {
	return &Projector{bits: make([]byte, size)}
}

// Reset zeroes the bitmap and clears prev_loc, as happens at session start.
// A PSB uses ResetEdge instead, which keeps the accumulated coverage.
func (p *Projector) Reset() {
	for i := range p.bits {
		p.bits[i] = 0
	}
	p.prevLoc = 0
}

// ResetEdge clears only prev_loc, without touching accumulated coverage.
// This is what a mid-stream PSB does (spec.md §4.6, §8 scenario S4): the
// edge-hash history resets, but coverage gathered so far is retained.
func (p *Projector) ResetEdge() {
	p.prevLoc = 0
}

// Stamp folds address a into the bitmap using the standard AFL recipe:
// h = (a>>1) XOR prev_loc, saturate-increment bitmap[h mod len], then set
// prev_loc = a>>1.
func (p *Projector) Stamp(a uint64) {
	cur := a >> 1
	h := (cur ^ p.prevLoc) % uint64(len(p.bits))
	if p.bits[h] != 0xff {
		p.bits[h]++
	}
	p.prevLoc = cur
}

// Size returns the bitmap's fixed size in bytes.
func (p *Projector) Size() int {
	return len(p.bits)
}

// CopyOut copies the bitmap's contents into dst, which must be exactly
// Size() bytes long, and returns the number of bytes copied. This is the
// ownership-transfer-by-copy step at the end of stop_trace (spec.md §5).
func (p *Projector) CopyOut(dst []byte) int {
	return copy(dst, p.bits)
}
