// Package ptpacket implements the PT packet parser (spec.md §4.4): it scans
// the raw aux byte stream, recognizes packets by prefix/length rules,
// maintains the last-IP compression register, enqueues TNT bits, and
// invokes the CFG walker at the well-defined arming points.
package ptpacket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ufwt/ptcov/bitmap"
	"github.com/ufwt/ptcov/ptlog"
	"github.com/ufwt/ptcov/tnt"
	"github.com/ufwt/ptcov/walker"
)

// Session-level errors (spec.md §7): logged, and end the current decode
// without aborting the caller.
var (
	ErrInvalidAuxRange = errors.New("ptpacket: aux_tail >= aux_head")
	ErrUnknownPacket   = errors.New("ptpacket: unrecognized packet byte")
)

// Packet recognition constants (spec.md §4.4). Byte values for TS, OVF,
// MNT, TMA and VMCS are not load-bearing for control-flow reconstruction —
// spec.md's non-goals drop their payloads entirely — so this engine only
// needs them to be mutually distinct and to consume their documented
// length; the values below are internally consistent rather than lifted
// from the Intel SDM.
const (
	padByte0 = 0x00

	tscByte0 = 0x19
	tscLen   = 8

	mtcByte0 = 0x59
	mtcLen   = 2

	genericByte0 = 0x02

	cbrByte1 = 0x03
	cbrLen   = 4

	modeByte0 = 0x99
	modeLen   = 2

	tipMask     = 0x1f
	tipByte0    = 0x0d
	tipPGEByte0 = 0x11
	tipPGDByte0 = 0x01
	tipFUPByte0 = 0x1d

	pipByte1 = 0x43
	pipLen   = 8 // full documented length; spec.md §9 flags the original's "-6" as a bug

	psbByte1 = 0x82
	psbLen   = 16

	psbEndByte1 = 0x23
	psbEndLen   = 2

	ltntByte1 = 0xa3
	ltntLen   = 8

	tsByte1 = 0x85
	tsLen   = 2

	ovfByte1 = 0xf3
	ovfLen   = 2

	mntByte1 = 0xc8
	mntByte2 = 0x88
	mntLen   = 11

	tmaByte1 = 0x73
	tmaLen   = 7

	vmcsByte1 = 0x07
	vmcsLen   = 7
)

// psbPattern is the 16-byte PSB synchronization pattern: eight repetitions
// of 0x02 0x82.
var psbPattern = bytes.Repeat([]byte{0x02, 0x82}, 8)

// Decoder drives the packet parser for a single decode session.
type Decoder struct {
	cache *tnt.Cache
	walk  *walker.Walker
	bm    *bitmap.Projector

	base       uint64
	max        uint64
	entryPoint uint64

	lastIP      uint64
	fupIP       uint64
	fupPending  bool
	startDecode bool
	isr         bool
}

// NewDecoder returns a Decoder that drives w (CFG walker) and bm (bitmap
// projector) using cache as the shared TNT cache, scoped to [base, max)
// with coverage beginning at entryPoint.
func NewDecoder(w *walker.Walker, bm *bitmap.Projector, cache *tnt.Cache, base, max, entryPoint uint64) *Decoder {
	return &Decoder{walk: w, bm: bm, cache: cache, base: base, max: max, entryPoint: entryPoint}
}

// NumDecodedBranch returns the number of COFI transitions performed across
// this decoder's lifetime (spec.md's num_decoded_branch).
func (d *Decoder) NumDecodedBranch() uint64 {
	return d.walk.NumDecodedBranch()
}

// StartDecode reports whether the tracee has reached entryPoint yet.
func (d *Decoder) StartDecode() bool {
	return d.startDecode
}

// Decode consumes packets from aux[0:auxHead-auxTail-1] — the logical
// window [aux_tail, aux_head) with its last byte withheld, per spec.md §4.4
// ("the last byte of the ring is never consumed to avoid a partial
// packet"). aux_tail >= aux_head is a session error (spec.md §7): it is
// logged and Decode returns immediately, leaving whatever bitmap state was
// already accumulated untouched.
func (d *Decoder) Decode(aux []byte, auxTail, auxHead uint64) error {
	if auxTail >= auxHead {
		ptlog.Logf(ptlog.Warn, "ptpacket: invalid aux range: tail=%d head=%d", auxTail, auxHead)
		return ErrInvalidAuxRange
	}

	winLen := auxHead - auxTail - 1
	if winLen > uint64(len(aux)) {
		// Defensive clamp: never run past the buffer actually supplied,
		// even if the caller's head/tail snapshot claims more.
		winLen = uint64(len(aux))
	}
	buf := aux[:winLen]

	for len(buf) > 0 {
		n, err := d.step(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func left(buf []byte, n int) bool {
	return len(buf) >= n
}

// step recognizes and consumes exactly one packet at the front of buf,
// dispatching in the priority order of spec.md §4.4 (first match wins). It
// returns the number of bytes consumed, or an error if the leading byte
// can't be recognized as any packet type (or a recognized packet's declared
// length runs past the end of buf) — an unrecoverable session error that
// ends this Decode call without touching the rest of the stream.
func (d *Decoder) step(buf []byte) (int, error) {
	b0 := buf[0]

	switch {
	case b0 == padByte0:
		return 1, nil
	case b0 == tscByte0 && left(buf, tscLen):
		return tscLen, nil
	case b0 == mtcByte0 && left(buf, mtcLen):
		return mtcLen, nil
	case b0&1 == 0 && b0 != genericByte0:
		d.handleShortTNT(b0)
		return 1, nil
	case b0 == genericByte0 && left(buf, cbrLen) && buf[1] == cbrByte1:
		return cbrLen, nil
	case b0 == modeByte0 && left(buf, modeLen):
		return modeLen, nil
	}

	switch b0 & tipMask {
	case tipByte0:
		return d.handleTIP(buf)
	case tipPGEByte0:
		return d.handleTIPPGE(buf)
	case tipPGDByte0:
		return d.handleTIPPGD(buf)
	case tipFUPByte0:
		return d.handleTIPFUP(buf)
	}

	if b0 == genericByte0 && left(buf, 2) {
		switch {
		case buf[1] == pipByte1 && left(buf, pipLen):
			return pipLen, nil
		case buf[1] == psbByte1 && left(buf, psbLen) && bytes.Equal(buf[:psbLen], psbPattern):
			d.handlePSB()
			return psbLen, nil
		case buf[1] == psbEndByte1:
			return psbEndLen, nil
		case buf[1] == ltntByte1 && left(buf, ltntLen):
			d.handleLongTNT(buf)
			return ltntLen, nil
		case buf[1] == tsByte1:
			return tsLen, nil
		case buf[1] == ovfByte1 && left(buf, ovfLen):
			return ovfLen, nil
		case buf[1] == mntByte1 && left(buf, mntLen) && left(buf, 3) && buf[2] == mntByte2:
			return mntLen, nil
		case buf[1] == tmaByte1 && left(buf, tmaLen):
			return tmaLen, nil
		case buf[1] == vmcsByte1 && left(buf, vmcsLen):
			return vmcsLen, nil
		}
	}

	ptlog.Logf(ptlog.Warn, "ptpacket: unrecognized packet: % x", headBytes(buf))
	return 0, ErrUnknownPacket
}

func headBytes(buf []byte) []byte {
	n := len(buf)
	if n > 8 {
		n = 8
	}
	return buf[:n]
}

// --- short / long TNT -------------------------------------------------

// handleShortTNT decodes a single TNT-short byte. Bit 0 is fixed at 0 (the
// discriminator that distinguishes this packet from every other type in
// step's dispatch); the remaining 7 bits carry up to 6 TNT bits using the
// same stop-bit rule as handleLongTNT: the highest set bit is the stop
// marker, and the bits below it are pushed MSB-first.
func (d *Decoder) handleShortTNT(b0 byte) {
	v := b0 >> 1
	stopBit := bits.Len8(v) - 1
	count := stopBit
	mask := byte(1<<uint(stopBit)) - 1
	value := v & mask
	d.cache.PushBits(uint64(value), count)
	d.afterTNTPush()
}

// handleLongTNT decodes an 8-byte LTNT packet: the 6 payload bytes (48
// bits, little-endian) are treated the same way as a short-TNT byte,
// extracting up to 47 TNT bits via the stop-bit rule.
func (d *Decoder) handleLongTNT(buf []byte) {
	payload := buf[2:8]
	var v uint64
	for i, b := range payload {
		v |= uint64(b) << uint(8*i)
	}
	stopBit := bits.Len64(v) - 1
	if stopBit < 0 {
		stopBit = 0
	}
	count := stopBit
	mask := (uint64(1) << uint(stopBit)) - 1
	value := v & mask
	d.cache.PushBits(value, count)
	d.afterTNTPush()
}

// afterTNTPush implements arming rule (b) from spec.md §4.4: at the end of
// a TNT/LTNT push, resume the walker if it still holds a live cursor from a
// prior arming.
func (d *Decoder) afterTNTPush() {
	if d.walk.Armed() {
		d.walk.Resume(d.cache)
	}
}

// --- TIP family ---------------------------------------------------------

func (d *Decoder) handleTIP(buf []byte) (int, error) {
	n, ip, resolved, ok := d.decodeIPPacket(buf)
	if !ok {
		return 0, ErrUnknownPacket
	}
	if resolved && d.startDecode {
		d.walk.Arm(ip, d.cache)
	}
	return n, nil
}

func (d *Decoder) handleTIPPGE(buf []byte) (int, error) {
	n, ip, resolved, ok := d.decodeIPPacket(buf)
	if !ok {
		return 0, ErrUnknownPacket
	}
	if resolved {
		if ip == d.entryPoint {
			d.startDecode = true
		}
		if d.startDecode {
			d.walk.Arm(ip, d.cache)
		}
	}
	return n, nil
}

func (d *Decoder) handleTIPPGD(buf []byte) (int, error) {
	n, _, _, ok := d.decodeIPPacket(buf)
	if !ok {
		return 0, ErrUnknownPacket
	}
	d.startDecode = false
	d.walk.Disarm()
	return n, nil
}

func (d *Decoder) handleTIPFUP(buf []byte) (int, error) {
	n, ip, resolved, ok := d.decodeIPPacket(buf)
	if !ok {
		return 0, ErrUnknownPacket
	}
	if resolved {
		d.fupIP = ip
		d.fupPending = true
		d.isr = true
	}
	return n, nil
}

// decodeIPPacket decodes the IP payload of a TIP-family packet at the front
// of buf. It returns the total number of bytes the packet occupies
// (header byte plus payload), the decoded IP (valid only when resolved is
// true), and ok=false if the packet can't be parsed at all (a reserved
// IPBytes encoding, or not enough bytes left for its declared length).
func (d *Decoder) decodeIPPacket(buf []byte) (n int, ip uint64, resolved bool, ok bool) {
	ipBytesField := int(buf[0] >> 5)
	payloadLen, supported, valid := ipPayloadLen(ipBytesField)
	if !valid {
		return 0, 0, false, false
	}

	total := 1 + payloadLen
	if !left(buf, total) {
		// LEFT(n) failed at the tail: spec.md §4.4 "any short read at the
		// tail aborts the packet".
		d.lastIP = 0
		return 0, 0, false, false
	}

	if !supported {
		// "Out of context": last_ip is retained unchanged and this packet
		// produces no IP, but its documented length is still consumed so
		// the parser doesn't desynchronize against the rest of the stream.
		return total, 0, false, true
	}

	ip = decodeIPPayload(buf[1:total], payloadLen, &d.lastIP)
	return total, ip, true, true
}

// ipPayloadLen maps the 3-bit IPBytes field to its payload length in bytes.
// supported reports whether this engine implements that compression
// scheme; valid reports whether the field value is even a real IPBytes
// encoding (spec.md §9 Design Notes: the reference only implements 16/32/
// 48-bit replacement; "use last_ip" and the full 64-bit form are left for
// implementers to isolate behind this single function, and are treated
// here as out-of-context rather than unimplemented).
func ipPayloadLen(field int) (payloadLen int, supported, valid bool) {
	switch field {
	case 0:
		return 0, false, true
	case 1:
		return 2, true, true
	case 2:
		return 4, true, true
	case 3:
		return 6, true, true
	case 4:
		return 6, false, true
	case 6:
		return 8, false, true
	default:
		return 0, false, false
	}
}

// decodeIPPayload replaces the low payloadLen bytes of *lastIP with
// payload (little-endian), then sign-extends the result from bit 47 to
// form a canonical 64-bit address — unconditionally, regardless of which
// chunk width was just replaced, matching the reference decoder.
func decodeIPPayload(payload []byte, payloadLen int, lastIP *uint64) uint64 {
	v := *lastIP
	switch payloadLen {
	case 2:
		v = (v &^ uint64(0xffff)) | uint64(binary.LittleEndian.Uint16(payload))
	case 4:
		v = (v &^ uint64(0xffffffff)) | uint64(binary.LittleEndian.Uint32(payload))
	case 6:
		var w uint64
		for i := 0; i < 6; i++ {
			w |= uint64(payload[i]) << uint(8*i)
		}
		v = (v &^ uint64(0xffffffffffff)) | w
	default:
		panic(fmt.Sprintf("ptpacket: unsupported IP payload length %d", payloadLen))
	}

	v = uint64(int64(v<<16) >> 16)
	*lastIP = v
	return v
}

// handlePSB resets the last-IP compression register and the bitmap's
// edge-hash history (spec.md invariant 3: "after PSB, last_ip == 0 and
// prev_loc == 0"). It does not disarm the walker, reset start_decode, or
// drop any pending TNT bits (spec.md boundary case: "a PSB embedded
// mid-stream ... does not drop pending TNT bits").
func (d *Decoder) handlePSB() {
	d.lastIP = 0
	d.bm.ResetEdge()
}
