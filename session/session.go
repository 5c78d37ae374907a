// Package session wires together disassembly, the PT capture, the packet
// parser and the CFG walker into the session lifecycle described in
// spec.md §5: init (disassemble the target image into a COFI map and open
// a PT event), start_trace (arm the event and begin draining the AUX
// ring), and stop_trace (disable the event, drain what remains, and hand
// the caller a copy of the accumulated coverage bitmap).
//
//go:build linux

package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ufwt/ptcov/bitmap"
	"github.com/ufwt/ptcov/cofi"
	"github.com/ufwt/ptcov/config"
	"github.com/ufwt/ptcov/disasm"
	"github.com/ufwt/ptcov/perfpt"
	"github.com/ufwt/ptcov/ptlog"
	"github.com/ufwt/ptcov/ptpacket"
	"github.com/ufwt/ptcov/tnt"
	"github.com/ufwt/ptcov/walker"
)

// defaultPollInterval is how often the background goroutine drains the AUX
// ring while a trace is running. It trades decode latency against CPU
// spent spinning on an idle target.
const defaultPollInterval = 2 * time.Millisecond

// ErrNotStarted is returned by StopTrace if StartTrace was never called, or
// was already stopped.
var ErrNotStarted = errors.New("session: trace not started")

// ptTracer is the subset of *perfpt.Tracer a Session depends on, narrowed
// to an interface so the poll/drain logic can be exercised with a fake
// ring buffer instead of a real PT event.
type ptTracer interface {
	Enable() error
	Disable() error
	Snapshot() (aux []byte, head, tail uint64)
	AdvanceTail(tail uint64)
	Close() error
}

// Session owns one fuzzing target's disassembly, COFI map, PT capture and
// decode pipeline. A Session is not safe for concurrent StartTrace/
// StopTrace calls from multiple goroutines.
type Session struct {
	cfg     *config.Config
	cofiMap *cofi.Map
	bm      *bitmap.Projector
	cache   *tnt.Cache
	walker  *walker.Walker
	decoder *ptpacket.Decoder
	tracer  ptTracer

	pollInterval time.Duration
	syncTrace    sync.WaitGroup
	stopTrace    chan struct{}
}

// Open disassembles cfg.ImagePath into a COFI map, allocates the coverage
// bitmap and TNT cache, and opens a PT event for pid. The session is ready
// for StartTrace once Open returns.
func Open(cfg *config.Config, pid int) (*Session, error) {
	image, err := os.ReadFile(cfg.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("session: read target image: %w", err)
	}

	cofiMap, numInst, err := disasm.BuildMap(image, cfg.BaseAddress)
	if err != nil {
		return nil, fmt.Errorf("session: build COFI map: %w", err)
	}
	ptlog.Logf(ptlog.Info, "session: disassembled %d instructions, %d COFI records",
		numInst, cofiMap.Size())

	bm := bitmap.New(cfg.MapSize)
	cache := tnt.New()
	w := walker.New(cofiMap, bm, cfg.BaseAddress, cfg.MaxAddress)
	dec := ptpacket.NewDecoder(w, bm, cache, cfg.BaseAddress, cfg.MaxAddress, cfg.EntryPoint)

	tracer, err := perfpt.Open(pid, -1, uint64(cfg.AuxSize))
	if err != nil {
		return nil, fmt.Errorf("session: open PT event for pid %d: %w", pid, err)
	}

	return &Session{
		cfg:          cfg,
		cofiMap:      cofiMap,
		bm:           bm,
		cache:        cache,
		walker:       w,
		decoder:      dec,
		tracer:       tracer,
		pollInterval: defaultPollInterval,
	}, nil
}

// StartTrace resets the coverage bitmap, enables the PT event, and starts
// a background goroutine that periodically drains the AUX ring into the
// decoder. It is non-blocking: coverage accumulates until StopTrace.
func (s *Session) StartTrace() error {
	s.bm.Reset()
	if err := s.tracer.Enable(); err != nil {
		return fmt.Errorf("session: start trace: %w", err)
	}

	s.stopTrace = make(chan struct{})
	s.syncTrace.Add(1)
	go s.pollLoop()
	return nil
}

// StopTrace signals the background goroutine to stop, disables the PT
// event, performs a final drain to catch anything flushed by the disable,
// and returns a copy of the accumulated coverage bitmap (spec.md §5:
// ownership transfer by copy).
func (s *Session) StopTrace() ([]byte, error) {
	if s.stopTrace == nil {
		return nil, ErrNotStarted
	}
	close(s.stopTrace)
	s.syncTrace.Wait()
	s.stopTrace = nil

	if err := s.tracer.Disable(); err != nil {
		return nil, fmt.Errorf("session: stop trace: %w", err)
	}
	s.poll()

	out := make([]byte, s.bm.Size())
	s.bm.CopyOut(out)
	return out, nil
}

// NumDecodedBranch returns the number of COFI transitions decoded across
// the session's lifetime so far.
func (s *Session) NumDecodedBranch() uint64 {
	return s.decoder.NumDecodedBranch()
}

// Close releases the PT event and its mmaps. The session must not be used
// afterward.
func (s *Session) Close() error {
	return s.tracer.Close()
}

func (s *Session) pollLoop() {
	defer s.syncTrace.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTrace:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll drains whatever the kernel has published since the last call:
// snapshot head/tail, hand the window to the decoder, then release only
// what the decoder actually consumed back to the kernel. Decode reads
// [tail, head-1) (spec.md §4.4: the last byte of the window is always
// withheld to avoid a partial packet), so the tail only ever advances to
// head-1, not head — otherwise the withheld byte would be handed back to
// the kernel as if decoded and permanently skipped once the next poll's
// window starts past it. Decode errors are session-level (spec.md §7):
// logged, never fatal to the running trace.
func (s *Session) poll() {
	aux, head, tail := s.tracer.Snapshot()
	if tail >= head {
		return
	}
	// Decode expects its buffer to begin at aux_tail; a tail past the end
	// of the mapping leaves an empty window.
	var window []byte
	if tail < uint64(len(aux)) {
		window = aux[tail:]
	}
	if err := s.decoder.Decode(window, tail, head); err != nil {
		ptlog.Logf(ptlog.Warn, "session: decode error: %v", err)
	}
	s.tracer.AdvanceTail(head - 1)
}
