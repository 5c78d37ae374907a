// Package perfpt provisions an Intel Processor Trace capture using the
// Linux perf_event_open(2) interface: it opens a PT event for a target
// process, maps the kernel's header page and AUX ring, and exposes the
// head/tail snapshot the packet parser needs (spec.md §6).
//
//go:build linux

package perfpt

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

const ptTypePath = "/sys/bus/event_source/devices/intel_pt/type"

// ioctl request codes for perf event control. _IO('$', 0) and _IO('$', 1);
// there is deliberately no RESET call here (spec.md §9 Open Questions: a
// session never needs to zero the AUX ring out from under a live tail).
const (
	iocEnable  = 0x2400
	iocDisable = 0x2401
)

// Tracer owns one PT capture: the perf event fd, the mmap'd header page,
// and the mmap'd AUX ring.
type Tracer struct {
	fd     int
	header mmap.MMap
	aux    mmap.MMap
}

// mmapPage views the header page as the kernel's perf_event_mmap_page;
// data_head/aux_head and friends live at the fixed offsets that struct
// defines, regardless of kernel version.
func (t *Tracer) mmapPage() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&t.header[0]))
}

// Open opens a PT event for pid on cpu (-1 traces pid across all CPUs) and
// provisions an AUX ring of auxSize bytes, which must be a power of two
// and a multiple of the system page size. The event is created disabled
// but with enable_on_exec set, so the tracee starts tracing itself the
// moment it execs; call Enable only if the target is already running.
func Open(pid, cpu int, auxSize uint64) (*Tracer, error) {
	if auxSize == 0 || auxSize&(auxSize-1) != 0 {
		return nil, fmt.Errorf("perfpt: aux size %d is not a power of two", auxSize)
	}

	typ, err := ptEventType()
	if err != nil {
		return nil, err
	}

	attr := &unix.PerfEventAttr{
		Type:   typ,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: 1 << 11, // RET compression disabled
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitEnableOnExec,
	}

	fd, err := unix.PerfEventOpen(attr, pid, cpu, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("perfpt: perf_event_open: %w", err)
	}

	t := &Tracer{fd: fd}

	pageSize := os.Getpagesize()
	file := os.NewFile(uintptr(fd), "intel_pt")

	header, err := mmap.MapRegion(file, pageSize, mmap.RDWR, 0, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("perfpt: mmap header page: %w", err)
	}
	t.header = header

	// The AUX ring is requested by writing its desired offset and size
	// into the header page, then mmap'ing the fd a second time at exactly
	// that offset — the kernel recognizes this pattern and backs it with
	// the AUX area rather than the regular sample ring.
	auxOffset := uint64(pageSize)
	page := t.mmapPage()
	atomic.StoreUint64(&page.Aux_offset, auxOffset)
	atomic.StoreUint64(&page.Aux_size, auxSize)

	aux, err := mmap.MapRegion(file, int(auxSize), mmap.RDONLY, 0, int64(auxOffset))
	if err != nil {
		header.Unmap()
		unix.Close(fd)
		return nil, fmt.Errorf("perfpt: mmap aux ring: %w", err)
	}
	t.aux = aux

	return t, nil
}

// Enable starts tracing via PERF_EVENT_IOC_ENABLE.
func (t *Tracer) Enable() error {
	if err := unix.IoctlSetInt(t.fd, iocEnable, 0); err != nil {
		return fmt.Errorf("perfpt: PERF_EVENT_IOC_ENABLE: %w", err)
	}
	return nil
}

// Disable stops tracing via PERF_EVENT_IOC_DISABLE. The AUX ring and its
// head/tail remain valid after Disable, so a final Snapshot can still
// drain whatever was captured before the stop.
func (t *Tracer) Disable() error {
	if err := unix.IoctlSetInt(t.fd, iocDisable, 0); err != nil {
		return fmt.Errorf("perfpt: PERF_EVENT_IOC_DISABLE: %w", err)
	}
	return nil
}

// Snapshot atomically reads the kernel's aux_head and returns it together
// with the current aux_tail and the raw AUX ring bytes. head and tail are
// monotonically increasing byte offsets into the logical (unwrapped)
// stream; spec.md's decoder treats the ring as contiguous from offset 0,
// matching how this engine lays out the AUX mapping.
func (t *Tracer) Snapshot() (aux []byte, head, tail uint64) {
	page := t.mmapPage()
	head = atomic.LoadUint64(&page.Aux_head)
	tail = atomic.LoadUint64(&page.Aux_tail)
	return t.aux, head, tail
}

// AdvanceTail publishes a new aux_tail, releasing that portion of the ring
// back to the kernel for reuse. Callers advance the tail to the head value
// they just finished decoding.
func (t *Tracer) AdvanceTail(tail uint64) {
	atomic.StoreUint64(&t.mmapPage().Aux_tail, tail)
}

// Close disables the event (best-effort), unmaps the AUX ring and header
// page, and closes the underlying file descriptor.
func (t *Tracer) Close() error {
	_ = t.Disable()
	var firstErr error
	if t.aux != nil {
		if err := t.aux.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.header != nil {
		if err := t.header.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(t.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ptEventType reads the kernel-assigned dynamic PMU type for Intel PT,
// published under sysfs once the intel_pt driver is loaded.
func ptEventType() (uint32, error) {
	data, err := os.ReadFile(ptTypePath)
	if err != nil {
		return 0, fmt.Errorf("perfpt: read %s: %w (is the intel_pt PMU driver loaded?)", ptTypePath, err)
	}
	v, err := parsePTType(data)
	if err != nil {
		return 0, fmt.Errorf("perfpt: parse PT PMU type from %q: %w", string(data), err)
	}
	return v, nil
}

// parsePTType parses the decimal PMU type id out of sysfs file contents
// (trailing newline and all), split out of ptEventType so it can be
// exercised without a real intel_pt sysfs node.
func parsePTType(data []byte) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
