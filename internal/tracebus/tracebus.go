// Package tracebus implements the in-kernel trace bus (§4.M): a
// fixed-capacity ring buffer of TraceEvent, totally ordered by a monotonic
// counter. The counter-as-timestamp idiom and the registered-kind table are
// adapted from internal/timeslice.RegisterKind/Record: that package assigns
// small integer IDs to named event kinds and stamps each record with a
// duration; tracebus keeps the integer-ID registration idea but replaces
// on-disk duration records with in-memory ring-buffered events multiple
// readers can drain independently.
package tracebus

import "sync"

// Category classifies a TraceEvent the way §3 enumerates it.
type Category int

const (
	CategoryFileSystem Category = iota
	CategoryHypervisor
	CategorySyscall
	CategoryProcess
	CategoryNet
	CategoryInput
)

func (c Category) String() string {
	switch c {
	case CategoryFileSystem:
		return "filesystem"
	case CategoryHypervisor:
		return "hypervisor"
	case CategorySyscall:
		return "syscall"
	case CategoryProcess:
		return "process"
	case CategoryNet:
		return "net"
	case CategoryInput:
		return "input"
	default:
		return "unknown"
	}
}

// TraceEvent is one ring-buffer slot (§3).
type TraceEvent struct {
	Counter          uint64
	MonotonicTimeUs  uint64
	Category         Category
	Payload          string
	Numeric          int64
}

// Bus is a fixed-capacity, single global ring buffer. Producers never block:
// emit always succeeds, overwriting the oldest entry on overflow. Readers
// each track their own read index, so draining is not coupled between
// consumers.
type Bus struct {
	mu       sync.Mutex
	entries  []TraceEvent
	next     uint64 // next counter value to assign
	writePos uint64 // total events ever written, mod len(entries) is the slot
	clock    func() uint64
}

// New creates a ring buffer with the given fixed capacity. clock supplies
// the monotonic microsecond timestamp source (the calibrated local timer,
// §4.E); tests may substitute a deterministic one.
func New(capacity int, clock func() uint64) *Bus {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Bus{entries: make([]TraceEvent, capacity), clock: clock}
}

// Emit records one event, never blocking.
func (b *Bus) Emit(category Category, payload string, numeric int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ts uint64
	if b.clock != nil {
		ts = b.clock()
	}
	ev := TraceEvent{
		Counter:         b.next,
		MonotonicTimeUs: ts,
		Category:        category,
		Payload:         payload,
		Numeric:         numeric,
	}
	b.entries[b.writePos%uint64(len(b.entries))] = ev
	b.writePos++
	b.next++
}

// EmitSyscall stamps the Syscall category with the standard
// (number, args, return value) payload shape.
func (b *Bus) EmitSyscall(number int64, args [3]int64, ret int64) {
	b.Emit(CategorySyscall, encodeSyscallPayload(number, args), ret)
}

// EmitHypervisor stamps the Hypervisor category.
func (b *Bus) EmitHypervisor(vmID int64, reasonTag string, guestIP uint64) {
	b.Emit(CategoryHypervisor, reasonTag, int64(guestIP)^(vmID<<32))
}

func encodeSyscallPayload(number int64, args [3]int64) string {
	return itoa(number) + " " + itoa(args[0]) + " " + itoa(args[1]) + " " + itoa(args[2])
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ReadSince returns up to max events with Counter >= readIndex, plus the
// read index a subsequent call should use to continue from where this one
// left off. If readIndex has fallen behind the oldest retained event (an
// overflow happened since), reading resumes at the oldest available event.
func (b *Bus) ReadSince(readIndex uint64, max int) ([]TraceEvent, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldest := uint64(0)
	if b.next > uint64(len(b.entries)) {
		oldest = b.next - uint64(len(b.entries))
	}
	if readIndex < oldest {
		readIndex = oldest
	}
	if readIndex >= b.next {
		return nil, readIndex
	}

	count := b.next - readIndex
	if int64(count) > int64(max) {
		count = uint64(max)
	}
	out := make([]TraceEvent, 0, count)
	for i := uint64(0); i < count; i++ {
		idx := (readIndex + i) % uint64(len(b.entries))
		out = append(out, b.entries[idx])
	}
	return out, readIndex + count
}
