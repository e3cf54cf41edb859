package addrspace

import (
	"testing"

	"github.com/trustos/trustos/internal/machdesc"
	"github.com/trustos/trustos/internal/paging"
	"github.com/trustos/trustos/internal/physmem"
)

type flatMemory struct {
	base uint64
	buf  []byte
}

func newFlatMemory(base, size uint64) *flatMemory {
	return &flatMemory{base: base, buf: make([]byte, size)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	return copy(p, m.buf[start:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	return copy(m.buf[start:], p), nil
}

func testSetup(t *testing.T) (*paging.Paging, *physmem.Allocator, *RefCounts, uint64) {
	t.Helper()
	md := &machdesc.MachineDescription{RAM: []machdesc.MemRegion{{Base: 0, Length: 64 * 1024 * 1024}}}
	frames, err := physmem.New(md)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	mem := newFlatMemory(0, 64*1024*1024)
	p := paging.New(mem, frames, 1<<40)
	kernelRoot, err := p.BuildKernelMapping(0, 16*1024*1024)
	if err != nil {
		t.Fatalf("BuildKernelMapping: %v", err)
	}
	return p, frames, NewRefCounts(), kernelRoot
}

// TestForkCOWWrite reproduces spec.md §8 scenario 2: parent writes, forks,
// child writes to the same VA, parent's original value survives.
func TestForkCOWWrite(t *testing.T) {
	p, frames, refs, kernelRoot := testSetup(t)

	parent, err := New(p, frames, refs, kernelRoot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parentFrame, err := frames.AllocFrames(1, 1)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	const va = 0x41_2000
	if err := parent.MapUser(va, parentFrame, true); err != nil {
		t.Fatalf("MapUser: %v", err)
	}
	writeByte(t, p, parentFrame, 0x41)

	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if err := child.HandleWriteFault(va); err != nil {
		t.Fatalf("child HandleWriteFault: %v", err)
	}
	childPhys := child.mappings[va].phys
	writeByte(t, p, childPhys, 0x42)

	if got := readByte(t, p, parentFrame); got != 0x41 {
		t.Fatalf("parent byte = %#x, want 0x41", got)
	}
	if got := readByte(t, p, childPhys); got != 0x42 {
		t.Fatalf("child byte = %#x, want 0x42", got)
	}
	if childPhys == parentFrame {
		t.Fatal("child write should have privatized a new frame, not mutated the parent's")
	}
}

func TestHandleWriteFaultSoleOwnerClearsCOWInPlace(t *testing.T) {
	p, frames, refs, kernelRoot := testSetup(t)
	a, err := New(p, frames, refs, kernelRoot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame, err := frames.AllocFrames(1, 1)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	const va = 0x20_0000
	if err := a.MapUser(va, frame, true); err != nil {
		t.Fatalf("MapUser: %v", err)
	}
	// Force the mapping into COW state without a real sibling, simulating
	// a fork whose other half already dropped (refcount back to 1).
	a.mu.Lock()
	m := a.mappings[va]
	m.flags = (m.flags &^ paging.FlagWritable) | paging.FlagCOW
	a.mappings[va] = m
	a.mu.Unlock()

	if err := a.HandleWriteFault(va); err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	if a.mappings[va].phys != frame {
		t.Fatal("sole-owner COW fault should not allocate a new frame")
	}
}

func writeByte(t *testing.T, p *paging.Paging, phys uint64, v byte) {
	t.Helper()
	if _, err := p.Mem().WriteAt([]byte{v}, int64(phys)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func readByte(t *testing.T, p *paging.Paging, phys uint64) byte {
	t.Helper()
	buf := make([]byte, 1)
	if _, err := p.Mem().ReadAt(buf, int64(phys)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf[0]
}
