package paging

import (
	"testing"

	"github.com/trustos/trustos/internal/machdesc"
	"github.com/trustos/trustos/internal/physmem"
)

// flatMemory backs an address space in a single byte slice indexed from
// base, the same shape as the teacher's in-memory guest-RAM fakes.
type flatMemory struct {
	base uint64
	buf  []byte
}

func newFlatMemory(base uint64, size uint64) *flatMemory {
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

func testPaging(t *testing.T) (*Paging, *physmem.Allocator) {
	t.Helper()
	md := &machdesc.MachineDescription{RAM: []machdesc.MemRegion{{Base: 0, Length: 64 * 1024 * 1024}}}
	frames, err := physmem.New(md)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	mem := newFlatMemory(0, 64*1024*1024)
	return New(mem, frames, 1<<40), frames
}

func TestBuildKernelMappingAndTranslate(t *testing.T) {
	p, _ := testPaging(t)
	root, err := p.BuildKernelMapping(0, 16*1024*1024)
	if err != nil {
		t.Fatalf("BuildKernelMapping: %v", err)
	}

	phys, flags, err := p.Translate(Table{PhysAddr: root}, 0x10_0000)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys != 0x10_0000 {
		t.Fatalf("Translate = %#x, want identity 0x100000", phys)
	}
	if flags&FlagWritable == 0 {
		t.Fatalf("identity mapping should be writable, flags=%#x", flags)
	}
}

func TestMapMMIOIsNonCachedAndDistinctFromRAM(t *testing.T) {
	p, _ := testPaging(t)
	root, err := p.BuildKernelMapping(0, 16*1024*1024)
	if err != nil {
		t.Fatalf("BuildKernelMapping: %v", err)
	}

	virt, err := p.MapMMIO(0x0900_0000, 0x1000)
	if err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	phys, flags, err := p.Translate(Table{PhysAddr: root}, virt)
	if err != nil {
		t.Fatalf("Translate MMIO: %v", err)
	}
	if phys != 0x0900_0000 {
		t.Fatalf("MMIO phys = %#x, want 0x9000000", phys)
	}
	if flags&FlagPCD == 0 {
		t.Fatalf("MMIO mapping should be non-cached, flags=%#x", flags)
	}

	virt2, err := p.MapMMIO(0x0901_0000, 0x1000)
	if err != nil {
		t.Fatalf("MapMMIO second: %v", err)
	}
	if virt2 == virt {
		t.Fatal("two MapMMIO calls returned the same virtual address")
	}
}

func TestHandleFaultDispatchesToHook(t *testing.T) {
	p, _ := testPaging(t)
	var gotAddr uint64
	var gotKind AccessKind
	p.SetFaultHandler(func(addr uint64, kind AccessKind) bool {
		gotAddr, gotKind = addr, kind
		return true
	})
	if !p.HandleFault(0x41_2000, AccessWrite) {
		t.Fatal("HandleFault: want true (resolved)")
	}
	if gotAddr != 0x41_2000 || gotKind != AccessWrite {
		t.Fatalf("hook called with (%#x, %v)", gotAddr, gotKind)
	}
}
