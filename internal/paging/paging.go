// Package paging owns the 4-level page tables (§4.C): PML4 -> PDPT -> PD -> PT,
// with 4 KiB, 2 MiB and 1 GiB leaf sizes. Table storage is backed by frames
// drawn from internal/physmem; entries are packed the way the teacher packs
// instruction encodings in internal/asm/amd64/encode.go — a small set of bit
// flags over a uint64, not a hand-modeled struct per level.
package paging

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trustos/trustos/internal/physmem"
)

// Entry flag bits, x86-64 PTE/PDE/PDPTE/PML4E layout.
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2
	FlagPWT      uint64 = 1 << 3
	FlagPCD      uint64 = 1 << 4
	FlagAccessed uint64 = 1 << 5
	FlagDirty    uint64 = 1 << 6
	FlagHuge     uint64 = 1 << 7  // PS bit at PDPT/PD level
	FlagGlobal   uint64 = 1 << 8
	FlagCOW      uint64 = 1 << 9  // software-defined, ignored by hardware
	FlagNX       uint64 = 1 << 63

	frameAddrMask   = 0x000f_ffff_ffff_f000
	entriesPerTable = 512
)

// AccessKind classifies the faulting access for the page-fault hook.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// Memory is the byte-addressable backing store table entries and mapped
// pages live in — a physical address space, written via frames the
// allocator hands out. Mirrors the ReadAt/WriteAt shape of the teacher's
// guest-memory abstraction in internal/hv.
type Memory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Table is one level of the page-table hierarchy: 512 packed uint64 entries
// stored at a known physical address in Memory.
type Table struct {
	PhysAddr uint64
}

func (t Table) entryAddr(index int) int64 {
	return int64(t.PhysAddr) + int64(index)*8
}

func readEntry(mem Memory, t Table, index int) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], t.entryAddr(index)); err != nil {
		return 0, err
	}
	return le64(buf[:]), nil
}

func writeEntry(mem Memory, t Table, index int, v uint64) error {
	var buf [8]byte
	putLE64(buf[:], v)
	_, err := mem.WriteAt(buf[:], t.entryAddr(index))
	return err
}

// PageFaultHandler dispatches a fault to CoW (§4.D) or turns it into a
// segmentation violation. Returns true if the fault was resolved and the
// faulting instruction may be retried.
type PageFaultHandler func(faultAddr uint64, kind AccessKind) bool

// Paging owns one kernel-half mapping shared by every AddressSpace, plus the
// MMIO arena allocator used by map_mmio.
type Paging struct {
	mu     sync.Mutex
	mem    Memory
	frames *physmem.Allocator

	kernelRoot atomic.Uint64 // published once, read lock-free thereafter

	mmioNext uint64 // next free virtual address in the MMIO arena
	mmioBase uint64

	faultHandler PageFaultHandler
}

// New creates the paging subsystem. mmioBase is the start of the kernel's
// MMIO arena — conventionally just above the HHDM window.
func New(mem Memory, frames *physmem.Allocator, mmioBase uint64) *Paging {
	return &Paging{mem: mem, frames: frames, mmioBase: mmioBase, mmioNext: mmioBase}
}

// Mem returns the backing byte-addressable physical memory, for callers
// (tests, the CoW fault path's caller) that need to read or write a frame's
// contents directly rather than walk table structure.
func (p *Paging) Mem() Memory { return p.mem }

// SetFaultHandler installs the page-fault dispatch hook.
func (p *Paging) SetFaultHandler(h PageFaultHandler) { p.faultHandler = h }

// HandleFault is invoked by the trap path on a page fault.
func (p *Paging) HandleFault(faultAddr uint64, kind AccessKind) bool {
	if p.faultHandler == nil {
		return false
	}
	return p.faultHandler(faultAddr, kind)
}

// newTable allocates and zeroes one page-table-sized frame.
func (p *Paging) newTable() (Table, error) {
	phys, err := p.frames.AllocFrames(1, 1)
	if err != nil {
		return Table{}, fmt.Errorf("paging: allocate table: %w", err)
	}
	zero := make([]byte, physmem.FrameSize)
	if _, err := p.mem.WriteAt(zero, int64(phys)); err != nil {
		return Table{}, fmt.Errorf("paging: zero new table: %w", err)
	}
	return Table{PhysAddr: phys}, nil
}

// BuildKernelMapping constructs the canonical upper-half mapping once and
// publishes the resulting PML4 physical address atomically; every
// AddressSpace root aliases these entries (§3 invariant i).
func (p *Paging) BuildKernelMapping(identityBase, identityLength uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pml4, err := p.newTable()
	if err != nil {
		return 0, err
	}
	// Identity-map RAM using 1 GiB huge pages where alignment allows, 2 MiB
	// otherwise, matching the HHDM contract ("HHDM mapping covers RAM only").
	for addr := alignDown(identityBase, gib); addr < identityBase+identityLength; addr += gib {
		if err := p.mapHuge(pml4, addr, addr, gib, FlagPresent|FlagWritable|FlagGlobal); err != nil {
			return 0, err
		}
	}
	p.kernelRoot.Store(pml4.PhysAddr)
	return pml4.PhysAddr, nil
}

// CloneKernelHalf allocates a fresh PML4 for a new AddressSpace and copies
// every upper-half (kernel) entry from kernelRoot, so the new root aliases
// the same kernel mappings per §3 invariant (i) while starting with zero
// user-half entries.
func (p *Paging) CloneKernelHalf(kernelRoot uint64) (Table, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pml4, err := p.newTable()
	if err != nil {
		return Table{}, err
	}
	src := Table{PhysAddr: kernelRoot}
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		entry, err := readEntry(p.mem, src, i)
		if err != nil {
			return Table{}, fmt.Errorf("paging: CloneKernelHalf: read source entry %d: %w", i, err)
		}
		if entry == 0 {
			continue
		}
		if err := writeEntry(p.mem, pml4, i, entry); err != nil {
			return Table{}, fmt.Errorf("paging: CloneKernelHalf: write entry %d: %w", i, err)
		}
	}
	return pml4, nil
}

// MapUserPage installs a single 4 KiB leaf in the lower (user) half of root,
// allocating intermediate tables as needed. Used by AddressSpace for both
// fresh mappings and COW re-mappings (Present/Writable/COW bits included in
// flags by the caller).
func (p *Paging) MapUserPage(root Table, virt, phys uint64, flags uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapPage(root, virt, phys, flags)
}

// CopyPage copies one frame's worth of bytes from src to dst, used by the
// CoW write-fault path when a shared frame must be privatized.
func (p *Paging) CopyPage(dst, src uint64) error {
	buf := make([]byte, physmem.FrameSize)
	if _, err := p.mem.ReadAt(buf, int64(src)); err != nil {
		return fmt.Errorf("paging: CopyPage: read: %w", err)
	}
	if _, err := p.mem.WriteAt(buf, int64(dst)); err != nil {
		return fmt.Errorf("paging: CopyPage: write: %w", err)
	}
	return nil
}

// MapMMIO allocates a strictly-aligned hole in the kernel's MMIO arena and
// installs a write-through, non-cached mapping for [phys, phys+length),
// returning the virtual address devices should be accessed through.
func (p *Paging) MapMMIO(phys, length uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	length = alignUp(length, physmem.FrameSize)
	virt := alignUp(p.mmioNext, physmem.FrameSize)
	p.mmioNext = virt + length

	root := Table{PhysAddr: p.kernelRoot.Load()}
	if root.PhysAddr == 0 {
		return 0, fmt.Errorf("paging: MapMMIO called before BuildKernelMapping")
	}
	flags := FlagPresent | FlagWritable | FlagPWT | FlagPCD | FlagNX
	for off := uint64(0); off < length; off += physmem.FrameSize {
		if err := p.mapPage(root, virt+off, phys+off, flags); err != nil {
			return 0, fmt.Errorf("paging: MapMMIO: %w", err)
		}
	}
	return virt, nil
}

// Translate walks the 4-level hierarchy rooted at root and returns the
// physical address virt maps to, plus the entry's flags.
func (p *Paging) Translate(root Table, virt uint64) (uint64, uint64, error) {
	idx := pageTableIndices(virt)

	table := root
	for level := 0; level < 3; level++ {
		entry, err := readEntry(p.mem, table, idx[level])
		if err != nil {
			return 0, 0, err
		}
		if entry&FlagPresent == 0 {
			return 0, 0, fmt.Errorf("paging: Translate: not present at level %d, index %d", level, idx[level])
		}
		if entry&FlagHuge != 0 {
			hugeSize := hugePageSize(level)
			base := entry & frameAddrMask
			offset := virt % hugeSize
			return base + offset, entry &^ frameAddrMask, nil
		}
		table = Table{PhysAddr: entry & frameAddrMask}
	}
	entry, err := readEntry(p.mem, table, idx[3])
	if err != nil {
		return 0, 0, err
	}
	if entry&FlagPresent == 0 {
		return 0, 0, fmt.Errorf("paging: Translate: not present at PT, index %d", idx[3])
	}
	return (entry & frameAddrMask) + virt%physmem.FrameSize, entry &^ frameAddrMask, nil
}

// mapPage installs a single 4 KiB leaf, allocating intermediate tables as
// needed.
func (p *Paging) mapPage(root Table, virt, phys uint64, flags uint64) error {
	idx := pageTableIndices(virt)
	table := root
	for level := 0; level < 3; level++ {
		entry, err := readEntry(p.mem, table, idx[level])
		if err != nil {
			return err
		}
		if entry&FlagPresent == 0 {
			child, err := p.newTable()
			if err != nil {
				return err
			}
			entry = child.PhysAddr | FlagPresent | FlagWritable | FlagUser
			if err := writeEntry(p.mem, table, idx[level], entry); err != nil {
				return err
			}
		}
		table = Table{PhysAddr: entry & frameAddrMask}
	}
	return writeEntry(p.mem, table, idx[3], (phys&frameAddrMask)|flags)
}

// mapHuge installs a leaf at the PDPT (1 GiB) or PD (2 MiB) level.
func (p *Paging) mapHuge(root Table, virt, phys, size uint64, flags uint64) error {
	idx := pageTableIndices(virt)
	table := root
	level := 0
	targetLevel := 1 // PDPT level for 1 GiB
	if size == mib2 {
		targetLevel = 2
	}
	for ; level < targetLevel; level++ {
		entry, err := readEntry(p.mem, table, idx[level])
		if err != nil {
			return err
		}
		if entry&FlagPresent == 0 {
			child, err := p.newTable()
			if err != nil {
				return err
			}
			entry = child.PhysAddr | FlagPresent | FlagWritable | FlagUser
			if err := writeEntry(p.mem, table, idx[level], entry); err != nil {
				return err
			}
		}
		table = Table{PhysAddr: entry & frameAddrMask}
	}
	return writeEntry(p.mem, table, idx[targetLevel], (phys&frameAddrMask)|flags|FlagHuge)
}

const (
	gib  = 1 << 30
	mib2 = 1 << 21
)

func hugePageSize(level int) uint64 {
	if level == 0 {
		return gib
	}
	return mib2
}

// pageTableIndices splits a canonical virtual address into its four
// 9-bit table indices [PML4, PDPT, PD, PT].
func pageTableIndices(virt uint64) [4]int {
	return [4]int{
		int((virt >> 39) & 0x1ff),
		int((virt >> 30) & 0x1ff),
		int((virt >> 21) & 0x1ff),
		int((virt >> 12) & 0x1ff),
	}
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
