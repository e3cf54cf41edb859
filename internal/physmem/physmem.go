// Package physmem implements the frame allocator (§4.B): a bitmap of 4 KiB
// frames covering every RAM region in a machdesc.MachineDescription, guarded
// by one lock, with fail-fast allocation and no swap backing.
package physmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/trustos/trustos/internal/machdesc"
)

const FrameSize = 4096

// ErrOutOfMemory is returned when no run of free frames satisfying a request
// exists; callers never block waiting for memory to free up.
var ErrOutOfMemory = errors.New("physmem: out of memory")

// Allocator is a bitmap frame allocator over one or more disjoint RAM
// regions, addressed by absolute frame number across all of them.
type Allocator struct {
	mu sync.Mutex

	regions []machdesc.MemRegion // sorted, non-overlapping
	bitmap  []uint64             // one bit per frame, 1 == used
	total   uint64                // frame count
	used    uint64
}

// New builds an allocator over every RAM region in md, reserving frames that
// fall inside any entry of md.Reserved so the caller never hands out a
// firmware or initrd carveout.
func New(md *machdesc.MachineDescription) (*Allocator, error) {
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("physmem: %w", err)
	}
	a := &Allocator{regions: append([]machdesc.MemRegion(nil), md.RAM...)}
	for _, r := range a.regions {
		a.total += r.Length / FrameSize
	}
	a.bitmap = make([]uint64, (a.total+63)/64)

	for _, res := range md.Reserved {
		a.reserveRange(res.Base, res.Length)
	}
	return a, nil
}

// frameIndex maps a physical address to its absolute frame number, or -1 if
// the address is not covered by any RAM region.
func (a *Allocator) frameIndex(phys uint64) int64 {
	var base uint64
	for _, r := range a.regions {
		if phys >= r.Base && phys < r.End() {
			return int64(base + (phys-r.Base)/FrameSize)
		}
		base += r.Length / FrameSize
	}
	return -1
}

// frameAddr is the inverse of frameIndex.
func (a *Allocator) frameAddr(idx uint64) uint64 {
	var base uint64
	for _, r := range a.regions {
		count := r.Length / FrameSize
		if idx < base+count {
			return r.Base + (idx-base)*FrameSize
		}
		base += count
	}
	return 0
}

func (a *Allocator) reserveRange(base, length uint64) {
	start := a.frameIndex(alignDown(base, FrameSize))
	if start < 0 {
		return
	}
	count := (length + FrameSize - 1) / FrameSize
	for i := uint64(0); i < count; i++ {
		idx := uint64(start) + i
		if idx >= a.total {
			break
		}
		if !a.testBit(idx) {
			a.setBit(idx)
			a.used++
		}
	}
}

func (a *Allocator) testBit(idx uint64) bool {
	return a.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (a *Allocator) setBit(idx uint64) {
	a.bitmap[idx/64] |= 1 << (idx % 64)
}

func (a *Allocator) clearBit(idx uint64) {
	a.bitmap[idx/64] &^= 1 << (idx % 64)
}

// AllocFrames finds `count` contiguous free frames aligned to `alignment`
// frames (1 means unaligned) and marks them used. Fails fast: no retry, no
// reclaiming of clean pages, no swap.
func (a *Allocator) AllocFrames(count uint64, alignment uint64) (uint64, error) {
	if count == 0 {
		return 0, fmt.Errorf("physmem: AllocFrames(0, _) is invalid")
	}
	if alignment == 0 {
		alignment = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for start := uint64(0); start+count <= a.total; start++ {
		if start%alignment != 0 {
			continue
		}
		if !a.rangeFree(start, count) {
			continue
		}
		for i := uint64(0); i < count; i++ {
			a.setBit(start + i)
		}
		a.used += count
		return a.frameAddr(start), nil
	}
	return 0, ErrOutOfMemory
}

func (a *Allocator) rangeFree(start, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if a.testBit(start + i) {
			return false
		}
	}
	return true
}

// FreeFrames releases `count` frames starting at the physical address
// previously returned by AllocFrames.
func (a *Allocator) FreeFrames(physBase uint64, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.frameIndex(physBase)
	if start < 0 {
		return fmt.Errorf("physmem: FreeFrames: %#x is not in any RAM region", physBase)
	}
	for i := uint64(0); i < count; i++ {
		idx := uint64(start) + i
		if idx >= a.total {
			return fmt.Errorf("physmem: FreeFrames: range runs past RAM end")
		}
		if !a.testBit(idx) {
			return fmt.Errorf("physmem: FreeFrames: frame %#x already free (double free)", a.frameAddr(idx))
		}
		a.clearBit(idx)
	}
	a.used -= count
	return nil
}

func (a *Allocator) Total() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Allocator) Free() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used
}

func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
