package physmem

import "fmt"

// Heap is a minimal dlmalloc-style free-list allocator seeded once from a
// contiguous slice of frames handed to it by the frame allocator at boot
// (§4.B: "Heap allocator is a separate... allocator seeded from a contiguous
// slice of frames during early boot"). It never grows: once exhausted, the
// caller must request another slice from the frame allocator.
type Heap struct {
	base uint64
	size uint64
	free []heapBlock // sorted by offset, coalesced
}

type heapBlock struct {
	offset uint64
	size   uint64
}

const heapAlignment = 16
const heapBlockHeader = 8 // bytes of bookkeeping prefixed to each live allocation

// NewHeap seeds a heap over [base, base+size).
func NewHeap(base, size uint64) *Heap {
	return &Heap{base: base, size: size, free: []heapBlock{{offset: 0, size: size}}}
}

// Alloc reserves n bytes, returning the physical address of the usable
// region (bookkeeping lives before it, invisible to the caller).
func (h *Heap) Alloc(n uint64) (uint64, error) {
	need := alignUp(n+heapBlockHeader, heapAlignment)
	for i, b := range h.free {
		if b.size < need {
			continue
		}
		addr := h.base + b.offset + heapBlockHeader
		remaining := b.size - need
		if remaining == 0 {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = heapBlock{offset: b.offset + need, size: remaining}
		}
		return addr, nil
	}
	return 0, fmt.Errorf("physmem: heap exhausted (%d bytes requested)", n)
}

// Free returns a previously-allocated region to the free list, coalescing
// with adjacent free blocks.
func (h *Heap) Free(addr, n uint64) error {
	if addr < h.base+heapBlockHeader || addr >= h.base+h.size {
		return fmt.Errorf("physmem: heap Free: %#x outside heap [%#x, %#x)", addr, h.base, h.base+h.size)
	}
	offset := addr - h.base - heapBlockHeader
	size := alignUp(n+heapBlockHeader, heapAlignment)

	inserted := heapBlock{offset: offset, size: size}
	merged := make([]heapBlock, 0, len(h.free)+1)
	placed := false
	for _, b := range h.free {
		if !placed && b.offset > inserted.offset {
			merged = append(merged, inserted)
			placed = true
		}
		merged = append(merged, b)
	}
	if !placed {
		merged = append(merged, inserted)
	}
	h.free = coalesce(merged)
	return nil
}

func coalesce(blocks []heapBlock) []heapBlock {
	if len(blocks) == 0 {
		return blocks
	}
	out := blocks[:1]
	for _, b := range blocks[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == b.offset {
			last.size += b.size
		} else {
			out = append(out, b)
		}
	}
	return out
}

// FreeBytes sums the bytes currently available across the free list.
func (h *Heap) FreeBytes() uint64 {
	var total uint64
	for _, b := range h.free {
		total += b.size
	}
	return total
}
