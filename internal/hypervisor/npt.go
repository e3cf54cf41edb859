package hypervisor

import (
	"fmt"
	"sort"
	"sync"
)

// Region maps a contiguous guest-physical range to host-physical backing,
// or flags it as MMIO (unbacked — faults are handled, not translated).
type Region struct {
	GuestPhysBase uint64
	HostPhysBase  uint64 // ignored when MMIO is true
	Length        uint64
	MMIO          bool
}

func (r Region) contains(gpa uint64) bool {
	return gpa >= r.GuestPhysBase && gpa < r.GuestPhysBase+r.Length
}

func (r Region) overlaps(o Region) bool {
	return r.GuestPhysBase < o.GuestPhysBase+o.Length && o.GuestPhysBase < r.GuestPhysBase+r.Length
}

// ErrNestedPageFault is returned by Translate when no region covers the
// requested guest-physical address — the caller's VCPU run loop turns
// this into an NPF exit.
var ErrNestedPageFault = fmt.Errorf("hypervisor: nested page fault")

// NestedPageTable translates guest-physical addresses to host-physical
// addresses for a single guest address space. It is modeled as a sorted
// list of disjoint ranges rather than a literal multi-level radix-tree
// walk: nothing in this codebase executes a hardware table walk, and a
// range list gives the same observable behavior the spec requires — reads
// and writes inside a mapped RAM region translate silently, and anything
// landing in an unmapped (MMIO) range faults into software emulation.
type NestedPageTable struct {
	mu      sync.RWMutex
	regions []Region
}

// NewNestedPageTable returns an empty table; call MapRegion to populate it.
func NewNestedPageTable() *NestedPageTable {
	return &NestedPageTable{}
}

// MapRegion installs a new translation range. It is an error for a new
// region to overlap one already installed.
func (n *NestedPageTable) MapRegion(r Region) error {
	if r.Length == 0 {
		return fmt.Errorf("hypervisor: zero-length region at 0x%x", r.GuestPhysBase)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.regions {
		if existing.overlaps(r) {
			return fmt.Errorf("hypervisor: region [0x%x, 0x%x) overlaps existing [0x%x, 0x%x)",
				r.GuestPhysBase, r.GuestPhysBase+r.Length, existing.GuestPhysBase, existing.GuestPhysBase+existing.Length)
		}
	}
	n.regions = append(n.regions, r)
	sort.Slice(n.regions, func(i, j int) bool { return n.regions[i].GuestPhysBase < n.regions[j].GuestPhysBase })
	return nil
}

// Translate resolves a guest-physical address. For an MMIO region it
// reports IsMMIO=true and a zero host address — the caller must emulate
// the access rather than touch host memory. An address covered by no
// region returns ErrNestedPageFault.
func (n *NestedPageTable) Translate(gpa uint64) (hostPhys uint64, isMMIO bool, err error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, r := range n.regions {
		if !r.contains(gpa) {
			continue
		}
		if r.MMIO {
			return 0, true, nil
		}
		return r.HostPhysBase + (gpa - r.GuestPhysBase), false, nil
	}
	return 0, false, ErrNestedPageFault
}

// IsMMIO reports whether gpa falls in an installed MMIO region, without
// the error noise Translate returns for genuinely unmapped addresses.
func (n *NestedPageTable) IsMMIO(gpa uint64) bool {
	_, mmio, err := n.Translate(gpa)
	return err == nil && mmio
}
