package hypervisor

import "fmt"

const hostSaveAreaSize = 4096

// HostSaveArea is the page the hypervisor reserves for the host's
// processor state across a VMRUN/VMEXIT — AMD's VM_HSAVE_PA MSR points
// here. Nothing in this package reads or writes its contents; it exists so
// the capability/install sequencing the spec calls for has a concrete
// object, and so a later real-VMRUN backend has a physical page already
// allocated and installed when it's wired in.
type HostSaveArea struct {
	physAddr uint64
	size     uint64
}

// PageAllocFunc allocates size bytes of page-aligned physical memory,
// matching internal/physmem's allocator shape.
type PageAllocFunc func(size uint64) (physAddr uint64, err error)

// MSRWriteFunc writes a single model-specific register.
type MSRWriteFunc func(msr uint32, value uint64) error

const msrVMHSAVEPA = 0xc0010117

// NewHostSaveArea allocates one page via alloc and installs its physical
// address in VM_HSAVE_PA via writeMSR.
func NewHostSaveArea(alloc PageAllocFunc, writeMSR MSRWriteFunc) (*HostSaveArea, error) {
	addr, err := alloc(hostSaveAreaSize)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: allocate host save area: %w", err)
	}
	if addr%hostSaveAreaSize != 0 {
		return nil, fmt.Errorf("hypervisor: host save area at 0x%x is not page-aligned", addr)
	}
	if err := writeMSR(msrVMHSAVEPA, addr); err != nil {
		return nil, fmt.Errorf("hypervisor: install VM_HSAVE_PA: %w", err)
	}
	return &HostSaveArea{physAddr: addr, size: hostSaveAreaSize}, nil
}

// PhysAddr is the host-physical address of the reserved page.
func (h *HostSaveArea) PhysAddr() uint64 { return h.physAddr }
