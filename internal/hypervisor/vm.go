package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trustos/trustos/internal/hv"
	"golang.org/x/sync/errgroup"
)

// isHaltLike reports whether err is one of the expected clean-stop
// sentinels a VCPU's run loop returns, as opposed to a genuine failure.
func isHaltLike(err error) bool {
	return errors.Is(err, hv.ErrVMHalted) || errors.Is(err, hv.ErrGuestRequestedReboot)
}

// VirtualMachine owns the nested page table and host save area shared
// across a guest's VCPUs, and fans their run loops out with errgroup the
// way a multi-core guest boot needs to start all its cores together and
// tear down together on the first fatal exit.
type VirtualMachine struct {
	mu       sync.Mutex
	cap      Capability
	npt      *NestedPageTable
	hostSave *HostSaveArea
	vcpus    []*VCPU
	log      *slog.Logger
}

// NewVirtualMachine requires a capability that reports nested paging
// support — this package has no shadow-paging fallback — and installs a
// host save area via alloc/writeMSR before returning.
func NewVirtualMachine(cap Capability, alloc PageAllocFunc, writeMSR MSRWriteFunc, log *slog.Logger) (*VirtualMachine, error) {
	if !cap.SVMSupported {
		return nil, ErrSVMUnsupported
	}
	if !cap.NestedPagingSupported {
		return nil, fmt.Errorf("hypervisor: nested paging required, none reported by capability check")
	}
	hostSave, err := NewHostSaveArea(alloc, writeMSR)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &VirtualMachine{
		cap:      cap,
		npt:      NewNestedPageTable(),
		hostSave: hostSave,
		log:      log.With("subsystem", "hypervisor.vm"),
	}, nil
}

// NestedPageTable exposes the VM's single shared NPT for device/memory
// setup prior to starting any VCPU.
func (vm *VirtualMachine) NestedPageTable() *NestedPageTable { return vm.npt }

// HostSaveArea exposes the installed host save page.
func (vm *VirtualMachine) HostSaveArea() *HostSaveArea { return vm.hostSave }

// AddVCPU creates and registers a new VCPU numbered by creation order,
// sharing this VM's nested page table through its guest control block.
func (vm *VirtualMachine) AddVCPU(step StepFunc) *VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	id := len(vm.vcpus)
	gcb := NewGuestControlBlock(uint32(id+1), vm.npt)
	vcpu := NewVCPU(id, gcb, step, vm.log)
	vm.vcpus = append(vm.vcpus, vcpu)
	return vcpu
}

// VCPUs returns the VM's VCPUs in creation order.
func (vm *VirtualMachine) VCPUs() []*VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*VCPU(nil), vm.vcpus...)
}

// RunAll starts every VCPU's run loop concurrently and waits for all of
// them to return. The first VCPU to return a non-halt error cancels ctx
// for the rest via errgroup's derived context; a clean hv.ErrVMHalted from
// every VCPU is reported as a nil overall result.
func (vm *VirtualMachine) RunAll(ctx context.Context) error {
	vcpus := vm.VCPUs()
	if len(vcpus) == 0 {
		return fmt.Errorf("hypervisor: RunAll called with no VCPUs registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, vcpu := range vcpus {
		vcpu := vcpu
		g.Go(func() error {
			err := vcpu.Run(gctx)
			if isHaltLike(err) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
