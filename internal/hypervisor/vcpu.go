package hypervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustos/trustos/internal/asm"
	"github.com/trustos/trustos/internal/asm/amd64"
	"github.com/trustos/trustos/internal/hv"
	"github.com/trustos/trustos/internal/timeslice"
)

// StepFunc advances the guest until the next trap and reports what
// happened — this package's stand-in for the VMRUN instruction. A
// software guest stepper (used in tests, and by any guest interpreter
// that doesn't have real silicon underneath it) and a real VMRUN
// trampoline both satisfy this signature identically, so VCPU.Run doesn't
// need to know which one it's driving.
type StepFunc func(gcb *GuestControlBlock) (Exit, error)

// MSRHandler answers reads and writes to model-specific registers the
// intercept bitmap traps.
type MSRHandler interface {
	ReadMSR(num uint32) (uint64, error)
	WriteMSR(num uint32, value uint64) error
}

// exitContext is the noop hv.ExitContext every dispatch call gets — this
// package doesn't yet feed exit timing back into a scheduler timeslice,
// mirroring how kvm_amd64.go's handlers leave exitCtx.timeslice unset on
// the majority of exit types.
type exitContext struct{ timeslice timeslice.TimesliceID }

func (c *exitContext) SetExitTimeslice(id timeslice.TimesliceID) { c.timeslice = id }

// decodeRegisterToHV maps an internal/asm Variable (the decoder's register
// identity) onto the hv.Register space GuestControlBlock keys its GPR
// file with.
var decodeRegisterToHV = map[asm.Variable]hv.Register{
	amd64.RAX: hv.RegisterAMD64Rax,
	amd64.RBX: hv.RegisterAMD64Rbx,
	amd64.RCX: hv.RegisterAMD64Rcx,
	amd64.RDX: hv.RegisterAMD64Rdx,
	amd64.RSI: hv.RegisterAMD64Rsi,
	amd64.RDI: hv.RegisterAMD64Rdi,
	amd64.RSP: hv.RegisterAMD64Rsp,
	amd64.RBP: hv.RegisterAMD64Rbp,
	amd64.R8:  hv.RegisterAMD64R8,
	amd64.R9:  hv.RegisterAMD64R9,
	amd64.R10: hv.RegisterAMD64R10,
	amd64.R11: hv.RegisterAMD64R11,
	amd64.R12: hv.RegisterAMD64R12,
	amd64.R13: hv.RegisterAMD64R13,
	amd64.R14: hv.RegisterAMD64R14,
	amd64.R15: hv.RegisterAMD64R15,
}

// widthMask clears everything above the low n bytes, so a byte/word/dword
// MMIO access only disturbs the matching low bits of a 64-bit register
// slot instead of clobbering the rest of it.
func widthMask(n int) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * n)) - 1
}

// VCPU drives one guest control block's run loop: call step to advance
// the guest, dispatch on the reported ExitReason, and loop until the
// guest halts, shuts down, or ctx is cancelled — the same overall shape
// internal/hv/kvm's kvm_amd64.go Run uses, adapted from a real ioctl/KVM
// exit struct to this package's software Exit value.
type VCPU struct {
	id   int
	gcb  *GuestControlBlock
	step StepFunc
	log  *slog.Logger

	cpuid CPUIDFunc
	msr   MSRHandler

	ioPorts map[uint16]hv.X86IOPortDevice
	mmio    []hv.MemoryMappedIODevice
}

// NewVCPU builds a VCPU bound to gcb, driven by step.
func NewVCPU(id int, gcb *GuestControlBlock, step StepFunc, log *slog.Logger) *VCPU {
	if log == nil {
		log = slog.Default()
	}
	return &VCPU{
		id:      id,
		gcb:     gcb,
		step:    step,
		log:     log.With("subsystem", "hypervisor.vcpu", "vcpu", id),
		ioPorts: make(map[uint16]hv.X86IOPortDevice),
	}
}

// ID reports the VCPU's index within its virtual machine.
func (v *VCPU) ID() int { return v.id }

// SetCPUIDHandler installs the function consulted on CPUID exits.
func (v *VCPU) SetCPUIDHandler(fn CPUIDFunc) { v.cpuid = fn }

// SetMSRHandler installs the handler consulted on MSR exits.
func (v *VCPU) SetMSRHandler(h MSRHandler) { v.msr = h }

// RegisterIOPort binds dev to every port it declares via IOPorts().
func (v *VCPU) RegisterIOPort(dev hv.X86IOPortDevice) {
	for _, port := range dev.IOPorts() {
		v.ioPorts[port] = dev
	}
}

// RegisterMMIO adds dev to the set consulted on NPF exits that land in an
// MMIO region. dev's own MMIORegions() bounds are checked on dispatch.
func (v *VCPU) RegisterMMIO(dev hv.MemoryMappedIODevice) {
	v.mmio = append(v.mmio, dev)
}

func (v *VCPU) mmioDeviceFor(gpa uint64) hv.MemoryMappedIODevice {
	for _, dev := range v.mmio {
		for _, r := range dev.MMIORegions() {
			if gpa >= r.Address && gpa < r.Address+r.Size {
				return dev
			}
		}
	}
	return nil
}

// Run drives the guest until it halts or shuts down, or ctx is cancelled.
// It returns hv.ErrVMHalted on HLT/SHUTDOWN and hv.ErrGuestRequestedReboot
// on a VMMCALL requesting reset (VMMCallNum == vmmcallReset), matching the
// sentinel errors internal/hv/kvm's run loop already uses so a caller
// driving either backend can share the same error handling.
func (v *VCPU) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		exit, err := v.step(v.gcb)
		if err != nil {
			return fmt.Errorf("hypervisor: vCPU %d step: %w", v.id, err)
		}

		if err := v.dispatch(&exit); err != nil {
			return err
		}
	}
}

func (v *VCPU) dispatch(exit *Exit) error {
	ectx := &exitContext{timeslice: timeslice.InvalidTimesliceID}

	switch exit.Reason {
	case ExitHLT:
		return hv.ErrVMHalted
	case ExitShutdown:
		return hv.ErrVMHalted
	case ExitCPUID:
		return v.handleCPUID(exit)
	case ExitIO:
		return v.handleIO(ectx, exit)
	case ExitMSR:
		return v.handleMSR(exit)
	case ExitNPF:
		return v.handleNPF(ectx, exit)
	case ExitVMMCall:
		return v.handleVMMCall(exit)
	default:
		return fmt.Errorf("hypervisor: vCPU %d exited with unhandled reason %s", v.id, exit.Reason)
	}
}

func (v *VCPU) handleCPUID(exit *Exit) error {
	if v.cpuid == nil {
		return fmt.Errorf("hypervisor: vCPU %d: CPUID exit with no handler installed", v.id)
	}
	eax, ebx, ecx, edx := v.cpuid(exit.CPUIDLeaf, exit.CPUIDSubleaf)
	v.gcb.SetReg(hv.RegisterAMD64Rax, uint64(eax))
	v.gcb.SetReg(hv.RegisterAMD64Rbx, uint64(ebx))
	v.gcb.SetReg(hv.RegisterAMD64Rcx, uint64(ecx))
	v.gcb.SetReg(hv.RegisterAMD64Rdx, uint64(edx))
	return nil
}

func (v *VCPU) handleIO(ectx *exitContext, exit *Exit) error {
	dev, ok := v.ioPorts[exit.IOPort]
	if !ok {
		return fmt.Errorf("hypervisor: vCPU %d: unhandled I/O port 0x%x", v.id, exit.IOPort)
	}
	if exit.IOWrite {
		return dev.WriteIOPort(ectx, exit.IOPort, exit.IOData)
	}
	return dev.ReadIOPort(ectx, exit.IOPort, exit.IOData)
}

func (v *VCPU) handleMSR(exit *Exit) error {
	if v.msr == nil {
		return fmt.Errorf("hypervisor: vCPU %d: MSR exit with no handler installed", v.id)
	}
	if exit.MSRWrite {
		value := v.gcb.GetReg(hv.RegisterAMD64Rax) | v.gcb.GetReg(hv.RegisterAMD64Rdx)<<32
		return v.msr.WriteMSR(exit.MSRNum, value)
	}
	value, err := v.msr.ReadMSR(exit.MSRNum)
	if err != nil {
		return err
	}
	v.gcb.SetReg(hv.RegisterAMD64Rax, value&0xffffffff)
	v.gcb.SetReg(hv.RegisterAMD64Rdx, value>>32)
	return nil
}

// handleNPF is the MMIO fault path: decode the faulting instruction to
// learn which register and width are involved, find the device mapped
// over the faulting guest-physical address, perform the access, and
// advance RIP past the decoded instruction so the guest doesn't re-fault
// on the same PC forever.
func (v *VCPU) handleNPF(ectx *exitContext, exit *Exit) error {
	dev := v.mmioDeviceFor(exit.FaultGPA)
	if dev == nil {
		return fmt.Errorf("hypervisor: vCPU %d: nested page fault at 0x%x has no mapped MMIO device", v.id, exit.FaultGPA)
	}

	access, err := amd64.DecodeMemoryAccess(exit.FaultInstruction)
	if err != nil {
		return fmt.Errorf("hypervisor: vCPU %d: decode MMIO instruction at RIP 0x%x: %w", v.id, v.gcb.RIP, err)
	}
	hvReg, ok := decodeRegisterToHV[access.Reg]
	if !ok {
		return fmt.Errorf("hypervisor: vCPU %d: decoded register has no hv.Register mapping", v.id)
	}

	buf := make([]byte, access.Width)
	switch access.Dir {
	case amd64.DirectionLoad:
		if err := dev.ReadMMIO(ectx, exit.FaultGPA, buf); err != nil {
			return err
		}
		var value uint64
		for i := access.Width - 1; i >= 0; i-- {
			value = value<<8 | uint64(buf[i])
		}
		mask := widthMask(access.Width)
		v.gcb.SetReg(hvReg, (v.gcb.GetReg(hvReg) &^ mask) | (value & mask))
	case amd64.DirectionStore:
		value := v.gcb.GetReg(hvReg)
		for i := 0; i < access.Width; i++ {
			buf[i] = byte(value)
			value >>= 8
		}
		if err := dev.WriteMMIO(ectx, exit.FaultGPA, buf); err != nil {
			return err
		}
	}

	v.gcb.RIP += uint64(access.Length)
	return nil
}

// vmmcallReset is the VMMCALL number a guest issues to request a reboot —
// a software convention this package defines rather than hardware ABI,
// since no real guest firmware is involved.
const vmmcallReset = 0xfffe

func (v *VCPU) handleVMMCall(exit *Exit) error {
	if exit.VMMCallNum == vmmcallReset {
		return hv.ErrGuestRequestedReboot
	}
	return fmt.Errorf("hypervisor: vCPU %d: unhandled VMMCALL 0x%x", v.id, exit.VMMCallNum)
}
