package hypervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/trustos/trustos/internal/hv"
)

func TestVCPUCPUIDExitFillsRegisters(t *testing.T) {
	gcb := NewGuestControlBlock(1, NewNestedPageTable())
	exits := []Exit{
		{Reason: ExitCPUID, CPUIDLeaf: 0x1},
		{Reason: ExitHLT},
	}
	i := 0
	step := func(*GuestControlBlock) (Exit, error) {
		e := exits[i]
		i++
		return e, nil
	}
	vcpu := NewVCPU(0, gcb, step, nil)
	vcpu.SetCPUIDHandler(func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0xAAAA, 0xBBBB, 0xCCCC, 0xDDDD
	})

	err := vcpu.Run(context.Background())
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run err = %v, want ErrVMHalted", err)
	}
	if got := gcb.GetReg(hv.RegisterAMD64Rax); got != 0xAAAA {
		t.Fatalf("RAX = 0x%x, want 0xAAAA", got)
	}
	if got := gcb.GetReg(hv.RegisterAMD64Rdx); got != 0xDDDD {
		t.Fatalf("RDX = 0x%x, want 0xDDDD", got)
	}
}

type fakeIOPortDevice struct {
	ports []uint16
	last  []byte
}

func (d *fakeIOPortDevice) IOPorts() []uint16 { return d.ports }
func (d *fakeIOPortDevice) Init(hv.VirtualMachine) error { return nil }
func (d *fakeIOPortDevice) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	data[0] = 0x42
	return nil
}
func (d *fakeIOPortDevice) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	d.last = append([]byte(nil), data...)
	return nil
}

func TestVCPUIOExitDispatchesToRegisteredDevice(t *testing.T) {
	gcb := NewGuestControlBlock(1, NewNestedPageTable())
	dev := &fakeIOPortDevice{ports: []uint16{0x3f8}}
	readBuf := make([]byte, 1)
	exits := []Exit{
		{Reason: ExitIO, IOPort: 0x3f8, IOWrite: false, IOData: readBuf},
		{Reason: ExitIO, IOPort: 0x3f8, IOWrite: true, IOData: []byte{0x7}},
		{Reason: ExitHLT},
	}
	i := 0
	step := func(*GuestControlBlock) (Exit, error) {
		e := exits[i]
		i++
		return e, nil
	}
	vcpu := NewVCPU(0, gcb, step, nil)
	vcpu.RegisterIOPort(dev)

	if err := vcpu.Run(context.Background()); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run err = %v, want ErrVMHalted", err)
	}
	if readBuf[0] != 0x42 {
		t.Fatalf("read data = 0x%x, want 0x42", readBuf[0])
	}
	if len(dev.last) != 1 || dev.last[0] != 0x7 {
		t.Fatalf("write data = %v, want [0x7]", dev.last)
	}
}

type fakeMSRHandler struct {
	values map[uint32]uint64
}

func (h *fakeMSRHandler) ReadMSR(num uint32) (uint64, error) { return h.values[num], nil }
func (h *fakeMSRHandler) WriteMSR(num uint32, value uint64) error {
	h.values[num] = value
	return nil
}

func TestVCPUMSRExitRoundTrip(t *testing.T) {
	gcb := NewGuestControlBlock(1, NewNestedPageTable())
	msr := &fakeMSRHandler{values: map[uint32]uint64{0xc0000080: 0x1122334455667788}}
	exits := []Exit{
		{Reason: ExitMSR, MSRNum: 0xc0000080, MSRWrite: false},
		{Reason: ExitHLT},
	}
	i := 0
	step := func(*GuestControlBlock) (Exit, error) {
		e := exits[i]
		i++
		return e, nil
	}
	vcpu := NewVCPU(0, gcb, step, nil)
	vcpu.SetMSRHandler(msr)

	if err := vcpu.Run(context.Background()); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run err: %v", err)
	}
	low := gcb.GetReg(hv.RegisterAMD64Rax)
	high := gcb.GetReg(hv.RegisterAMD64Rdx)
	if got := high<<32 | low; got != 0x1122334455667788 {
		t.Fatalf("reassembled MSR value = 0x%x, want 0x1122334455667788", got)
	}
}

func TestVCPUVMMCallResetRequestsReboot(t *testing.T) {
	gcb := NewGuestControlBlock(1, NewNestedPageTable())
	step := func(*GuestControlBlock) (Exit, error) {
		return Exit{Reason: ExitVMMCall, VMMCallNum: vmmcallReset}, nil
	}
	vcpu := NewVCPU(0, gcb, step, nil)

	err := vcpu.Run(context.Background())
	if !errors.Is(err, hv.ErrGuestRequestedReboot) {
		t.Fatalf("Run err = %v, want ErrGuestRequestedReboot", err)
	}
}

func TestVCPUNPFDecodesLoadAndAdvancesRIP(t *testing.T) {
	npt := NewNestedPageTable()
	if err := npt.MapRegion(Region{GuestPhysBase: 0xfee00000, Length: 0x1000, MMIO: true}); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	gcb := NewGuestControlBlock(1, npt)
	gcb.RIP = 0x7000

	// `mov eax, dword ptr [rbx]` — opcode 0x8B, ModRM mod=00 reg=000(eax)
	// rm=011(rbx): a 2-byte load with no displacement.
	loadInsn := []byte{0x8b, 0x03}

	exits := []Exit{
		{Reason: ExitNPF, FaultGPA: 0xfee00010, FaultInstruction: loadInsn},
		{Reason: ExitHLT},
	}
	i := 0
	step := func(*GuestControlBlock) (Exit, error) {
		e := exits[i]
		i++
		return e, nil
	}

	vcpu := NewVCPU(0, gcb, step, nil)
	vcpu.RegisterMMIO(hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: 0xfee00000, Size: 0x1000}},
		ReadFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			data[0], data[1], data[2], data[3] = 0xef, 0xbe, 0xad, 0xde
			return nil
		},
	})

	if err := vcpu.Run(context.Background()); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run err = %v, want ErrVMHalted", err)
	}
	if got := gcb.GetReg(hv.RegisterAMD64Rax); got != 0xdeadbeef {
		t.Fatalf("RAX = 0x%x, want 0xdeadbeef", got)
	}
	if gcb.RIP != 0x7002 {
		t.Fatalf("RIP = 0x%x, want 0x7002 (advanced by decoded instruction length)", gcb.RIP)
	}
}

func TestVCPUNPFUnmappedAddressErrors(t *testing.T) {
	npt := NewNestedPageTable()
	gcb := NewGuestControlBlock(1, npt)
	step := func(*GuestControlBlock) (Exit, error) {
		return Exit{Reason: ExitNPF, FaultGPA: 0x1234, FaultInstruction: []byte{0x8b, 0x03}}, nil
	}
	vcpu := NewVCPU(0, gcb, step, nil)

	err := vcpu.Run(context.Background())
	if err == nil {
		t.Fatal("Run: expected error for unmapped MMIO device, got nil")
	}
}
