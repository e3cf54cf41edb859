package hypervisor

import "github.com/trustos/trustos/internal/hv"

// Intercept is one bit in the VMCB-like control block's intercept bitmap —
// a guest operation that should trap to the host instead of executing
// natively.
type Intercept uint32

const (
	InterceptCPUID Intercept = 1 << iota
	InterceptHLT
	InterceptIO
	InterceptMSR
	InterceptINVLPG
	InterceptINVD
	InterceptWBINVD
	InterceptNPF
	InterceptVMMCALL
	InterceptTaskSwitch
	InterceptShutdown
)

// defaultIntercepts is the bitmap every guest control block starts with:
// everything a type-1 hypervisor running an unmodified guest must trap.
const defaultIntercepts = InterceptCPUID | InterceptHLT | InterceptIO | InterceptMSR |
	InterceptINVLPG | InterceptINVD | InterceptWBINVD | InterceptNPF | InterceptVMMCALL |
	InterceptTaskSwitch | InterceptShutdown

// GuestControlBlock is this package's VMCB analogue: the per-VCPU control
// structure a VMRUN consults to know which guest operations trap, which
// address space tags apply, and what the guest's general-purpose register
// file currently holds. Register values are keyed by hv.Register so this
// structure speaks the same vocabulary internal/hv's VirtualCPU interface
// uses for SetRegisters/GetRegisters.
type GuestControlBlock struct {
	Intercepts Intercept
	ASID       uint32
	NPT        *NestedPageTable

	Registers map[hv.Register]uint64
	RIP       uint64
	RFlags    uint64
}

// NewGuestControlBlock returns a control block with the default intercept
// bitmap and an empty register file, bound to npt for address translation.
func NewGuestControlBlock(asid uint32, npt *NestedPageTable) *GuestControlBlock {
	return &GuestControlBlock{
		Intercepts: defaultIntercepts,
		ASID:       asid,
		NPT:        npt,
		Registers:  make(map[hv.Register]uint64),
	}
}

// Intercepted reports whether i is currently set in the control block's
// intercept bitmap.
func (g *GuestControlBlock) Intercepted(i Intercept) bool {
	return g.Intercepts&i != 0
}

// GetReg and SetReg read/write one general-purpose register, defaulting
// missing entries to zero rather than panicking — a guest control block
// freshly reset has no register history to report.
func (g *GuestControlBlock) GetReg(r hv.Register) uint64 {
	return g.Registers[r]
}

func (g *GuestControlBlock) SetReg(r hv.Register, v uint64) {
	g.Registers[r] = v
}
