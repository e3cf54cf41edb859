// Package hypervisor implements an SVM-style type-1 hypervisor core: a
// nested-paging guest control block, a software VMRUN dispatch loop, and
// the exit handlers that back a research OS's virtual machine personality
// (§4.K). It models the hardware semantics AMD's SVM extension provides —
// capability bit, host save area, intercept bitmaps, nested page faults —
// without requiring the instruction to literally execute in silicon, so
// the same run loop can be driven by a real VMRUN trampoline or by a
// software guest stepper in tests.
package hypervisor

import "fmt"

// CPUIDFunc queries one CPUID leaf/subleaf, matching the shape a caller
// would get from either a real CPUID instruction or a recorded fixture.
type CPUIDFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// MSRReadFunc reads a single model-specific register.
type MSRReadFunc func(msr uint32) (uint64, error)

const (
	cpuidLeafExtendedFeatures = 0x80000001
	svmBitECX                 = 1 << 2 // AMD CPUID 0x80000001 ECX bit 2: SVM

	msrVMCR         = 0xc0010114
	vmcrSVMEDisable = 1 << 4 // VM_CR.SVMDIS: SVM locked off by firmware
)

// Capability is the result of probing whether this CPU can host a type-1
// hypervisor: SVM present in CPUID, nested paging present, and not locked
// off by firmware (VM_CR.SVMDIS set with the BIOS key unknown).
type Capability struct {
	SVMSupported          bool
	NestedPagingSupported bool
	Locked                bool
}

// ErrSVMUnsupported and ErrSVMLocked report why DetectCapability refused
// to vouch for this CPU as a hypervisor host.
var (
	ErrSVMUnsupported = fmt.Errorf("hypervisor: SVM extension not present in CPUID")
	ErrSVMLocked      = fmt.Errorf("hypervisor: SVM disabled by firmware (VM_CR.SVMDIS)")
)

// DetectCapability reads the CPUID vendor-extension bit and the VM_CR MSR
// lock bit, returning an error if the host cannot run guests at all. A
// Capability with NestedPagingSupported=false is still returned on success
// when paging support alone is missing — callers decide whether to fall
// back to shadow paging or refuse, this package always requires nested
// paging for NewVirtualMachine.
func DetectCapability(cpuid CPUIDFunc, readMSR MSRReadFunc) (Capability, error) {
	_, _, ecx, _ := cpuid(cpuidLeafExtendedFeatures, 0)
	svm := ecx&svmBitECX != 0
	if !svm {
		return Capability{}, ErrSVMUnsupported
	}

	vmcr, err := readMSR(msrVMCR)
	if err != nil {
		return Capability{}, fmt.Errorf("hypervisor: read VM_CR: %w", err)
	}
	locked := vmcr&vmcrSVMEDisable != 0
	if locked {
		return Capability{SVMSupported: true, Locked: true}, ErrSVMLocked
	}

	// CPUID leaf 0x8000000A EDX bit 0 reports nested paging (NPT); a
	// software-only host that never saw real hardware may omit it.
	_, _, _, edx := cpuid(0x8000000a, 0)
	nestedPaging := edx&1 != 0

	return Capability{SVMSupported: true, NestedPagingSupported: nestedPaging}, nil
}
