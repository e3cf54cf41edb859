package hypervisor

import "testing"

func fakeCPUID(svm, npt bool) CPUIDFunc {
	return func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
		switch leaf {
		case cpuidLeafExtendedFeatures:
			if svm {
				ecx = svmBitECX
			}
		case 0x8000000a:
			if npt {
				edx = 1
			}
		}
		return
	}
}

func TestDetectCapabilitySuccess(t *testing.T) {
	cpuid := fakeCPUID(true, true)
	readMSR := func(msr uint32) (uint64, error) { return 0, nil }

	cap, err := DetectCapability(cpuid, readMSR)
	if err != nil {
		t.Fatalf("DetectCapability: %v", err)
	}
	if !cap.SVMSupported || !cap.NestedPagingSupported || cap.Locked {
		t.Fatalf("capability = %+v, want SVM+NPT supported and unlocked", cap)
	}
}

func TestDetectCapabilityUnsupported(t *testing.T) {
	cpuid := fakeCPUID(false, false)
	readMSR := func(msr uint32) (uint64, error) { return 0, nil }

	_, err := DetectCapability(cpuid, readMSR)
	if err != ErrSVMUnsupported {
		t.Fatalf("err = %v, want ErrSVMUnsupported", err)
	}
}

func TestDetectCapabilityLocked(t *testing.T) {
	cpuid := fakeCPUID(true, true)
	readMSR := func(msr uint32) (uint64, error) {
		if msr == msrVMCR {
			return vmcrSVMEDisable, nil
		}
		return 0, nil
	}

	_, err := DetectCapability(cpuid, readMSR)
	if err != ErrSVMLocked {
		t.Fatalf("err = %v, want ErrSVMLocked", err)
	}
}
