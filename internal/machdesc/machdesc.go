// Package machdesc defines the MachineDescription produced once by
// BootAdapter and consumed by every other subsystem.
package machdesc

import "fmt"

// Platform identifies the board/firmware family the kernel booted on.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformPCUEFI
	PlatformPCLegacy
	PlatformQemuVirtArm
	PlatformQualcomm
	PlatformTensor
	PlatformExynos
	PlatformMediatek
	PlatformBroadcom
)

func (p Platform) String() string {
	switch p {
	case PlatformPCUEFI:
		return "pc-uefi"
	case PlatformPCLegacy:
		return "pc-legacy"
	case PlatformQemuVirtArm:
		return "qemu-virt-arm"
	case PlatformQualcomm:
		return "qualcomm"
	case PlatformTensor:
		return "tensor"
	case PlatformExynos:
		return "exynos"
	case PlatformMediatek:
		return "mediatek"
	case PlatformBroadcom:
		return "broadcom"
	default:
		return "unknown"
	}
}

// compatibleStringPrefixes maps a device-tree "compatible" string prefix to
// the platform it identifies. Walked in order; first match wins.
var compatibleStringPrefixes = []struct {
	prefix   string
	platform Platform
}{
	{"linux,dummy-virt", PlatformQemuVirtArm},
	{"qemu,virt", PlatformQemuVirtArm},
	{"qcom,", PlatformQualcomm},
	{"google,tensor", PlatformTensor},
	{"samsung,exynos", PlatformExynos},
	{"mediatek,", PlatformMediatek},
	{"brcm,bcm2", PlatformBroadcom},
	{"raspberrypi,", PlatformBroadcom},
}

// PlatformFromCompatible classifies a platform by the longest matching
// "compatible" string prefix found on the FDT root node.
func PlatformFromCompatible(compatible []string) Platform {
	for _, c := range compatible {
		for _, m := range compatibleStringPrefixes {
			if len(c) >= len(m.prefix) && c[:len(m.prefix)] == m.prefix {
				return m.platform
			}
		}
	}
	return PlatformUnknown
}

// MemRegion is a half-open physical range [Base, Base+Length).
type MemRegion struct {
	Base   uint64
	Length uint64
}

func (r MemRegion) End() uint64 { return r.Base + r.Length }

func (r MemRegion) Overlaps(o MemRegion) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// ReservedRegion tags a carved-out range (firmware, secure world, initrd).
type ReservedRegion struct {
	MemRegion
	Tag string
}

// ConsoleKind distinguishes the two console transports BootAdapter can hand
// the rest of the kernel.
type ConsoleKind int

const (
	ConsoleSerial ConsoleKind = iota
	ConsoleMMIOUart
)

// UartFlavour identifies the MMIO UART register layout.
type UartFlavour int

const (
	UartUnknown UartFlavour = iota
	UartPL011
	UartNS16550
	UartGENI
)

func (f UartFlavour) String() string {
	switch f {
	case UartPL011:
		return "pl011"
	case UartNS16550:
		return "ns16550"
	case UartGENI:
		return "geni"
	default:
		return "unknown"
	}
}

// Console describes the kernel's early and late log sink.
type Console struct {
	Kind     ConsoleKind
	Port     uint16 // valid when Kind == ConsoleSerial
	MMIOBase uint64 // valid when Kind == ConsoleMMIOUart
	Flavour  UartFlavour
}

// PixelFormat enumerates the framebuffer pixel layouts the contract supports.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatA8R8G8B8
	PixelFormatX8R8G8B8
	PixelFormatA8B8G8R8
	PixelFormatR5G6B5
)

// Framebuffer is the optional render-target handoff (spec.md §6).
type Framebuffer struct {
	PhysBase    uint64
	Width       uint32
	Height      uint32
	PitchBytes  uint32
	BitsPerPel  uint32
	PixelFormat PixelFormat
}

// DeviceStatus mirrors the FDT "status" property.
type DeviceStatus int

const (
	DeviceOkay DeviceStatus = iota
	DeviceDisabled
)

// Interrupt is a single GIC/MADT-style interrupt assignment.
type Interrupt struct {
	Number   uint32
	EdgeTrig bool
	ActiveHi bool
}

// Device is one entry of the device inventory.
type Device struct {
	Path        string
	Compatible  []string
	MMIOBase    uint64
	MMIOSize    uint64
	Interrupts  []Interrupt
	Status      DeviceStatus
}

// MachineDescription is the single artifact BootAdapter hands to the rest of
// the kernel. See spec.md §3.
type MachineDescription struct {
	RAM         []MemRegion
	Reserved    []ReservedRegion
	Console     Console
	Framebuffer *Framebuffer
	Devices     []Device
	Platform    Platform
}

// Validate enforces the invariant from spec.md §3: RAM regions never overlap
// reserved regions, and MMIO bases lie outside RAM.
func (m *MachineDescription) Validate() error {
	for _, ram := range m.RAM {
		for _, res := range m.Reserved {
			if ram.Overlaps(res.MemRegion) {
				return fmt.Errorf("machdesc: RAM region %#x-%#x overlaps reserved region %q %#x-%#x",
					ram.Base, ram.End(), res.Tag, res.Base, res.End())
			}
		}
	}
	for _, dev := range m.Devices {
		if dev.MMIOSize == 0 {
			continue
		}
		mmio := MemRegion{Base: dev.MMIOBase, Length: dev.MMIOSize}
		for _, ram := range m.RAM {
			if mmio.Overlaps(ram) {
				return fmt.Errorf("machdesc: device %q MMIO %#x-%#x overlaps RAM %#x-%#x",
					dev.Path, mmio.Base, mmio.End(), ram.Base, ram.End())
			}
		}
	}
	return nil
}

// TotalRAM sums the length of every RAM region.
func (m *MachineDescription) TotalRAM() uint64 {
	var total uint64
	for _, r := range m.RAM {
		total += r.Length
	}
	return total
}

// DeviceByCompatible returns the first okay device whose compatible list
// contains the given string.
func (m *MachineDescription) DeviceByCompatible(compatible string) (Device, bool) {
	for _, d := range m.Devices {
		if d.Status != DeviceOkay {
			continue
		}
		for _, c := range d.Compatible {
			if c == compatible {
				return d, true
			}
		}
	}
	return Device{}, false
}
