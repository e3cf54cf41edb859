// Package bootadapter turns raw platform boot data into a single
// machdesc.MachineDescription (§4.A). Two flavours exist: a bootloader-handoff
// path for x86-style boot protocols, and a firmware-free path that starts from
// nothing but the physical address of a flattened device tree.
package bootadapter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/trustos/trustos/internal/dtb"
	"github.com/trustos/trustos/internal/machdesc"
)

const heapSize = 32 * 1024 * 1024 // conservative post-kernel heap, §4.A step 2
const pageSize = 4096

// GuestMemory is the read side of guest/host RAM this package needs: reading
// the DTB blob, and nothing else. Kept minimal and modeled the same way
// internal/hv.VirtualMachine exposes memory to boot code in the teacher.
type GuestMemory interface {
	ReadAt(p []byte, off int64) (int, error)
}

// HandoffInfo is everything a bootloader-handoff (x86-style) boot protocol
// delivers directly, already parsed by the protocol-specific loader — this
// package only translates it, it does not parse bzImage/E820 itself.
type HandoffInfo struct {
	MemoryMap     []machdesc.MemRegion
	Reserved      []machdesc.ReservedRegion
	HHDMOffset    uint64
	Framebuffer   *machdesc.Framebuffer
	RSDP          uint64
	KernelPhys    uint64
	KernelVirt    uint64
	ConsolePort   uint16
}

// FromHandoff translates a bootloader-handoff record directly into a
// MachineDescription; §4.A says this flavour "translates directly", so there
// is no fallback path here — a malformed handoff is the bootloader's bug, not
// ours to paper over.
func FromHandoff(info HandoffInfo) (*machdesc.MachineDescription, error) {
	md := &machdesc.MachineDescription{
		RAM:         info.MemoryMap,
		Reserved:    info.Reserved,
		Framebuffer: info.Framebuffer,
		Console:     machdesc.Console{Kind: machdesc.ConsoleSerial, Port: info.ConsolePort},
		Platform:    machdesc.PlatformPCUEFI,
	}
	if info.ConsolePort == 0 {
		md.Console.Port = 0x3f8 // COM1, legacy default
		md.Platform = machdesc.PlatformPCLegacy
	}
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("bootadapter: handoff machine description invalid: %w", err)
	}
	return md, nil
}

// HeapLayout is the conservative heap §4.A step 2 reserves immediately after
// the kernel image, before any allocator exists to do it properly.
type HeapLayout struct {
	Base uint64
	Size uint64
}

// fallbackDescription is returned when the DTB is missing or its magic does
// not match; it always has PlatformUnknown per §4.A's error rule.
func fallbackDescription() *machdesc.MachineDescription {
	return &machdesc.MachineDescription{
		RAM:      []machdesc.MemRegion{{Base: 0x4000_0000, Length: 128 * 1024 * 1024}},
		Console:  machdesc.Console{Kind: machdesc.ConsoleMMIOUart, MMIOBase: 0x0900_0000, Flavour: machdesc.UartPL011},
		Platform: machdesc.PlatformUnknown,
	}
}

// ErrMissingDTB is returned (after logging) only via the logger; FromDTB
// itself never returns an error for this case because §4.A requires falling
// back to defaults rather than aborting boot.
var ErrMissingDTB = errors.New("bootadapter: no DTB present at handoff register")

// FromDTB is the firmware-free (ARM64) flavour. dtbAddr is the physical
// address handed in the architecture's boot register; mem lets this package
// read the blob out of guest RAM without assuming any particular backing.
// alignUp mirrors internal/linux/boot/amd64's alignment helper, generalized
// to any power-of-two alignment.
func FromDTB(log *slog.Logger, mem GuestMemory, dtbAddr uint64, kernelEnd uint64) (*machdesc.MachineDescription, HeapLayout) {
	if log == nil {
		log = slog.Default()
	}
	heap := HeapLayout{Base: alignUp(kernelEnd, pageSize), Size: heapSize}

	if dtbAddr == 0 {
		log.Error("bootadapter: missing DTB, falling back to defaults", slog.String("subsystem", "bootadapter"))
		return fallbackDescription(), heap
	}

	header := make([]byte, 8)
	if _, err := mem.ReadAt(header, int64(dtbAddr)); err != nil {
		log.Error("bootadapter: failed to read DTB header, falling back to defaults",
			slog.String("subsystem", "bootadapter"), slog.Any("error", err))
		return fallbackDescription(), heap
	}
	totalSize := uint32From(header[4:8])
	if totalSize == 0 || totalSize > 64*1024*1024 {
		totalSize = 1024 * 1024 // clamp: malformed size field, read a sane upper bound instead
	}

	blob := make([]byte, totalSize)
	if _, err := mem.ReadAt(blob, int64(dtbAddr)); err != nil {
		log.Error("bootadapter: failed to read DTB body, falling back to defaults",
			slog.String("subsystem", "bootadapter"), slog.Any("error", err))
		return fallbackDescription(), heap
	}

	parsed, err := dtb.Parse(blob)
	if err != nil {
		log.Error("bootadapter: DTB parse failed, falling back to defaults",
			slog.String("subsystem", "bootadapter"), slog.Any("error", err))
		return fallbackDescription(), heap
	}

	md := &machdesc.MachineDescription{
		RAM:         parsed.Memory,
		Reserved:    parsed.Reserved,
		Console:     parsed.Console,
		Framebuffer: parsed.Framebuffer,
		Devices:     parsed.Devices,
		Platform:    machdesc.PlatformFromCompatible(parsed.Compatible),
	}
	if err := md.Validate(); err != nil {
		// §4.A: "parsed but structurally corrupt ⇒ log and continue with
		// whatever completed before the break token" — we already have a
		// complete tree walk, so log and hand back what we have rather than
		// discarding it for the hard-coded fallback.
		log.Warn("bootadapter: DTB-derived machine description failed validation",
			slog.String("subsystem", "bootadapter"), slog.Any("error", err))
	}
	return md, heap
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func uint32From(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
