// Package guestloader stages an ARM64 guest for launch (§4.L): validates
// the kernel Image header, places kernel/DTB/initrd at their fixed guest-
// physical offsets, patches the device tree's /chosen node, and reports
// the entry point and first-register handoff a VCPU needs to start the
// guest at its firmware-free ARM64 boot protocol entry.
package guestloader

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/trustos/trustos/internal/dtb"
	"github.com/trustos/trustos/internal/fdt"
	arm64 "github.com/trustos/trustos/internal/linux/boot/arm64"
)

// Fixed guest-physical offsets from RAMBase, per §4.L.
const (
	kernelOffset = 2 * 1024 * 1024
	dtbOffset    = 64 * 1024 * 1024
	initrdOffset = 80 * 1024 * 1024
)

// GuestMemory is the staging write surface: guest RAM addressed by
// guest-physical offset, the same shape internal/block.Bus and
// internal/netdatapath use for their scratch regions.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// CacheMaintainer performs the data-cache-clean-to-PoC plus
// instruction-cache-invalidate sequence §4.L requires after staging new
// code/data into guest memory, so the guest CPU's caches don't serve stale
// bytes when it first fetches from the staged regions. A nil
// CacheMaintainer is valid — callers without real cache-maintenance
// instructions available (e.g. a pure software guest stepper) can leave
// this unset.
type CacheMaintainer interface {
	CleanAndInvalidate(base, length uint64)
}

// LoadConfig is the load-time configuration §4.L names.
type LoadConfig struct {
	RAMBase uint64
	RAMSize uint64
	Cmdline string

	TrapMMIORegions []MMIORegion
	TrapSMC         bool
	TrapWFI         bool
}

// MMIORegion is one range the hypervisor should intercept rather than
// back with real guest RAM — carried through from LoadConfig into the
// result summary, since §4.L only stages the guest, it doesn't itself
// install NPT mappings.
type MMIORegion struct {
	Base   uint64
	Length uint64
	Name   string
}

// Result is the populated guest-run config plus a human-readable summary.
type Result struct {
	EntryPoint uint64
	DTBAddr    uint64
	KernelAddr uint64
	KernelSize uint64
	InitrdAddr uint64
	InitrdSize uint64
	Summary    string
}

// Loader stages one guest into mem.
type Loader struct {
	mem   GuestMemory
	cache CacheMaintainer
	log   *slog.Logger
}

// NewLoader builds a Loader writing into mem. cache may be nil.
func NewLoader(mem GuestMemory, cache CacheMaintainer, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{mem: mem, cache: cache, log: log.With("subsystem", "guestloader")}
}

// Load validates the kernel image, stages kernel + DTB + (optional)
// initrd into guest memory at their fixed offsets, patches /chosen, and
// performs cache maintenance across every region it touched.
func (l *Loader) Load(kernel io.ReaderAt, kernelSize int64, dtbBlob []byte, initrd []byte, cfg LoadConfig) (*Result, error) {
	probe, err := arm64.ProbeKernelImage(kernel, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("guestloader: probe kernel image: %w", err)
	}
	image, err := probe.ExtractImage(kernel, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("guestloader: extract kernel image: %w", err)
	}

	if err := checkFits("kernel", uint64(len(image)), kernelOffset, dtbOffset, cfg.RAMSize); err != nil {
		return nil, err
	}
	if err := checkFits("dtb", uint64(len(dtbBlob)), dtbOffset, initrdOffset, cfg.RAMSize); err != nil {
		return nil, err
	}
	var initrdLen uint64
	if len(initrd) > 0 {
		initrdLen = uint64(len(initrd))
		if initrdOffset+initrdLen > cfg.RAMSize {
			return nil, fmt.Errorf("guestloader: initrd (%d bytes) overruns RAM (%d bytes available past offset 0x%x)",
				initrdLen, cfg.RAMSize-initrdOffset, initrdOffset)
		}
	}

	kernelAddr := cfg.RAMBase + kernelOffset
	dtbAddr := cfg.RAMBase + dtbOffset
	initrdAddr := cfg.RAMBase + initrdOffset

	patched, err := patchChosen(dtbBlob, cfg.Cmdline, initrdAddr, initrdLen)
	if err != nil {
		return nil, fmt.Errorf("guestloader: patch /chosen: %w", err)
	}

	if _, err := l.mem.WriteAt(image, int64(kernelAddr)); err != nil {
		return nil, fmt.Errorf("guestloader: stage kernel: %w", err)
	}
	if _, err := l.mem.WriteAt(patched, int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("guestloader: stage dtb: %w", err)
	}
	if initrdLen > 0 {
		if _, err := l.mem.WriteAt(initrd, int64(initrdAddr)); err != nil {
			return nil, fmt.Errorf("guestloader: stage initrd: %w", err)
		}
	}

	if l.cache != nil {
		l.cache.CleanAndInvalidate(kernelAddr, uint64(len(image)))
		l.cache.CleanAndInvalidate(dtbAddr, uint64(len(patched)))
		if initrdLen > 0 {
			l.cache.CleanAndInvalidate(initrdAddr, initrdLen)
		}
	}

	entry, err := probe.Header.EntryPoint(kernelAddr)
	if err != nil {
		return nil, fmt.Errorf("guestloader: compute entry point: %w", err)
	}

	res := &Result{
		EntryPoint: entry,
		DTBAddr:    dtbAddr,
		KernelAddr: kernelAddr,
		KernelSize: uint64(len(image)),
		InitrdAddr: initrdAddr,
		InitrdSize: initrdLen,
	}
	res.Summary = fmt.Sprintf(
		"guest image: %d bytes @0x%x, entry=0x%x; dtb: %d bytes @0x%x; initrd: %d bytes @0x%x; cmdline=%q",
		res.KernelSize, res.KernelAddr, res.EntryPoint, len(patched), res.DTBAddr, res.InitrdSize, res.InitrdAddr, cfg.Cmdline,
	)
	l.log.Info("staged guest image", "entry", fmt.Sprintf("0x%x", res.EntryPoint), "dtb", fmt.Sprintf("0x%x", res.DTBAddr))

	return res, nil
}

func checkFits(what string, size, regionStart, nextRegionStart, ramSize uint64) error {
	if size == 0 {
		return nil
	}
	capacity := nextRegionStart - regionStart
	if size > capacity {
		return fmt.Errorf("guestloader: %s (%d bytes) exceeds its %d-byte staging window at offset 0x%x", what, size, capacity, regionStart)
	}
	if regionStart+size > ramSize {
		return fmt.Errorf("guestloader: %s overruns RAM (ram size %d, needed up to 0x%x)", what, ramSize, regionStart+size)
	}
	return nil
}

// patchChosen parses blob, adds/replaces the /chosen node's bootargs and
// linux,initrd-start/linux,initrd-end properties, and re-serializes.
func patchChosen(blob []byte, cmdline string, initrdAddr, initrdLen uint64) ([]byte, error) {
	parsed, err := dtb.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("parse device tree: %w", err)
	}
	root := parsed.Root

	chosen := findOrCreateChild(&root, "chosen")
	if chosen.Properties == nil {
		chosen.Properties = make(map[string]fdt.Property)
	}
	if cmdline != "" {
		chosen.Properties["bootargs"] = fdt.Property{Strings: []string{cmdline}}
	}
	if initrdLen > 0 {
		chosen.Properties["linux,initrd-start"] = fdt.Property{U64: []uint64{initrdAddr}}
		chosen.Properties["linux,initrd-end"] = fdt.Property{U64: []uint64{initrdAddr + initrdLen}}
	}

	return dtb.Build(root)
}

// findOrCreateChild returns a pointer directly into parent.Children so the
// caller's mutations land in the tree being serialized, appending a fresh
// node if none matches name.
func findOrCreateChild(parent *fdt.Node, name string) *fdt.Node {
	for i := range parent.Children {
		if parent.Children[i].Name == name {
			return &parent.Children[i]
		}
	}
	parent.Children = append(parent.Children, fdt.Node{Name: name, Properties: make(map[string]fdt.Property)})
	return &parent.Children[len(parent.Children)-1]
}
