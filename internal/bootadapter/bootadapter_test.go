package bootadapter

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/trustos/trustos/internal/dtb"
	"github.com/trustos/trustos/internal/fdt"
	"github.com/trustos/trustos/internal/machdesc"
)

// fakeGuestMemory is a minimal in-memory GuestMemory backed by a flat byte
// slice, in the style of the teacher's mockGuestMemory test fakes.
type fakeGuestMemory struct {
	base uint64
	data []byte
}

func (m *fakeGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	if start > uint64(len(m.data)) {
		return 0, bytes.ErrTooLarge
	}
	n := copy(p, m.data[start:])
	return n, nil
}

func u64Pair(addr, size uint64) []byte {
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[7-i] = byte(addr >> (8 * i))
		out[15-i] = byte(size >> (8 * i))
	}
	return out
}

func TestFromHandoffDefaultsToLegacyCom1(t *testing.T) {
	md, err := FromHandoff(HandoffInfo{
		MemoryMap: []machdesc.MemRegion{{Base: 0x10_0000, Length: 0x1000_0000}},
	})
	if err != nil {
		t.Fatalf("FromHandoff: %v", err)
	}
	if md.Console.Port != 0x3f8 || md.Platform != machdesc.PlatformPCLegacy {
		t.Fatalf("Console/Platform = %+v/%v, want COM1/pc-legacy", md.Console, md.Platform)
	}
}

func TestFromDTBMissingFallsBack(t *testing.T) {
	md, heap := FromDTB(slog.Default(), &fakeGuestMemory{}, 0, 0x1000)
	if md.Platform != machdesc.PlatformUnknown {
		t.Fatalf("Platform = %v, want Unknown on missing DTB", md.Platform)
	}
	if heap.Base != 0x1000 || heap.Size != heapSize {
		t.Fatalf("HeapLayout = %+v, want base aligned at 0x1000", heap)
	}
}

func TestFromDTBValid(t *testing.T) {
	tree := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"qemu,virt"}},
		},
		Children: []fdt.Node{
			{
				Name:       "memory@40000000",
				Properties: map[string]fdt.Property{"reg": {Bytes: u64Pair(0x4000_0000, 0x2000_0000)}},
			},
			{
				Name: "pl011@9000000",
				Properties: map[string]fdt.Property{
					"compatible": {Strings: []string{"arm,pl011"}},
					"reg":        {Bytes: u64Pair(0x0900_0000, 0x1000)},
				},
			},
		},
	}
	blob, err := dtb.Build(tree)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mem := &fakeGuestMemory{base: 0x8000_0000, data: blob}

	md, _ := FromDTB(slog.Default(), mem, 0x8000_0000, 0x100_0000)
	if md.Platform != machdesc.PlatformQemuVirtArm {
		t.Fatalf("Platform = %v, want qemu-virt-arm", md.Platform)
	}
	if len(md.RAM) != 1 || md.RAM[0].Base != 0x4000_0000 {
		t.Fatalf("RAM = %+v", md.RAM)
	}
}
