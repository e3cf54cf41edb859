package guestloader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/trustos/trustos/internal/dtb"
	"github.com/trustos/trustos/internal/fdt"
)

type fakeMemory struct{ mem []byte }

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{mem: make([]byte, size)} }

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.mem[off:]), nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.mem[off:], p), nil
}

type fakeCache struct{ calls [][2]uint64 }

func (c *fakeCache) CleanAndInvalidate(base, length uint64) {
	c.calls = append(c.calls, [2]uint64{base, length})
}

// buildKernelImage constructs a minimal valid ARM64 Image: 64-byte header
// with the magic at offset 0x38 and a small payload appended.
func buildKernelImage(textOffset uint64, payload []byte) []byte {
	header := make([]byte, 64)
	binary.LittleEndian.PutUint64(header[8:16], textOffset)
	binary.LittleEndian.PutUint64(header[16:24], uint64(64+len(payload)))
	binary.LittleEndian.PutUint32(header[56:60], 0x644d5241)
	return append(header, payload...)
}

func buildTestDTB() []byte {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 1)
	b.AddPropertyString("model", "trustos,test-board")
	b.BeginNode("chosen")
	b.AddPropertyString("stdout-path", "/soc/uart@9000000")
	b.EndNode()
	b.BeginNode("memory@40000000")
	b.AddPropertyU64Pair("reg", 0x40000000, 0x20000000)
	b.EndNode()
	b.EndNode()
	return b.Build()
}

func TestLoadStagesAtFixedOffsets(t *testing.T) {
	mem := newFakeMemory(128 * 1024 * 1024)
	cache := &fakeCache{}
	loader := NewLoader(mem, cache, nil)

	payload := bytes.Repeat([]byte{0xCC}, 256)
	kernel := bytes.NewReader(buildKernelImage(0x80000, payload))
	dtbBlob := buildTestDTB()
	initrd := []byte("initrd-contents")

	cfg := LoadConfig{RAMBase: 0x40000000, RAMSize: 128 * 1024 * 1024, Cmdline: "console=ttyAMA0"}

	res, err := loader.Load(kernel, int64(kernel.Len()), dtbBlob, initrd, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if want := cfg.RAMBase + kernelOffset; res.KernelAddr != want {
		t.Fatalf("KernelAddr = 0x%x, want 0x%x", res.KernelAddr, want)
	}
	if want := cfg.RAMBase + kernelOffset + 0x80000; res.EntryPoint != want {
		t.Fatalf("EntryPoint = 0x%x, want 0x%x", res.EntryPoint, want)
	}
	if want := cfg.RAMBase + dtbOffset; res.DTBAddr != want {
		t.Fatalf("DTBAddr = 0x%x, want 0x%x", res.DTBAddr, want)
	}
	if want := cfg.RAMBase + initrdOffset; res.InitrdAddr != want {
		t.Fatalf("InitrdAddr = 0x%x, want 0x%x", res.InitrdAddr, want)
	}

	gotInitrd := mem.mem[res.InitrdAddr : res.InitrdAddr+uint64(len(initrd))]
	if !bytes.Equal(gotInitrd, initrd) {
		t.Fatalf("staged initrd = %q, want %q", gotInitrd, initrd)
	}

	if len(cache.calls) != 3 {
		t.Fatalf("cache maintenance calls = %d, want 3 (kernel, dtb, initrd)", len(cache.calls))
	}
}

func TestLoadPatchesChosenNode(t *testing.T) {
	mem := newFakeMemory(128 * 1024 * 1024)
	loader := NewLoader(mem, nil, nil)

	kernel := bytes.NewReader(buildKernelImage(0, nil))
	dtbBlob := buildTestDTB()
	initrd := []byte("abc")

	cfg := LoadConfig{RAMBase: 0x40000000, RAMSize: 128 * 1024 * 1024, Cmdline: "quiet"}
	res, err := loader.Load(kernel, int64(kernel.Len()), dtbBlob, initrd, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	patched := mem.mem[res.DTBAddr:]
	parsed, err := dtb.Parse(patched)
	if err != nil {
		t.Fatalf("re-parse patched dtb: %v", err)
	}
	if parsed.Bootargs != "quiet" {
		t.Fatalf("Bootargs = %q, want %q", parsed.Bootargs, "quiet")
	}
	if parsed.InitrdAddr == nil || *parsed.InitrdAddr != res.InitrdAddr {
		t.Fatalf("InitrdAddr = %v, want %d", parsed.InitrdAddr, res.InitrdAddr)
	}
	if parsed.InitrdEnd == nil || *parsed.InitrdEnd != res.InitrdAddr+uint64(len(initrd)) {
		t.Fatalf("InitrdEnd = %v, want %d", parsed.InitrdEnd, res.InitrdAddr+uint64(len(initrd)))
	}
}

func TestLoadRejectsOversizeKernel(t *testing.T) {
	mem := newFakeMemory(128 * 1024 * 1024)
	loader := NewLoader(mem, nil, nil)

	huge := make([]byte, 80*1024*1024) // bigger than the 62 MiB kernel<->dtb window
	kernel := bytes.NewReader(buildKernelImage(0, huge))
	dtbBlob := buildTestDTB()

	cfg := LoadConfig{RAMBase: 0x40000000, RAMSize: 256 * 1024 * 1024}
	if _, err := loader.Load(kernel, int64(kernel.Len()), dtbBlob, nil, cfg); err == nil {
		t.Fatal("Load: expected oversize kernel to be rejected, got nil error")
	}
}

func TestLoadWithoutInitrdSkipsChosenInitrdProps(t *testing.T) {
	mem := newFakeMemory(128 * 1024 * 1024)
	loader := NewLoader(mem, nil, nil)

	kernel := bytes.NewReader(buildKernelImage(0, nil))
	dtbBlob := buildTestDTB()

	cfg := LoadConfig{RAMBase: 0x40000000, RAMSize: 128 * 1024 * 1024}
	res, err := loader.Load(kernel, int64(kernel.Len()), dtbBlob, nil, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.InitrdSize != 0 {
		t.Fatalf("InitrdSize = %d, want 0", res.InitrdSize)
	}

	parsed, err := dtb.Parse(mem.mem[res.DTBAddr:])
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if parsed.InitrdAddr != nil {
		t.Fatal("InitrdAddr set despite no initrd being loaded")
	}
}
