package usermem

import (
	"errors"
	"testing"

	"github.com/trustos/trustos/internal/machdesc"
	"github.com/trustos/trustos/internal/paging"
	"github.com/trustos/trustos/internal/physmem"
)

type flatMemory struct {
	buf []byte
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }

func testAccess(t *testing.T) *Access {
	t.Helper()
	md := &machdesc.MachineDescription{RAM: []machdesc.MemRegion{{Base: 0, Length: 16 * 1024 * 1024}}}
	frames, err := physmem.New(md)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	mem := &flatMemory{buf: make([]byte, 16*1024*1024)}
	p := paging.New(mem, frames, 1<<40)
	root, err := p.BuildKernelMapping(0, 8*1024*1024)
	if err != nil {
		t.Fatalf("BuildKernelMapping: %v", err)
	}
	frame, err := frames.AllocFrames(1, 1)
	if err != nil {
		t.Fatalf("AllocFrames: %v", err)
	}
	if err := p.MapUserPage(paging.Table{PhysAddr: root}, 0x1000, frame, paging.FlagPresent|paging.FlagUser|paging.FlagWritable); err != nil {
		t.Fatalf("MapUserPage: %v", err)
	}
	return New(p, paging.Table{PhysAddr: root})
}

func TestCopyUserIntoRejectsAboveSplit(t *testing.T) {
	a := testAccess(t)
	buf := make([]byte, 8)
	err := a.CopyUserInto(buf, UserKernelSplit)
	if !errors.Is(err, ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}
}

func TestCopyUserIntoRejectsCrossingSplit(t *testing.T) {
	a := testAccess(t)
	buf := make([]byte, 16)
	err := a.CopyUserInto(buf, UserKernelSplit-8)
	if !errors.Is(err, ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}
}

func TestWriteThenReadUser(t *testing.T) {
	a := testAccess(t)
	want := []byte("hello")
	if err := a.WriteUser(0x1000, want); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}
	got := make([]byte, len(want))
	if err := a.CopyUserInto(got, 0x1000); err != nil {
		t.Fatalf("CopyUserInto: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadUserCString(t *testing.T) {
	a := testAccess(t)
	if err := a.WriteUser(0x1000, []byte("hi\x00garbage")); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}
	s, err := a.ReadUserCString(0x1000, 64)
	if err != nil {
		t.Fatalf("ReadUserCString: %v", err)
	}
	if s != "hi" {
		t.Fatalf("s = %q, want %q", s, "hi")
	}
}

func TestReadUserZeroLength(t *testing.T) {
	a := testAccess(t)
	if err := a.CopyUserInto(nil, 0x1000); err != nil {
		t.Fatalf("CopyUserInto empty: %v", err)
	}
}
