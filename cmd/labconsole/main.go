// Command labconsole is the lab-mode harness for TrustOS: it stages an
// ARM64 guest image through internal/guestloader, wires a software-stepped
// internal/hypervisor VirtualMachine around a single emulated UART MMIO
// device, and renders the guest's console output plus the trace bus's
// recent events to the attached terminal. It is the read side of the
// original's guided "lab mode" (see SPEC_FULL.md's SUPPLEMENTED FEATURES);
// it does not execute guest instructions on real silicon — the VCPU is
// driven by a small scripted software stepper, the same shape
// internal/hypervisor's own tests use.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/trustos/trustos/internal/console"
	"github.com/trustos/trustos/internal/guestloader"
	"github.com/trustos/trustos/internal/hv"
	"github.com/trustos/trustos/internal/hypervisor"
	"github.com/trustos/trustos/internal/tracebus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "labconsole: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf rewrites bare \n to \r\n, matching cmd/cc's console writer: once
// the attached terminal is in raw mode the TTY driver no longer supplies
// the carriage return itself.
type fixCrlf struct{ w io.Writer }

func (f *fixCrlf) Write(p []byte) (int, error) {
	n, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	kernelPath := flag.String("kernel", "", "path to an ARM64 Image kernel (required)")
	dtbPath := flag.String("dtb", "", "path to a flattened device tree blob (required)")
	initrdPath := flag.String("initrd", "", "path to an initrd/initramfs image (optional)")
	cmdline := flag.String("cmdline", "console=ttyAMA0", "kernel command line")
	ramMB := flag.Uint64("ram", 256, "guest RAM size in MB")
	ramBase := flag.Uint64("ram-base", 0x4000_0000, "guest-physical RAM base address")
	cols := flag.Int("cols", 100, "console grid columns")
	rows := flag.Int("rows", 30, "console grid rows")
	uartBase := flag.Uint64("uart-base", 0x0900_0000, "guest-physical address of the emulated PL011 UART")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -kernel <path> -dtb <path> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Stage and run a guest image in the lab console.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *kernelPath == "" || *dtbPath == "" {
		flag.Usage()
		return fmt.Errorf("-kernel and -dtb are required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: level}))

	var restore func()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		state, err := term.MakeRaw(int(os.Stdout.Fd()))
		if err != nil {
			logger.Warn("could not switch terminal to raw mode", "error", err)
		} else {
			restore = func() { _ = term.Restore(int(os.Stdout.Fd()), state) }
		}
	}
	if restore != nil {
		defer restore()
	}

	kernel, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	dtbBlob, err := os.ReadFile(*dtbPath)
	if err != nil {
		return fmt.Errorf("read device tree: %w", err)
	}
	var initrd []byte
	if *initrdPath != "" {
		initrd, err = os.ReadFile(*initrdPath)
		if err != nil {
			return fmt.Errorf("read initrd: %w", err)
		}
	}

	bar := progressbar.Default(4, "staging guest image")
	mem := newGuestRAM(*ramMB * 1024 * 1024)
	bar.Add(1) // allocated guest RAM

	loader := guestloader.NewLoader(mem, nil, logger)
	bar.Add(1) // loader ready

	cfg := guestloader.LoadConfig{
		RAMBase: *ramBase,
		RAMSize: *ramMB * 1024 * 1024,
		Cmdline: *cmdline,
	}
	res, err := loader.Load(bytes.NewReader(kernel), int64(len(kernel)), dtbBlob, initrd, cfg)
	if err != nil {
		bar.Finish()
		return fmt.Errorf("stage guest: %w", err)
	}
	bar.Add(1) // staged kernel + dtb + initrd
	bar.Add(1) // ready to run
	bar.Finish()
	logger.Info("guest staged", "summary", res.Summary)

	clockStart := time.Now()
	bus := tracebus.New(1024, func() uint64 { return uint64(time.Since(clockStart).Microseconds()) })

	con := console.New(*cols, *rows, &fixCrlf{w: os.Stdout}, logger)
	defer con.Close()

	vm, err := newLabVM(logger, bus)
	if err != nil {
		return fmt.Errorf("build hypervisor: %w", err)
	}

	vcpu := vm.AddVCPU(scriptedGuestStep(res, con, bus))
	vcpu.RegisterMMIO(newUARTDevice(*uartBase, con, bus))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := vm.RunAll(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("guest run loop exited with an error", "error", err)
	}

	fmt.Fprintln(os.Stdout, "\r\n--- console snapshot ---")
	for _, line := range con.Snapshot() {
		fmt.Fprintln(os.Stdout, line+"\r")
	}

	events, _ := bus.ReadSince(0, 50)
	fmt.Fprintln(os.Stdout, "\r\n--- trace bus (hypervisor category) ---")
	for _, ev := range events {
		fmt.Fprintf(os.Stdout, "[%d] %s: %s (%d)\r\n", ev.Counter, ev.Category, ev.Payload, ev.Numeric)
	}

	return nil
}

// guestRAM is the flat []byte-backed GuestMemory internal/guestloader
// stages into; a lab-console run has no real guest to fault against, so a
// plain backing slice is enough.
type guestRAM struct{ mem []byte }

func newGuestRAM(size uint64) *guestRAM { return &guestRAM{mem: make([]byte, size)} }

func (g *guestRAM) ReadAt(p []byte, off int64) (int, error)  { return copy(p, g.mem[off:]), nil }
func (g *guestRAM) WriteAt(p []byte, off int64) (int, error) { return copy(g.mem[off:], p), nil }

// newLabVM builds a software-backed VirtualMachine. Capability is reported
// unconditionally as SVM + nested-paging present: labconsole drives its
// VCPU with a scripted software stepper rather than a real VMRUN
// trampoline, so it never actually probes host hardware.
func newLabVM(logger *slog.Logger, bus *tracebus.Bus) (*hypervisor.VirtualMachine, error) {
	cap := hypervisor.Capability{SVMSupported: true, NestedPagingSupported: true}

	var nextPhys uint64 = 0x1000
	alloc := func(size uint64) (uint64, error) {
		addr := nextPhys
		nextPhys += size
		return addr, nil
	}
	writeMSR := func(msr uint32, value uint64) error { return nil }

	return hypervisor.NewVirtualMachine(cap, alloc, writeMSR, logger)
}

// scriptedGuestStep returns a StepFunc that plays back a fixed one-step
// boot script: write the staged entry point's banner to the UART, then
// halt. It stands in for actual instruction execution, which this lab
// harness does not perform — VCPU.Run returns as soon as a dispatch call
// reports a halt, so there is no second step to script.
func scriptedGuestStep(res *guestloader.Result, con *console.Console, bus *tracebus.Bus) hypervisor.StepFunc {
	banner := fmt.Sprintf("trustos labconsole: entry=0x%x dtb=0x%x\r\n", res.EntryPoint, res.DTBAddr)
	return func(gcb *hypervisor.GuestControlBlock) (hypervisor.Exit, error) {
		bus.EmitHypervisor(int64(gcb.ASID), "boot-banner", gcb.RIP)
		if _, err := con.Write([]byte(banner)); err != nil {
			return hypervisor.Exit{}, fmt.Errorf("labconsole: write boot banner: %w", err)
		}
		return hypervisor.Exit{Reason: hypervisor.ExitHLT}, nil
	}
}

// uartDevice relays MMIO byte stores at its base address into the lab
// console, giving the scripted guest step something concrete to target —
// a minimal stand-in for a PL011 data register.
type uartDevice struct {
	base uint64
	con  *console.Console
	bus  *tracebus.Bus
}

func newUARTDevice(base uint64, con *console.Console, bus *tracebus.Bus) *uartDevice {
	return &uartDevice{base: base, con: con, bus: bus}
}

func (u *uartDevice) Init(vm hv.VirtualMachine) error { return nil }

func (u *uartDevice) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: u.base, Size: 0x1000}}
}

func (u *uartDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (u *uartDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	u.bus.Emit(tracebus.CategoryHypervisor, fmt.Sprintf("uart write %d bytes", len(data)), int64(addr))
	_, err := u.con.Write(data)
	return err
}

var _ hv.MemoryMappedIODevice = (*uartDevice)(nil)
