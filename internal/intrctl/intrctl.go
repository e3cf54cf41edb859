// Package intrctl drives the local APIC, the IO-APIC, and legacy PIT-based
// timer calibration (§4.E). It is grounded on
// internal/devices/amd64/chipset/{pic,pit,ioapic,timer,cmos}.go, adapted from
// the guest-facing side (emulating these controllers so a guest OS can
// program them) to the driver side (this package IS the OS programming real
// hardware): the local-APIC register layout and IO-APIC IOREGSEL/IOWIN
// window read back from internal/devices/amd64/chipset/ioapic.go, and the
// PIT channel-2/port-0x61 calibration handshake from
// internal/devices/amd64/chipset/{pit.go,port61.go}. The MADT-derived
// routing table reuses internal/acpi/config.go's own table types
// (IOAPICConfig, InterruptOverride) rather than a parallel struct set, since
// both sides describe the same MADT entries.
package intrctl

import (
	"errors"
	"log/slog"

	"github.com/trustos/trustos/internal/acpi"
	"github.com/trustos/trustos/internal/devices/amd64/chipset"
)

// PortIO is the legacy 8-bit I/O-port read/write interface the PIC and PIT
// sit behind.
type PortIO interface {
	Out(port uint16, value byte)
	In(port uint16) byte
}

// MMIO is a 32-bit-register memory-mapped window, used for both the local
// APIC and the IO-APIC's IOREGSEL/IOWIN pair.
type MMIO interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Legacy PIC ports (§4.E "mask the legacy programmable interrupt controller
// entirely").
const (
	picPrimaryDataPort   uint16 = 0x21
	picSecondaryDataPort uint16 = 0xa1
)

// Local APIC register offsets (Intel SDM layout).
const (
	apicRegTPR            uint32 = 0x80
	apicRegSVR             uint32 = 0xf0
	apicRegLVTTimer        uint32 = 0x320
	apicRegLVTLINT0        uint32 = 0x350
	apicRegLVTLINT1        uint32 = 0x360
	apicRegInitialCount    uint32 = 0x380
	apicRegCurrentCount    uint32 = 0x390
	apicRegDivideConfig    uint32 = 0x3e0

	apicSoftwareEnable uint32 = 1 << 8
	apicLVTMasked      uint32 = 1 << 16
	apicLVTPeriodic    uint32 = 1 << 17
	apicDivideBy16     uint32 = 0x3

	lvtNMIDeliveryMode uint32 = 0x4 << 8
	lvtPolarityLow     uint32 = 1 << 13
	lvtTriggerLevel    uint32 = 1 << 15
)

// Legacy PIT channel-2 calibration ports
// (internal/devices/amd64/chipset/pit.go's port layout, driver side).
const (
	pitChannel2Port uint16 = 0x42
	pitControlPort  uint16 = 0x43
	pitGatePort     uint16 = 0x61

	pitChannel2Select    byte = 0x80 // select channel 2 in the control byte
	pitAccessLoHiMode0   byte = 0x30 // access lo/hi byte, mode 0, binary
	pitGateSpeakerEnable byte = 0x01
	pitGateOutputMask    byte = 0x20
)

// ErrControllerUnavailable is returned when a required controller address is
// missing from the machine description (§4.E's failure mode: "do not enable;
// leave the system on legacy PIC and log").
var ErrControllerUnavailable = errors.New("intrctl: controller address unavailable")

// acpiPolarityActiveLow and acpiTriggerLevel decode the low nibble of a MADT
// type-2 entry's MPS INTI Flags field (ACPI spec table 5-26): bits 0-1 are
// polarity (11 = active-low), bits 2-3 are trigger mode (11 = level).
func acpiPolarityActiveLow(flags uint16) bool { return flags&0x3 == 0x3 }
func acpiTriggerLevel(flags uint16) bool      { return flags>>2&0x3 == 0x3 }

// NMISource is a MADT type-4 local-APIC-NMI entry.
type NMISource struct {
	CPU            uint8 // 0xff means "all CPUs"
	LINT           uint8 // 0 or 1
	ActiveLow      bool
	LevelTriggered bool
}

// Inventory is the MADT-derived interrupt routing table §4.E programs from,
// built directly on internal/acpi/config.go's own MADT table types.
type Inventory struct {
	IOAPICs   []acpi.IOAPICConfig
	Overrides []acpi.InterruptOverride
	NMIs      []NMISource
}

// IOAPICAddress returns the physical MMIO base address of the inventory's
// primary IO-APIC, falling back to the legacy default address
// (internal/devices/amd64/chipset.IOAPICBaseAddress) when the MADT didn't
// enumerate one.
func (inv Inventory) IOAPICAddress() uint32 {
	if len(inv.IOAPICs) > 0 {
		return inv.IOAPICs[0].Address
	}
	return uint32(chipset.IOAPICBaseAddress)
}

// isaIRQ returns the GSI an ISA IRQ routes to, honoring any override,
// defaulting to the identity mapping (ISA IRQ N -> GSI N) otherwise.
func (inv Inventory) isaIRQ(irq uint8) (gsi uint32, activeLow, levelTriggered bool) {
	for _, o := range inv.Overrides {
		if o.IRQ == irq {
			return o.GSI, acpiPolarityActiveLow(o.Flags), acpiTriggerLevel(o.Flags)
		}
	}
	return uint32(irq), false, false // default: edge, active-high
}

// Controller owns the local APIC and IO-APIC(s) for one CPU's interrupt
// routing (§4.E).
type Controller struct {
	io   PortIO
	apic MMIO
	log  *slog.Logger

	ticksPerMs uint64
}

// New creates a Controller. apic may be nil if no local-APIC MMIO window is
// available yet (Enable then fails with ErrControllerUnavailable).
func New(io PortIO, apic MMIO, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{io: io, apic: apic, log: log}
}

// MaskLegacyPIC masks both 8259A PICs entirely (§4.E step 1).
func (c *Controller) MaskLegacyPIC() {
	c.io.Out(picPrimaryDataPort, 0xff)
	c.io.Out(picSecondaryDataPort, 0xff)
	c.log.Info("legacy PIC masked", slog.String("subsystem", "intrctl"))
}

// EnableLocalAPIC enables the local APIC with the given spurious vector and
// clears task priority (§4.E step 2). Returns ErrControllerUnavailable if no
// local-APIC MMIO window was supplied at construction.
func (c *Controller) EnableLocalAPIC(spuriousVector byte) error {
	if c.apic == nil {
		c.log.Warn("no local APIC address; staying on legacy PIC",
			slog.String("subsystem", "intrctl"))
		return ErrControllerUnavailable
	}
	c.apic.Write32(apicRegTPR, 0)
	c.apic.Write32(apicRegSVR, apicSoftwareEnable|uint32(spuriousVector))
	c.log.Info("local APIC enabled", slog.String("subsystem", "intrctl"),
		slog.Int("spurious_vector", int(spuriousVector)))
	return nil
}

// CalibrateTimer programs the local timer divide-by-16, one-shot, maximum
// count, busy-waits ~10ms via the legacy PIT, then reads the remaining count
// to derive ticks-per-millisecond (§4.E step 3). busyWait10ms must block for
// approximately 10ms using the caller's time source; this package only owns
// the APIC/PIT register sequencing, not the wait itself, so it stays
// deterministically testable.
func (c *Controller) CalibrateTimer(busyWait10ms func()) (uint64, error) {
	if c.apic == nil {
		return 0, ErrControllerUnavailable
	}
	c.apic.Write32(apicRegDivideConfig, apicDivideBy16)
	c.apic.Write32(apicRegLVTTimer, apicLVTMasked)
	c.apic.Write32(apicRegInitialCount, 0xffffffff)

	busyWait10ms()

	remaining := c.apic.Read32(apicRegCurrentCount)
	elapsed := uint64(^uint32(0)) - uint64(remaining)
	c.ticksPerMs = elapsed / 10
	c.log.Info("local timer calibrated", slog.String("subsystem", "intrctl"),
		slog.Uint64("ticks_per_ms", c.ticksPerMs))
	return c.ticksPerMs, nil
}

// TicksPerMs returns the most recently calibrated local-timer rate.
func (c *Controller) TicksPerMs() uint64 { return c.ticksPerMs }

// ArmPeriodicTick starts the local timer as a periodic source at the given
// scheduling interval (§4.E step 6, "start periodic local timer at the
// scheduling interval").
func (c *Controller) ArmPeriodicTick(vector byte, intervalMs uint64) error {
	if c.apic == nil {
		return ErrControllerUnavailable
	}
	count := c.ticksPerMs * intervalMs
	if count == 0 {
		count = 1
	}
	c.apic.Write32(apicRegLVTTimer, apicLVTPeriodic|uint32(vector))
	c.apic.Write32(apicRegInitialCount, uint32(count))
	return nil
}

// ConfigureNMI programs local NMI lines from MADT type-4 entries (§4.E step
// 5).
func (c *Controller) ConfigureNMI(inv Inventory) error {
	if c.apic == nil {
		return ErrControllerUnavailable
	}
	for _, n := range inv.NMIs {
		reg := apicRegLVTLINT0
		if n.LINT == 1 {
			reg = apicRegLVTLINT1
		}
		val := lvtNMIDeliveryMode
		if n.ActiveLow {
			val |= lvtPolarityLow
		}
		if n.LevelTriggered {
			val |= lvtTriggerLevel
		}
		c.apic.Write32(reg, val)
	}
	return nil
}

// BusyWaitCalibrate is a PIT-channel-2-backed implementation of the
// busyWait10ms callback CalibrateTimer expects: it programs channel 2 for a
// one-shot count sized for 10ms at the PIT's fixed input frequency, enables
// the speaker gate, and polls the gate's OUT bit until the count expires
// (the classic BIOS busy-wait handshake,
// internal/devices/amd64/chipset/port61.go's OUT2-bit poll, adapted to the
// driver side).
func BusyWaitCalibrate(io PortIO) func() {
	const pitInputFrequency = 1193182
	const waitMs = 10
	count := uint16(pitInputFrequency * waitMs / 1000)

	return func() {
		io.Out(pitControlPort, pitChannel2Select|pitAccessLoHiMode0)
		io.Out(pitChannel2Port, byte(count))
		io.Out(pitChannel2Port, byte(count>>8))

		gate := io.In(pitGatePort)
		io.Out(pitGatePort, (gate&^pitGateOutputMask)|pitGateSpeakerEnable)

		for io.In(pitGatePort)&pitGateOutputMask == 0 {
			// Poll until channel 2's OUT line rises, i.e. the count expired.
		}
	}
}

// IOAPICWindow programs one IO-APIC's redirection table through its
// IOREGSEL/IOWIN register pair.
type IOAPICWindow struct {
	mmio    MMIO
	entries int
}

const (
	ioapicRegSelect             uint32 = 0x00
	ioapicRegWindow             uint32 = 0x10
	ioapicRedirectionTableBase  uint32 = 0x10
)

// NewIOAPICWindow wraps one IO-APIC's MMIO window, sized to entries
// redirection slots (24 is the common legacy count).
func NewIOAPICWindow(mmio MMIO, entries int) *IOAPICWindow {
	if entries <= 0 {
		entries = 24
	}
	return &IOAPICWindow{mmio: mmio, entries: entries}
}

func (w *IOAPICWindow) readRedirection(gsi uint32) uint64 {
	lowIdx := ioapicRedirectionTableBase + gsi*2
	w.mmio.Write32(ioapicRegSelect, lowIdx)
	lo := w.mmio.Read32(ioapicRegWindow)
	w.mmio.Write32(ioapicRegSelect, lowIdx+1)
	hi := w.mmio.Read32(ioapicRegWindow)
	return uint64(hi)<<32 | uint64(lo)
}

func (w *IOAPICWindow) writeRedirection(gsi uint32, value uint64) {
	lowIdx := ioapicRedirectionTableBase + gsi*2
	w.mmio.Write32(ioapicRegSelect, lowIdx)
	w.mmio.Write32(ioapicRegWindow, uint32(value))
	w.mmio.Write32(ioapicRegSelect, lowIdx+1)
	w.mmio.Write32(ioapicRegWindow, uint32(value>>32))
}

const (
	redirMaskBit     uint64 = 1 << 16
	redirTriggerBit  uint64 = 1 << 15
	redirPolarityBit uint64 = 1 << 13
)

// MaskAll masks every redirection-table entry (§4.E step 4, "start with all
// entries masked").
func (w *IOAPICWindow) MaskAll() {
	for gsi := 0; gsi < w.entries; gsi++ {
		w.writeRedirection(uint32(gsi), redirMaskBit)
	}
}

// Route programs one redirection entry for vector delivered to dest,
// honoring the inventory's ISA-IRQ-to-GSI translation and polarity/trigger
// bits, then unmasks it.
func (w *IOAPICWindow) Route(inv Inventory, isaIRQ uint8, vector, dest uint8) {
	gsi, activeLow, levelTriggered := inv.isaIRQ(isaIRQ)
	if int(gsi) >= w.entries {
		return
	}
	val := uint64(vector) | uint64(dest)<<56
	if activeLow {
		val |= redirPolarityBit
	}
	if levelTriggered {
		val |= redirTriggerBit
	}
	w.writeRedirection(gsi, val)
}

// ConfigureBaseline masks every entry, then unmasks the two baseline ISA
// devices — keyboard (IRQ 1) and pointing device (IRQ 12) — edge,
// active-high unless a MADT override says otherwise (§4.E step 4).
func ConfigureBaseline(w *IOAPICWindow, inv Inventory, keyboardVector, mouseVector, dest uint8) {
	w.MaskAll()
	w.Route(inv, 1, keyboardVector, dest)
	w.Route(inv, 12, mouseVector, dest)
}
