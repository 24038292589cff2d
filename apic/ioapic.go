package apic

import (
	"fmt"

	"kestrel/mem"
	"kestrel/paging"
)

// IOAPIC register indices, selected indirectly through IOREGSEL/IOWIN
// rather than addressed as flat MMIO offsets.
const (
	ioregID             = 0x00
	ioregVersion        = 0x01
	ioregArbitration    = 0x02
	ioregRedirectionBase = 0x10
)

// ioRegSelOffset and ioWinOffset are the two MMIO registers every IOAPIC
// register is reached through: write the index to IOREGSEL, then read or
// write IOWIN.
const (
	ioRegSelOffset = 0x00
	ioWinOffset    = 0x10
)

// RegionSizeIOAPIC is the size of an IOAPIC's MMIO register window.
const RegionSizeIOAPIC = 0x20

// DeliveryMode is the redirection entry's interrupt delivery mode. Like
// the teacher's enum, the values have a gap at 3 and 6 — those encodings
// are reserved by the APIC architecture, not sequential by omission.
type DeliveryMode uint8

const (
	Fixed          DeliveryMode = 0
	LowestPriority DeliveryMode = 1
	SMI            DeliveryMode = 2
	NMI            DeliveryMode = 4
	INIT           DeliveryMode = 5
	ExtINT         DeliveryMode = 7
)

// RedirectionEntry is one IOAPIC redirection table entry, unpacked into
// its constituent fields.
type RedirectionEntry struct {
	Vector              uint8
	DeliveryMode        DeliveryMode
	DestinationLogical  bool
	PolarityLow         bool
	TriggerLevel        bool
	Masked              bool
	Destination         uint8
}

// toRaw packs the entry into its low/high 32-bit halves.
func (e RedirectionEntry) toRaw() (lo, hi uint32) {
	lo = uint32(e.Vector) | uint32(e.DeliveryMode)<<8
	if e.DestinationLogical {
		lo |= 1 << 11
	}
	if e.PolarityLow {
		lo |= 1 << 13
	}
	if e.TriggerLevel {
		lo |= 1 << 15
	}
	if e.Masked {
		lo |= 1 << 16
	}
	hi = uint32(e.Destination) << 24
	return lo, hi
}

func redirectionFromRaw(lo, hi uint32) RedirectionEntry {
	return RedirectionEntry{
		Vector:             uint8(lo & 0xFF),
		DeliveryMode:       DeliveryMode((lo >> 8) & 0x7),
		DestinationLogical: lo&(1<<11) != 0,
		PolarityLow:        lo&(1<<13) != 0,
		TriggerLevel:       lo&(1<<15) != 0,
		Masked:             lo&(1<<16) != 0,
		Destination:        uint8(hi >> 24),
	}
}

// IoApic is one I/O APIC's register window. This tree only drives a
// single IOAPIC, matching the teacher's own single-IOAPIC scope (the
// first IoApic MADT entry wins; multi-IOAPIC systems are out of scope).
type IoApic struct {
	mmio *paging.PhysicalMapping
	gsiBase uint8
}

// NewIoApic wraps an already-mapped IOAPIC register window. gsiBase is
// the Global System Interrupt number the IOAPIC's redirection entry 0
// corresponds to, taken from the MADT IoApic entry.
func NewIoApic(mmio *paging.PhysicalMapping, gsiBase uint8) *IoApic {
	return &IoApic{mmio: mmio, gsiBase: gsiBase}
}

// MapIoApic draws a vaddr and maps an IOAPIC's register page at phys.
func MapIoApic(as *paging.AddressSpace, mmio *paging.MmioAllocator, phys mem.Pa, gsiBase uint8) (*IoApic, error) {
	m, err := paging.MapPhysical(as, mmio, phys, RegionSizeIOAPIC)
	if err != nil {
		return nil, fmt.Errorf("apic: mapping IOAPIC at %#x: %w", phys, err)
	}
	return NewIoApic(m, gsiBase), nil
}

func (io *IoApic) readReg(index uint8) uint32 {
	io.mmio.Write32(ioRegSelOffset, uint32(index))
	return io.mmio.Read32(ioWinOffset)
}

func (io *IoApic) writeReg(index uint8, v uint32) {
	io.mmio.Write32(ioRegSelOffset, uint32(index))
	io.mmio.Write32(ioWinOffset, v)
}

// ID returns the IOAPIC's ID field.
func (io *IoApic) ID() uint8 { return uint8((io.readReg(ioregID) >> 24) & 0xF) }

// Version returns the raw VERSION register, whose low byte is the APIC
// version and whose bits 16-23 report the highest redirection entry
// index (entry count minus one).
func (io *IoApic) Version() uint32 { return io.readReg(ioregVersion) }

// MaxRedirectionEntry reports the highest valid redirection entry index.
func (io *IoApic) MaxRedirectionEntry() uint8 { return uint8((io.Version() >> 16) & 0xFF) }

func (io *IoApic) redirRegs(irq uint8) (lo, hi uint8) {
	base := ioregRedirectionBase + irq*2
	return base, base + 1
}

// redirection reads back irq's current redirection entry.
func (io *IoApic) redirection(irq uint8) RedirectionEntry {
	loReg, hiReg := io.redirRegs(irq)
	return redirectionFromRaw(io.readReg(loReg), io.readReg(hiReg))
}

// setRedirection writes entry to irq's redirection table slot. The low
// half is written twice: first with the mask bit forced on so the entry
// never briefly reflects a half-written, potentially-unmasked state,
// then the high half, then the low half again with the caller's real
// mask bit. This ordering avoids a spurious interrupt firing mid-update.
func (io *IoApic) setRedirection(irq uint8, entry RedirectionEntry) {
	loReg, hiReg := io.redirRegs(irq)
	lo, hi := entry.toRaw()
	io.writeReg(loReg, lo|(1<<16))
	io.writeReg(hiReg, hi)
	io.writeReg(loReg, lo)
}

// ConfigureIRQ routes irq to vector on the given CPU's Local APIC (by
// physical destination, destination mode fixed/non-logical), using Fixed
// delivery and the edge/polarity the caller selects. Most legacy ISA
// interrupts are active-low, level-triggered; this is the general form
// ConfigurePCIIRQ specializes below.
func (io *IoApic) ConfigureIRQ(irq uint8, vector uint8, destAPICID uint8, levelTriggered, activeLow bool) {
	io.setRedirection(irq, RedirectionEntry{
		Vector:       vector,
		DeliveryMode: Fixed,
		PolarityLow:  activeLow,
		TriggerLevel: levelTriggered,
		Destination:  destAPICID,
		Masked:       false,
	})
}

// ConfigurePCIIRQ routes a PCI INTx line to vector. The PCI spec calls
// for level-triggered, active-low signalling, but QEMU's emulated
// virtio-pci devices work better with edge-triggered, active-high
// routing here: it avoids an interrupt storm when the driver can't
// immediately drain the used ring before the level-triggered line would
// re-assert. This quirk only applies to this synthesized environment and
// is deliberately not the PCI-spec-correct configuration.
func (io *IoApic) ConfigurePCIIRQ(irq uint8, vector uint8, destAPICID uint8) {
	io.setRedirection(irq, RedirectionEntry{
		Vector:       vector,
		DeliveryMode: Fixed,
		PolarityLow:  false,
		TriggerLevel: false,
		Destination:  destAPICID,
		Masked:       false,
	})
}

// MaskIRQ sets irq's redirection entry mask bit, re-reading the entry
// first so only the mask bit changes.
func (io *IoApic) MaskIRQ(irq uint8) {
	e := io.redirection(irq)
	e.Masked = true
	io.setRedirection(irq, e)
}

// UnmaskIRQ clears irq's redirection entry mask bit.
func (io *IoApic) UnmaskIRQ(irq uint8) {
	e := io.redirection(irq)
	e.Masked = false
	io.setRedirection(irq, e)
}
