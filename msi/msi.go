// Package msi implements MSI-X: locating a PCI function's MSI-X
// capability, mapping its table, and binding table entries to CPU
// interrupt vectors. virtioblk/pci.go declares the MSI-X config and
// queue-vector register offsets but has nothing to walk the capability
// chain and actually program a vector; this package supplies that.
//
// Grounded on original_source/panda-kernel's msix module (message
// control parsing, table/PBA BAR+offset decoding, the addr/data/control
// table entry layout) and, for the vector pool shape, the teacher's own
// biscuit/src/msi/msi.go fixed-range allocator.
package msi

import (
	"fmt"
	"sync"

	"kestrel/mem"
	"kestrel/paging"
	"kestrel/pci"
)

// CapID is the PCI capability ID for MSI-X.
const CapID = 0x11

// Message control register bits, at capability offset 2.
const (
	ctrlEnable       = 1 << 15
	ctrlFunctionMask = 1 << 14
	ctrlTableSizeMask = 0x07FF
)

// Table entry field offsets; each entry is 16 bytes.
const (
	entryMsgAddrLo   = 0
	entryMsgAddrHi   = 4
	entryMsgData     = 8
	entryVectorCtrl  = 12
)

const entryMasked = 1 << 0

// Capability is a located and mapped MSI-X capability: the table and
// pending-bit-array windows, plus the handful of capability-space fields
// (message control) needed to enable/mask the function as a whole.
type Capability struct {
	cfg    pci.ConfigSpace
	dev    pci.Device
	offset uint8

	table     *paging.PhysicalMapping
	tableSize uint16
}

// Locate finds dev's MSI-X capability, decodes its table BAR/offset, maps
// the table, and returns a Capability ready to configure entries. It
// returns an error if dev has no MSI-X capability.
func Locate(cfg pci.ConfigSpace, dev pci.Device, as *paging.AddressSpace, mmio *paging.MmioAllocator, barPhysAddr func(bar uint8) (mem.Pa, error)) (*Capability, error) {
	capOff, ok := pci.FindCapability(cfg, dev, CapID)
	if !ok {
		return nil, fmt.Errorf("msi: device %02x:%02x.%x has no MSI-X capability", dev.Bus, dev.Dev, dev.Fn)
	}

	msgCtrl := cfg.Read16(dev.Bus, dev.Dev, dev.Fn, uint16(capOff)+2)
	tableSize := (msgCtrl & ctrlTableSizeMask) + 1

	tableOffsetBIR := cfg.Read32(dev.Bus, dev.Dev, dev.Fn, uint16(capOff)+4)
	tableBar := uint8(tableOffsetBIR & 0x7)
	tableOffset := tableOffsetBIR &^ 0x7

	barAddr, err := barPhysAddr(tableBar)
	if err != nil {
		return nil, fmt.Errorf("msi: locating BAR%d for the MSI-X table: %w", tableBar, err)
	}

	tableBytes := uint64(tableSize) * 16
	tableMapping, err := paging.MapPhysical(as, mmio, barAddr+mem.Pa(tableOffset), tableBytes)
	if err != nil {
		return nil, fmt.Errorf("msi: mapping MSI-X table: %w", err)
	}

	return &Capability{cfg: cfg, dev: dev, offset: capOff, table: tableMapping, tableSize: tableSize}, nil
}

// TableSize reports the number of configurable table entries.
func (c *Capability) TableSize() uint16 { return c.tableSize }

func (c *Capability) messageControl() uint16 {
	return c.cfg.Read16(c.dev.Bus, c.dev.Dev, c.dev.Fn, uint16(c.offset)+2)
}
func (c *Capability) setMessageControl(v uint16) {
	c.cfg.Write16(c.dev.Bus, c.dev.Dev, c.dev.Fn, uint16(c.offset)+2, v)
}

// Enable sets the MSI-X enable bit and clears the function mask so
// configured, unmasked entries start delivering interrupts.
func (c *Capability) Enable() {
	v := (c.messageControl() | ctrlEnable) &^ ctrlFunctionMask
	c.setMessageControl(v)
}

func (c *Capability) entryOffset(index uint16) uintptr { return uintptr(index) * 16 }

// ConfigureEntry points table entry index at vector, delivered to the
// Local APIC of destinationAPICID (0xFEE00000 | destinationAPICID<<12 is
// the standard message address encoding a physical, non-redirected
// destination), and unmasks it.
func (c *Capability) ConfigureEntry(index uint16, vector uint8, destinationAPICID uint8) error {
	if index >= c.tableSize {
		return fmt.Errorf("msi: entry %d out of range (table has %d entries)", index, c.tableSize)
	}
	off := c.entryOffset(index)
	msgAddr := uint32(0xFEE00000 | uint32(destinationAPICID)<<12)
	c.table.Write32(off+entryMsgAddrLo, msgAddr)
	c.table.Write32(off+entryMsgAddrHi, 0)
	c.table.Write32(off+entryMsgData, uint32(vector))
	c.table.Write32(off+entryVectorCtrl, 0) // unmasked
	return nil
}

// MaskEntry/UnmaskEntry toggle one table entry's vector-control mask bit
// without disturbing its address/data fields.
func (c *Capability) MaskEntry(index uint16) {
	off := c.entryOffset(index)
	c.table.Write32(off+entryVectorCtrl, c.table.Read32(off+entryVectorCtrl)|entryMasked)
}
func (c *Capability) UnmaskEntry(index uint16) {
	off := c.entryOffset(index)
	c.table.Write32(off+entryVectorCtrl, c.table.Read32(off+entryVectorCtrl)&^entryMasked)
}

// IsEntryMasked reports whether index's vector-control mask bit is set.
func (c *Capability) IsEntryMasked(index uint16) bool {
	return c.table.Read32(c.entryOffset(index)+entryVectorCtrl)&entryMasked != 0
}

// --- vector allocation ---

// vectorBase and vectorCount bound the pool of interrupt vectors this
// kernel reserves for device interrupts, above the CPU exception range
// (0-31) and the legacy PIC remap range, below the spurious vector at
// 0xFF.
const (
	vectorBase  = 0x40
	vectorCount = 0xF0 - vectorBase
)

// Allocator hands out unique interrupt vectors to MSI-X table entries,
// the same fixed-range, mutex-guarded shape as the teacher's
// biscuit/src/msi/msi.go Msivecs_t, generalized from a hardcoded 8-vector
// range to the kernel's full device-vector pool.
type Allocator struct {
	mu   sync.Mutex
	used [vectorCount]bool
}

// NewAllocator constructs an empty vector pool.
func NewAllocator() *Allocator { return &Allocator{} }

// Alloc reserves and returns the lowest free vector. It panics if the
// pool is exhausted, matching the teacher's own alloc-failure behavior:
// running out of device vectors is a configuration bug, not a condition
// a caller can sensibly recover from.
func (a *Allocator) Alloc() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, inUse := range a.used {
		if !inUse {
			a.used[i] = true
			return vectorBase + uint8(i)
		}
	}
	panic("msi: vector pool exhausted")
}

// Free returns vector to the pool. It panics on a double free, matching
// the teacher's own assertion that a vector is never released twice.
func (a *Allocator) Free(vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := int(vector) - vectorBase
	if i < 0 || i >= vectorCount || !a.used[i] {
		panic(fmt.Sprintf("msi: double free or invalid vector %#x", vector))
	}
	a.used[i] = false
}
