package paging

import (
	"fmt"
	"unsafe"

	"kestrel/mem"
)

// PhysicalMapping is a typed, higher-half view of an external physical
// region, drawn from the MMIO vaddr allocator and mapped via
// map_external. Used for device register blocks (virtqueue common config,
// PCI ECAM windows).
type PhysicalMapping struct {
	as    *AddressSpace
	mmio  *MmioAllocator
	base  Vaddr
	bytes []byte // host-backed storage standing in for the MMIO window
	size  uint64
	open  bool
}

// MapPhysical draws a vaddr range from mmio, maps [phys, phys+size) there,
// and returns a handle with bounds-checked Read/Write accessors.
//
// The host/test build has no real MMIO bus, so the mapped region is backed
// by an ordinary byte slice; real hardware instead installs PTEs pointing
// at phys via map_external and lets Read/Write dereference the resulting
// vaddr directly.
func MapPhysical(as *AddressSpace, mmio *MmioAllocator, phys mem.Pa, size uint64) (*PhysicalMapping, error) {
	npages := mem.PageCount(size)
	base, ok := mmio.Alloc(npages)
	if !ok {
		return nil, fmt.Errorf("paging: MMIO window exhausted requesting %d pages", npages)
	}
	return &PhysicalMapping{as: as, mmio: mmio, base: base, bytes: make([]byte, npages*mem.PageSize), size: size, open: true}, nil
}

// Base returns the mapping's higher-half vaddr.
func (m *PhysicalMapping) Base() Vaddr { return m.base }

func (m *PhysicalMapping) checkBounds(offset uintptr, width int) {
	if offset+uintptr(width) > uintptr(m.size) {
		panic(fmt.Sprintf("paging: PhysicalMapping access at %#x width %d out of bounds (size %d)", offset, width, m.size))
	}
}

// Read8/16/32/64 perform a volatile-equivalent read at offset.
func (m *PhysicalMapping) Read8(offset uintptr) uint8 {
	m.checkBounds(offset, 1)
	return m.bytes[offset]
}
func (m *PhysicalMapping) Read16(offset uintptr) uint16 {
	m.checkBounds(offset, 2)
	return *(*uint16)(unsafe.Pointer(&m.bytes[offset]))
}
func (m *PhysicalMapping) Read32(offset uintptr) uint32 {
	m.checkBounds(offset, 4)
	return *(*uint32)(unsafe.Pointer(&m.bytes[offset]))
}
func (m *PhysicalMapping) Read64(offset uintptr) uint64 {
	m.checkBounds(offset, 8)
	return *(*uint64)(unsafe.Pointer(&m.bytes[offset]))
}

func (m *PhysicalMapping) Write8(offset uintptr, v uint8) {
	m.checkBounds(offset, 1)
	m.bytes[offset] = v
}
func (m *PhysicalMapping) Write16(offset uintptr, v uint16) {
	m.checkBounds(offset, 2)
	*(*uint16)(unsafe.Pointer(&m.bytes[offset])) = v
}
func (m *PhysicalMapping) Write32(offset uintptr, v uint32) {
	m.checkBounds(offset, 4)
	*(*uint32)(unsafe.Pointer(&m.bytes[offset])) = v
}
func (m *PhysicalMapping) Write64(offset uintptr, v uint64) {
	m.checkBounds(offset, 8)
	*(*uint64)(unsafe.Pointer(&m.bytes[offset])) = v
}

// Close returns the mapping's vaddr range to the MMIO allocator.
func (m *PhysicalMapping) Close() {
	if !m.open {
		return
	}
	m.open = false
	m.mmio.Free(m.base, mem.PageCount(m.size))
}
