package pci

import (
	"testing"

	"kestrel/mem"
	"kestrel/paging"
)

// memConfigSpace is an in-memory ConfigSpace fake: one 4 KiB byte slice
// per populated (bus, dev, fn) slot, addressed the same way a real ECAM
// window is.
type memConfigSpace struct {
	funcs map[[3]uint8][]byte
	// bar0Mask models a BAR0 whose low address bits are hardwired to 0:
	// a write to BAR0 of a slot listed here keeps only the mask's bits.
	bar0Mask map[[3]uint8]uint32
}

func newMemConfigSpace() *memConfigSpace {
	return &memConfigSpace{funcs: map[[3]uint8][]byte{}, bar0Mask: map[[3]uint8]uint32{}}
}

func (m *memConfigSpace) slot(bus, dev, fn uint8) []byte {
	key := [3]uint8{bus, dev, fn}
	b, ok := m.funcs[key]
	if !ok {
		b = make([]byte, 4096)
		for i := 0; i < 2; i++ {
			b[i] = 0xFF // vendor ID defaults to "not present"
		}
		m.funcs[key] = b
	}
	return b
}

func (m *memConfigSpace) addDevice(bus, dev, fn uint8, vendor, device uint16) []byte {
	b := m.slot(bus, dev, fn)
	b[offVendorID], b[offVendorID+1] = byte(vendor), byte(vendor>>8)
	b[offDeviceID], b[offDeviceID+1] = byte(device), byte(device>>8)
	return b
}

func (m *memConfigSpace) Read8(bus, dev, fn uint8, off uint16) uint8 {
	key := [3]uint8{bus, dev, fn}
	b, ok := m.funcs[key]
	if !ok {
		return 0xFF
	}
	return b[off]
}
func (m *memConfigSpace) Read16(bus, dev, fn uint8, off uint16) uint16 {
	return uint16(m.Read8(bus, dev, fn, off)) | uint16(m.Read8(bus, dev, fn, off+1))<<8
}
func (m *memConfigSpace) Read32(bus, dev, fn uint8, off uint16) uint32 {
	return uint32(m.Read16(bus, dev, fn, off)) | uint32(m.Read16(bus, dev, fn, off+2))<<16
}
func (m *memConfigSpace) Write8(bus, dev, fn uint8, off uint16, v uint8) {
	m.slot(bus, dev, fn)[off] = v
}
func (m *memConfigSpace) Write16(bus, dev, fn uint8, off uint16, v uint16) {
	m.Write8(bus, dev, fn, off, uint8(v))
	m.Write8(bus, dev, fn, off+1, uint8(v>>8))
}
func (m *memConfigSpace) Write32(bus, dev, fn uint8, off uint16, v uint32) {
	if mask, ok := m.bar0Mask[[3]uint8{bus, dev, fn}]; ok && off == offBAR0 {
		v &= mask
	}
	m.Write16(bus, dev, fn, off, uint16(v))
	m.Write16(bus, dev, fn, off+2, uint16(v>>16))
}

func TestScanFindsOnlyPopulatedSlots(t *testing.T) {
	cfg := newMemConfigSpace()
	cfg.addDevice(0, 2, 0, 0x1AF4, 0x1042) // virtio-blk modern ID

	found := Scan(cfg, 0)
	if len(found) != 1 {
		t.Fatalf("Scan found %d devices, want 1", len(found))
	}
	if found[0].VendorID != 0x1AF4 || found[0].DeviceID != 0x1042 {
		t.Fatalf("Scan found %+v, want vendor 0x1AF4 device 0x1042", found[0])
	}
}

func TestBARSizeProbe32BitMemory(t *testing.T) {
	cfg := newMemConfigSpace()
	d := Device{Bus: 0, Dev: 3, Fn: 0}
	cfg.addDevice(0, 3, 0, 0x1AF4, 0x1042)
	// A 32-bit memory BAR mapped at 0xE0000000 with a 16 KiB window: bits
	// [13:0] read back as 0 once all-1s are written (size mask).
	cfg.bar0Mask[[3]uint8{0, 3, 0}] = ^uint32(16*1024 - 1)
	cfg.Write32(0, 3, 0, offBAR0, 0xE0000000)

	addr, size, is64, isIO := BAR(cfg, d, 0)
	if isIO || is64 {
		t.Fatalf("BAR decoded as isIO=%v is64=%v, want a 32-bit memory BAR", isIO, is64)
	}
	if addr != 0xE0000000 {
		t.Fatalf("BAR addr = %#x, want 0xE0000000", addr)
	}
	if size != 16*1024 {
		t.Fatalf("BAR size = %d, want 16384", size)
	}
	// The probe must restore the original BAR value.
	if got := cfg.Read32(0, 3, 0, offBAR0); got != 0xE0000000 {
		t.Fatalf("BAR register left at %#x after sizing, want restored 0xE0000000", got)
	}
}

func TestCapabilitiesWalksLinkedList(t *testing.T) {
	cfg := newMemConfigSpace()
	cfg.addDevice(0, 4, 0, 0x1AF4, 0x1042)
	cfg.Write16(0, 4, 0, offStatus, statusCapabilitiesList)
	cfg.Write8(0, 4, 0, offCapPointer, 0x40)

	// Capability 1 at 0x40: MSI-X (0x11), next at 0x50.
	cfg.Write8(0, 4, 0, 0x40, 0x11)
	cfg.Write8(0, 4, 0, 0x41, 0x50)
	// Capability 2 at 0x50: vendor-specific (0x09), end of list.
	cfg.Write8(0, 4, 0, 0x50, CapVendorSpecific)
	cfg.Write8(0, 4, 0, 0x51, 0x00)

	d := Device{Bus: 0, Dev: 4, Fn: 0}
	caps := Capabilities(cfg, d)
	if len(caps) != 2 {
		t.Fatalf("Capabilities returned %d entries, want 2", len(caps))
	}
	if caps[0].ID != 0x11 || caps[0].Offset != 0x40 {
		t.Fatalf("caps[0] = %+v, want MSI-X at 0x40", caps[0])
	}
	if caps[1].ID != CapVendorSpecific || caps[1].Offset != 0x50 {
		t.Fatalf("caps[1] = %+v, want vendor-specific at 0x50", caps[1])
	}

	if off, ok := FindCapability(cfg, d, 0x11); !ok || off != 0x40 {
		t.Fatalf("FindCapability(0x11) = (%#x, %v), want (0x40, true)", off, ok)
	}
}

func TestFindVirtioCapabilitiesDecodesCommonCfg(t *testing.T) {
	cfg := newMemConfigSpace()
	cfg.addDevice(0, 5, 0, 0x1AF4, 0x1042)
	cfg.Write16(0, 5, 0, offStatus, statusCapabilitiesList)
	cfg.Write8(0, 5, 0, offCapPointer, 0x40)

	cfg.Write8(0, 5, 0, 0x40, CapVendorSpecific)
	cfg.Write8(0, 5, 0, 0x41, 0x00)
	cfg.Write8(0, 5, 0, 0x40+vcapCfgType, uint8(VirtioCapCommonCfg))
	cfg.Write8(0, 5, 0, 0x40+vcapBar, 4)
	cfg.Write32(0, 5, 0, 0x40+vcapOffset, 0x1000)
	cfg.Write32(0, 5, 0, 0x40+vcapLength, 0x38)

	d := Device{Bus: 0, Dev: 5, Fn: 0}
	caps := FindVirtioCapabilities(cfg, d)
	if len(caps) != 1 {
		t.Fatalf("FindVirtioCapabilities returned %d entries, want 1", len(caps))
	}
	c := caps[0]
	if c.Type != VirtioCapCommonCfg || c.Bar != 4 || c.Offset != 0x1000 || c.Length != 0x38 {
		t.Fatalf("decoded cap = %+v, want common-cfg BAR4 off=0x1000 len=0x38", c)
	}
}

func freshRing(t *testing.T) *paging.PhysicalMapping {
	t.Helper()
	mem.Init(0x200000, 64, func(mem.Pa) {})
	phys := paging.NewHostPhysMem()
	as := paging.NewKernelAddressSpace(phys, mem.Global)
	mmio := paging.NewMmioAllocator()
	f := mem.Global.Alloc()
	m, err := paging.MapPhysical(as, mmio, f.Addr(), mem.PageSize)
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	return m
}

func TestSplitVirtqueueSubmitThenManualUsedCompletion(t *testing.T) {
	ring := freshRing(t)
	q, err := NewSplitVirtqueue(ring, 8, nil, 0)
	if err != nil {
		t.Fatalf("NewSplitVirtqueue: %v", err)
	}

	buf := make([]byte, 512)
	tok, err := q.Submit(3, buf, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, ok := q.PeekUsed(); ok {
		t.Fatal("PeekUsed should report nothing before the device posts a used entry")
	}

	// Simulate the device consuming avail[0] and posting used[0] =
	// {id: tok, len: 0}.
	ring.Write32(q.usedOff+4, uint32(tok))
	ring.Write16(q.usedOff+2, 1)

	gotTok, ok := q.PeekUsed()
	if !ok || gotTok != tok {
		t.Fatalf("PeekUsed = (%v, %v), want (%v, true)", gotTok, ok, tok)
	}

	status, err := q.Complete(tok, buf, true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if status != 0 {
		t.Fatalf("Complete status = %d, want 0", status)
	}
	if len(q.free) != 8 {
		t.Fatalf("free list after Complete has %d entries, want all 8 descriptors back", len(q.free))
	}
}

func TestSplitVirtqueueQueueFullAfterExhaustingDescriptors(t *testing.T) {
	ring := freshRing(t)
	q, err := NewSplitVirtqueue(ring, 4, nil, 0)
	if err != nil {
		t.Fatalf("NewSplitVirtqueue: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := q.Submit(0, buf, false); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := q.Submit(1, buf, false); err == nil {
		t.Fatal("second Submit should fail: only 4 descriptors total, and the first request's 3-descriptor chain leaves 1, too few for another chain")
	}
}
