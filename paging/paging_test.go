package paging

import (
	"testing"

	"kestrel/mem"
)

func freshAlloc(base mem.Pa, n uint64) *mem.Allocator {
	mem.Init(base, n, func(mem.Pa) {})
	return mem.Global
}

func TestUserAddressSpaceCopiesHigherHalf(t *testing.T) {
	phys := NewHostPhysMem()
	alloc := freshAlloc(0x10000, 64)
	kernel := NewKernelAddressSpace(phys, alloc)

	kTable := phys.ReadTable(kernel.Pml4)
	kTable[300] = mkpte(0xdead000, PTE_P|PTE_W)
	phys.WriteTable(kernel.Pml4, kTable)

	user := NewUserAddressSpace(kernel)
	uTable := phys.ReadTable(user.Pml4)
	for i := 0; i < 256; i++ {
		if uTable[i].Present() {
			t.Fatalf("lower half entry %d should be empty, got %#x", i, uTable[i])
		}
	}
	if uTable[300] != kTable[300] {
		t.Fatalf("higher half entry 300 not copied: got %#x want %#x", uTable[300], kTable[300])
	}
}

func TestMapAndUnmapFrames(t *testing.T) {
	phys := NewHostPhysMem()
	alloc := freshAlloc(0x20000, 64)
	as := NewKernelAddressSpace(phys, alloc)

	m, err := NewFramesMapping(as, alloc, Vaddr(0x400000), 3, Perm{User: true, Writable: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		v := Vaddr(0x400000 + i*mem.PageSize)
		if _, ok := as.Translate(v); !ok {
			t.Fatalf("page %d not mapped", i)
		}
	}
	freeBefore := alloc.FreeCount()
	m.Close(alloc)
	for i := 0; i < 3; i++ {
		v := Vaddr(0x400000 + i*mem.PageSize)
		if _, ok := as.Translate(v); ok {
			t.Fatalf("page %d still mapped after Close", i)
		}
	}
	// Close returns the 3 data frames, and Unmap reclaims the PT, PD and
	// PDPT that mapping created once they become empty.
	if got := alloc.FreeCount(); got != freeBefore+3+3 {
		t.Fatalf("FreeCount after Close = %d, want %d", got, freeBefore+3+3)
	}
}

func TestResizeShrinkFreesTail(t *testing.T) {
	phys := NewHostPhysMem()
	alloc := freshAlloc(0x30000, 64)
	as := NewKernelAddressSpace(phys, alloc)

	m, err := NewFramesMapping(as, alloc, Vaddr(0x500000), 4, Perm{User: true, Writable: true})
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := alloc.FreeCount()
	if err := m.Resize(alloc, 2*mem.PageSize); err != nil {
		t.Fatal(err)
	}
	if got := alloc.FreeCount(); got != freeBefore+2 {
		t.Fatalf("FreeCount after shrink = %d, want %d", got, freeBefore+2)
	}
	if _, ok := as.Translate(Vaddr(0x500000 + 2*mem.PageSize)); ok {
		t.Fatal("truncated page still mapped")
	}
	if _, ok := as.Translate(Vaddr(0x500000)); !ok {
		t.Fatal("kept page was unmapped")
	}
}

func TestDemandPagerHandlesStackAndHeapOnly(t *testing.T) {
	phys := NewHostPhysMem()
	alloc := freshAlloc(0x40000, 64)
	as := NewKernelAddressSpace(phys, alloc)

	p := &Pager{as: as, alloc: alloc, StackBase: 0x7000_0000, StackMax: 0x1000, HeapBase: 0x1000_0000, Brk: 0x1000_1000}
	if !p.HandleFault(0x7000_0000) {
		t.Fatal("stack fault should succeed")
	}
	if !p.HandleFault(0x1000_0500) {
		t.Fatal("heap fault should succeed")
	}
	if p.HandleFault(0x2000_0000) {
		t.Fatal("fault outside heap/stack should fail")
	}
}

func TestMmioAllocatorFirstFitAndCoalesce(t *testing.T) {
	a := NewMmioAllocator()
	total := a.FreePages()

	b1, ok := a.Alloc(4)
	if !ok {
		t.Fatal("alloc 4 failed")
	}
	b2, ok := a.Alloc(8)
	if !ok {
		t.Fatal("alloc 8 failed")
	}
	if b2 != b1+Vaddr(4*mem.PageSize) {
		t.Fatalf("second alloc not first-fit adjacent: b1=%#x b2=%#x", b1, b2)
	}

	a.Free(b1, 4)
	a.Free(b2, 8)
	if got := a.FreePages(); got != total {
		t.Fatalf("FreePages after freeing both = %d, want %d", got, total)
	}
	if a.NumExtents() != 1 {
		t.Fatalf("expected coalesced single extent, got %d", a.NumExtents())
	}
}

func TestWithUserspaceAccessClearsOnExit(t *testing.T) {
	phys := NewHostPhysMem()
	alloc := freshAlloc(0x50000, 4)
	as := NewKernelAddressSpace(phys, alloc)

	as.WithUserspaceAccess(func() {
		if !as.ACSet() {
			t.Fatal("AC should be set inside the scope")
		}
	})
	if as.ACSet() {
		t.Fatal("AC should be clear after the scope returns")
	}

	func() {
		defer func() { recover() }()
		as.WithUserspaceAccess(func() { panic("boom") })
	}()
	if as.ACSet() {
		t.Fatal("AC should be clear even after a panic inside the scope")
	}
}
