package sharedbuf

import (
	"testing"

	"kestrel/mem"
	"kestrel/paging"
)

func setup(t *testing.T) (*paging.AddressSpace, *mem.Allocator) {
	t.Helper()
	phys := paging.NewHostPhysMem()
	mem.Init(0x90000, 256, func(mem.Pa) {})
	as := paging.NewKernelAddressSpace(phys, mem.Global)
	return as, mem.Global
}

func TestAllocMapsAndFreeUnmaps(t *testing.T) {
	as, alloc := setup(t)
	ranges := NewFreeRanges(0x7f00_0000_0000, 1024)

	buf, err := Alloc(as, alloc, ranges, 9000) // > 2 pages
	if err != nil {
		t.Fatal(err)
	}
	if buf.Pages() != 3 {
		t.Fatalf("Pages() = %d, want 3 (ceil(9000/4096))", buf.Pages())
	}
	for i := uint64(0); i < buf.Pages(); i++ {
		v := buf.Vaddr() + paging.Vaddr(i*mem.PageSize)
		if _, ok := as.Translate(v); !ok {
			t.Fatalf("page %d of buffer not mapped", i)
		}
	}
	buf.Free(ranges)
	for i := uint64(0); i < buf.Pages(); i++ {
		v := buf.Vaddr() + paging.Vaddr(i*mem.PageSize)
		if _, ok := as.Translate(v); ok {
			t.Fatalf("page %d still mapped after Free", i)
		}
	}
}

func TestResizeSamePageCountInPlace(t *testing.T) {
	as, alloc := setup(t)
	ranges := NewFreeRanges(0x7f00_0000_0000, 1024)
	buf, err := Alloc(as, alloc, ranges, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := buf.Resize(4000); err != nil {
		t.Fatal(err)
	}
	if buf.Size() != 4000 || buf.Pages() != 1 {
		t.Fatalf("Size=%d Pages=%d, want 4000/1", buf.Size(), buf.Pages())
	}
}

func TestResizeDifferentPageCountNeedsReplace(t *testing.T) {
	as, alloc := setup(t)
	ranges := NewFreeRanges(0x7f00_0000_0000, 1024)
	buf, err := Alloc(as, alloc, ranges, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := buf.Resize(9000); err != ErrNeedsReplace {
		t.Fatalf("Resize = %v, want ErrNeedsReplace", err)
	}
}

func TestFreeRangesCoalesce(t *testing.T) {
	ranges := NewFreeRanges(0, 100)
	b1, _ := ranges.Alloc(10)
	b2, _ := ranges.Alloc(10)
	if ranges.NumRanges() != 1 {
		t.Fatalf("after two allocs: %d ranges, want 1", ranges.NumRanges())
	}
	ranges.Free(b1, 10)
	ranges.Free(b2, 10)
	if ranges.NumRanges() != 1 {
		t.Fatalf("after freeing both: %d ranges, want 1 coalesced", ranges.NumRanges())
	}
}
