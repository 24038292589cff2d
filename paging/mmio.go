package paging

import (
	"sort"

	"kestrel/mem"
)

// mmioExtent is a free [base, base+pages) run of the MMIO vaddr window.
type mmioExtent struct {
	base  Vaddr
	pages uint64
}

// MmioAllocator is a first-fit allocator over the 16 TiB MMIO vaddr
// window, coalescing adjacent free extents on release.
type MmioAllocator struct {
	free []mmioExtent // kept sorted by base
}

// NewMmioAllocator constructs an allocator over the full window.
func NewMmioAllocator() *MmioAllocator {
	return &MmioAllocator{free: []mmioExtent{{base: MmioRegionBase, pages: MmioRegionSize / mem.PageSize}}}
}

// Alloc reserves the first free extent with at least npages pages and
// returns its base vaddr.
func (a *MmioAllocator) Alloc(npages uint64) (Vaddr, bool) {
	for i, ext := range a.free {
		if ext.pages >= npages {
			base := ext.base
			if ext.pages == npages {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = mmioExtent{base: ext.base + Vaddr(npages*mem.PageSize), pages: ext.pages - npages}
			}
			return base, true
		}
	}
	return 0, false
}

// Free returns [base, base+npages) to the pool, merging with an adjacent
// predecessor and/or successor extent.
func (a *MmioAllocator) Free(base Vaddr, npages uint64) {
	newExt := mmioExtent{base: base, pages: npages}
	a.free = append(a.free, newExt)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].base < a.free[j].base })

	merged := a.free[:0]
	for _, ext := range a.free {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.base+Vaddr(last.pages*mem.PageSize) == ext.base {
				last.pages += ext.pages
				continue
			}
		}
		merged = append(merged, ext)
	}
	a.free = merged
}

// FreePages reports the total number of free pages across all extents.
func (a *MmioAllocator) FreePages() uint64 {
	var n uint64
	for _, e := range a.free {
		n += e.pages
	}
	return n
}

// NumExtents reports the count of distinct free runs, for coalescing tests.
func (a *MmioAllocator) NumExtents() int { return len(a.free) }
