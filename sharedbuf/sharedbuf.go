// Package sharedbuf implements the page-backed shared buffer resource:
// its vaddr free-range allocator and the frame-backed Buffer itself.
package sharedbuf

import (
	"fmt"
	"sync"

	"kestrel/handle"
	"kestrel/mem"
	"kestrel/paging"
)

// MaxBufferSize bounds a single buffer's logical size.
const MaxBufferSize = 64 * 1024 * 1024

// FreeRanges tracks a process's unused buffer vaddr space as a sorted set
// of (vaddr -> page count) runs, with adjacent-range coalescing on free.
type FreeRanges struct {
	mu    sync.Mutex
	bases []paging.Vaddr // kept sorted, parallel to pages
	pages []uint64
}

// NewFreeRanges seeds the allocator with a single contiguous range, as
// created for every new process.
func NewFreeRanges(base paging.Vaddr, totalPages uint64) *FreeRanges {
	return &FreeRanges{bases: []paging.Vaddr{base}, pages: []uint64{totalPages}}
}

// Alloc draws the first range with at least npages pages, first-fit.
func (f *FreeRanges) Alloc(npages uint64) (paging.Vaddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pages {
		if p >= npages {
			base := f.bases[i]
			if p == npages {
				f.bases = append(f.bases[:i], f.bases[i+1:]...)
				f.pages = append(f.pages[:i], f.pages[i+1:]...)
			} else {
				f.bases[i] = base + paging.Vaddr(npages*mem.PageSize)
				f.pages[i] = p - npages
			}
			return base, true
		}
	}
	return 0, false
}

// Free returns [base, base+npages) to the pool, merging with a touching
// predecessor and/or successor range.
func (f *FreeRanges) Free(base paging.Vaddr, npages uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// insertion point keeping bases sorted
	i := 0
	for i < len(f.bases) && f.bases[i] < base {
		i++
	}
	f.bases = append(f.bases, 0)
	f.pages = append(f.pages, 0)
	copy(f.bases[i+1:], f.bases[i:])
	copy(f.pages[i+1:], f.pages[i:])
	f.bases[i] = base
	f.pages[i] = npages

	// merge with successor
	if i+1 < len(f.bases) && f.bases[i]+paging.Vaddr(f.pages[i]*mem.PageSize) == f.bases[i+1] {
		f.pages[i] += f.pages[i+1]
		f.bases = append(f.bases[:i+1], f.bases[i+2:]...)
		f.pages = append(f.pages[:i+1], f.pages[i+2:]...)
	}
	// merge with predecessor
	if i > 0 && f.bases[i-1]+paging.Vaddr(f.pages[i-1]*mem.PageSize) == f.bases[i] {
		f.pages[i-1] += f.pages[i]
		f.bases = append(f.bases[:i], f.bases[i+1:]...)
		f.pages = append(f.pages[:i], f.pages[i+1:]...)
	}
}

// NumRanges reports the number of distinct free ranges, for coalescing
// tests.
func (f *FreeRanges) NumRanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bases)
}

// Buffer is a page-aligned region of physical frames mapped into exactly
// one process's address space.
type Buffer struct {
	as     *paging.AddressSpace
	alloc  *mem.Allocator
	frames []mem.Frame
	vaddr  paging.Vaddr
	size   uint64 // logical size in bytes, <= len(frames)*PageSize
}

// Alloc computes num_pages = ceil(size/4096), allocates that many zeroed
// frames, draws a vaddr from ranges, and maps each frame individually
// user+RW at that vaddr.
func Alloc(as *paging.AddressSpace, alloc *mem.Allocator, ranges *FreeRanges, size uint64) (*Buffer, error) {
	if size == 0 || size > MaxBufferSize {
		return nil, fmt.Errorf("sharedbuf: invalid size %d", size)
	}
	npages := mem.PageCount(size)
	vaddr, ok := ranges.Alloc(npages)
	if !ok {
		return nil, fmt.Errorf("sharedbuf: no vaddr range for %d pages", npages)
	}

	frames := make([]mem.Frame, npages)
	phys := make([]mem.Pa, npages)
	for i := range frames {
		frames[i] = alloc.Alloc()
		phys[i] = frames[i].Addr()
	}
	if err := as.Map(phys, vaddr, paging.Perm{User: true, Writable: true}); err != nil {
		return nil, err
	}
	return &Buffer{as: as, alloc: alloc, frames: frames, vaddr: vaddr, size: size}, nil
}

// Vaddr returns the mapped base address.
func (b *Buffer) Vaddr() paging.Vaddr { return b.vaddr }

// Size returns the current logical size.
func (b *Buffer) Size() uint64 { return b.size }

// Pages returns the number of allocated (not necessarily all-logical)
// pages backing the buffer.
func (b *Buffer) Pages() uint64 { return uint64(len(b.frames)) }

// Resize changes the logical size. If the page count is unchanged, only
// the logical size field changes; otherwise ErrNeedsReplace is returned
// and the caller must allocate-copy-replace.
var ErrNeedsReplace = fmt.Errorf("sharedbuf: resize requires allocate-copy-replace")

func (b *Buffer) Resize(newSize uint64) error {
	if newSize == 0 || newSize > MaxBufferSize {
		return fmt.Errorf("sharedbuf: invalid size %d", newSize)
	}
	if mem.PageCount(newSize) == uint64(len(b.frames)) {
		b.size = newSize
		return nil
	}
	return ErrNeedsReplace
}

// HandleType, PollEvents, SupportedEvents, and Waker let *Buffer satisfy
// handle.Resource directly; a buffer has no readiness events of its own.
func (b *Buffer) HandleType() handle.Type  { return handle.TypeBuffer }
func (b *Buffer) PollEvents() uint32       { return 0 }
func (b *Buffer) SupportedEvents() uint32  { return 0 }
func (b *Buffer) Waker() handle.Waker      { return nil }

// Free unmaps the buffer's pages, frees its frames, and returns the vaddr
// range to ranges with coalescing.
func (b *Buffer) Free(ranges *FreeRanges) {
	b.as.Unmap(b.vaddr, uint64(len(b.frames))*mem.PageSize)
	for i := range b.frames {
		b.alloc.Free(&b.frames[i])
	}
	ranges.Free(b.vaddr, uint64(len(b.frames)))
}
