package paging

import "kestrel/mem"

// FaultRegion names the address-space region a page-fault address falls
// within.
type FaultRegion int

const (
	FaultFatal FaultRegion = iota
	FaultStack
	FaultHeap
)

// Pager resolves page faults against a process's stack and heap ranges,
// lazily installing zeroed frames.
type Pager struct {
	as    *AddressSpace
	alloc *mem.Allocator

	StackBase Vaddr
	StackMax  uint64
	HeapBase  Vaddr
	// Brk is the current heap break; faults above it are fatal.
	Brk Vaddr
}

// Classify reports which region addr falls in.
func (p *Pager) Classify(addr Vaddr) FaultRegion {
	if addr >= p.StackBase && addr < p.StackBase+Vaddr(p.StackMax) {
		return FaultStack
	}
	if addr >= p.HeapBase && addr < p.Brk {
		return FaultHeap
	}
	return FaultFatal
}

// HandleFault services a page fault at addr, installing a zeroed RW+user+NX
// frame if addr lies in the stack or heap range. Returns false if the
// fault is fatal for the owning process.
func (p *Pager) HandleFault(addr Vaddr) bool {
	region := p.Classify(addr)
	if region == FaultFatal {
		return false
	}
	page := Vaddr(uintptr(addr) &^ (mem.PageSize - 1))
	if _, ok := p.as.Translate(page); ok {
		// Already mapped (e.g. a second fault on the same page racing a
		// handler elsewhere); nothing to do.
		return true
	}
	f := p.alloc.Alloc()
	perm := Perm{User: true, Writable: true, Exec: false}
	if err := p.as.MapFrame(page, f.Addr(), perm); err != nil {
		p.alloc.Free(&f)
		return false
	}
	return true
}
