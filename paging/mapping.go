package paging

import "kestrel/mem"

// BackingKind tags what a Mapping owns.
type BackingKind int

const (
	BackingFrames BackingKind = iota
	BackingMmio
	BackingDemandPaged
)

// Mapping owns a contiguous virtual range and, depending on backing, some
// set of physical frames. Dropping it (Close) unmaps the range and, for
// Frames and DemandPaged backing, frees any frames it owned.
type Mapping struct {
	as      *AddressSpace
	base    Vaddr
	size    uint64 // bytes, always a multiple of PageSize
	backing BackingKind
	perm    Perm

	// frames is populated (and owns its entries) only when backing ==
	// BackingFrames; it is the list of frames the constructor handed to
	// AddressSpace.Map, in page order.
	frames []mem.Frame
	closed bool
}

// NewFramesMapping allocates npages frames, maps them at base with perm,
// and returns an owning Mapping.
func NewFramesMapping(as *AddressSpace, alloc *mem.Allocator, base Vaddr, npages uint64, perm Perm) (*Mapping, error) {
	frames := make([]mem.Frame, npages)
	phys := make([]mem.Pa, npages)
	for i := range frames {
		frames[i] = alloc.Alloc()
		phys[i] = frames[i].Addr()
	}
	if err := as.Map(phys, base, perm); err != nil {
		return nil, err
	}
	return &Mapping{as: as, base: base, size: npages * mem.PageSize, backing: BackingFrames, perm: perm, frames: frames}, nil
}

// NewMmioMapping wraps an already-mapped MMIO range; Close unmaps it but
// owns no frames.
func NewMmioMapping(as *AddressSpace, base Vaddr, size uint64, perm Perm) *Mapping {
	return &Mapping{as: as, base: base, size: size, backing: BackingMmio, perm: perm}
}

// NewDemandPagedMapping reserves the virtual range [base, base+size) with
// no frames yet mapped; frames are installed lazily by the page-fault
// handler (see demand.go).
func NewDemandPagedMapping(as *AddressSpace, base Vaddr, size uint64, perm Perm) *Mapping {
	return &Mapping{as: as, base: base, size: size, backing: BackingDemandPaged, perm: perm}
}

func (m *Mapping) Base() Vaddr          { return m.base }
func (m *Mapping) Size() uint64         { return m.size }
func (m *Mapping) Backing() BackingKind { return m.backing }

// FrameAt returns the physical frame backing the pageNum'th page of a
// Frames-backed mapping. Panics for other backings, which own no frame
// list.
func (m *Mapping) FrameAt(pageNum uint64) mem.Pa {
	if m.backing != BackingFrames {
		panic("paging: FrameAt is only valid for a Frames mapping")
	}
	return m.frames[pageNum].Addr()
}

// Resize is valid only for Frames and DemandPaged backings. Shrinking frees
// the truncated tail; growing a Frames mapping allocates+maps the new
// pages, growing a DemandPaged mapping just extends the reserved range
// (frames are installed on first fault).
func (m *Mapping) Resize(alloc *mem.Allocator, newSize uint64) error {
	if m.backing == BackingMmio {
		panic("paging: Resize is invalid for an Mmio mapping")
	}
	oldPages := m.size / mem.PageSize
	newPages := newSize / mem.PageSize

	if newPages < oldPages {
		tailBase := m.base + Vaddr(newPages*mem.PageSize)
		tailSize := (oldPages - newPages) * mem.PageSize
		freed := m.as.Unmap(tailBase, tailSize)
		if m.backing == BackingFrames {
			m.frames = freeTrailingFrames(alloc, m.frames, freed, int(newPages))
		} else {
			for _, pa := range freed {
				alloc.FreeAddr(pa)
			}
		}
		m.size = newSize
		return nil
	}
	if newPages == oldPages {
		m.size = newSize
		return nil
	}
	if m.backing == BackingDemandPaged {
		m.size = newSize
		return nil
	}
	// growing a Frames mapping: allocate and map the new tail.
	grow := newPages - oldPages
	phys := make([]mem.Pa, grow)
	newFrames := make([]mem.Frame, grow)
	for i := range newFrames {
		newFrames[i] = alloc.Alloc()
		phys[i] = newFrames[i].Addr()
	}
	if err := m.as.Map(phys, m.base+Vaddr(oldPages*mem.PageSize), m.perm); err != nil {
		return err
	}
	m.frames = append(m.frames, newFrames...)
	m.size = newSize
	return nil
}

// freeTrailingFrames drops owned Frame handles whose physical address was
// actually unmapped, truncating the slice to keep.
func freeTrailingFrames(alloc *mem.Allocator, owned []mem.Frame, unmapped []mem.Pa, keep int) []mem.Frame {
	unmappedSet := make(map[mem.Pa]bool, len(unmapped))
	for _, pa := range unmapped {
		unmappedSet[pa] = true
	}
	for i := keep; i < len(owned); i++ {
		f := owned[i]
		if unmappedSet[f.Addr()] {
			alloc.Free(&owned[i])
		}
	}
	return owned[:keep]
}

// Close unmaps the mapping's virtual range and, for Frames/DemandPaged
// backing, frees every backing frame (including any installed by the
// fault handler for DemandPaged ranges). It is safe to call Close more
// than once.
func (m *Mapping) Close(alloc *mem.Allocator) {
	if m.closed {
		return
	}
	m.closed = true
	freed := m.as.Unmap(m.base, m.size)
	switch m.backing {
	case BackingMmio:
		// no frame ownership
	case BackingFrames:
		for i := range m.frames {
			alloc.Free(&m.frames[i])
		}
		m.frames = nil
	case BackingDemandPaged:
		for _, pa := range freed {
			alloc.FreeAddr(pa)
		}
	}
}
