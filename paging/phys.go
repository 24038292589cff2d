package paging

import "kestrel/mem"

// PhysMem is the kernel's view of physical memory needed to walk and edit
// page tables. On real hardware this is the direct-mapped physical window
// at PHYS_WINDOW_BASE; unit tests back it with
// an ordinary Go map so the walker logic is exercised without real RAM.
type PhysMem interface {
	// ReadTable returns the 512 PTEs stored at the physical frame pa.
	ReadTable(pa mem.Pa) *[512]PTE
	// WriteTable persists table back to the physical frame pa.
	WriteTable(pa mem.Pa, table *[512]PTE)
	// ZeroFrame clears pa's entire frame.
	ZeroFrame(pa mem.Pa)
	// ReadFrame and WriteFrame access a frame's raw byte content, standing
	// in for the physical window on real hardware.
	ReadFrame(pa mem.Pa) []byte
	WriteFrame(pa mem.Pa, data []byte)
}

// HostPhysMem is a PhysMem implementation backed by ordinary Go memory,
// keyed by physical address. Used by every paging test in this repo,
// since the test binary doesn't run with its own page tables.
type HostPhysMem struct {
	tables map[mem.Pa]*[512]PTE
	frames map[mem.Pa][]byte
}

// NewHostPhysMem constructs an empty host-backed physical memory view.
func NewHostPhysMem() *HostPhysMem {
	return &HostPhysMem{tables: make(map[mem.Pa]*[512]PTE), frames: make(map[mem.Pa][]byte)}
}

func (h *HostPhysMem) ReadFrame(pa mem.Pa) []byte {
	base := mem.AlignDown(pa)
	f, ok := h.frames[base]
	if !ok {
		f = make([]byte, mem.PageSize)
		h.frames[base] = f
	}
	return f
}

func (h *HostPhysMem) WriteFrame(pa mem.Pa, data []byte) {
	f := h.ReadFrame(pa)
	copy(f, data)
}

func (h *HostPhysMem) ReadTable(pa mem.Pa) *[512]PTE {
	t, ok := h.tables[mem.AlignDown(pa)]
	if !ok {
		t = &[512]PTE{}
		h.tables[mem.AlignDown(pa)] = t
	}
	return t
}

func (h *HostPhysMem) WriteTable(pa mem.Pa, table *[512]PTE) {
	h.tables[mem.AlignDown(pa)] = table
}

func (h *HostPhysMem) ZeroFrame(pa mem.Pa) {
	h.tables[mem.AlignDown(pa)] = &[512]PTE{}
}
