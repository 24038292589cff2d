package paging

import (
	"fmt"

	"kestrel/mem"
)

// Vaddr is a virtual address.
type Vaddr uintptr

const (
	// UserAddrMax is the highest address usable by userspace; anything
	// above it is rejected at the syscall boundary and by the ELF loader.
	UserAddrMax Vaddr = 0x0000_7fff_ffff_ffff

	PhysWindowBase Vaddr = 0xffff_8000_0000_0000
	MmioRegionBase Vaddr = 0xffff_9000_0000_0000
	MmioRegionSize uint64 = 16 << 40 // 16 TiB
	KernelHeapBase Vaddr = 0xffff_a000_0000_0000
	KernelImageBase Vaddr = 0xffff_c000_0000_0000

	// higher-half PML4 index range, entries 256..511
	higherHalfStart = 256
)

func (v Vaddr) pml4Index() int { return int((v >> 39) & 0x1ff) }
func (v Vaddr) pdptIndex() int { return int((v >> 30) & 0x1ff) }
func (v Vaddr) pdIndex() int   { return int((v >> 21) & 0x1ff) }
func (v Vaddr) ptIndex() int   { return int((v >> 12) & 0x1ff) }

// AddressSpace is one process's (or the kernel's) page-table root plus the
// physical memory view and frame allocator used to populate it.
type AddressSpace struct {
	Pml4  mem.Pa
	phys  PhysMem
	alloc *mem.Allocator

	// TLBFlushes counts flush_tlb calls; exported for tests asserting that
	// every mutation is followed by a flush.
	TLBFlushes int

	ac ac
}

// NewAddressSpace wraps an existing PML4 physical address.
func NewAddressSpace(pml4 mem.Pa, phys PhysMem, alloc *mem.Allocator) *AddressSpace {
	return &AddressSpace{Pml4: pml4, phys: phys, alloc: alloc}
}

// NewKernelAddressSpace allocates and zeroes a fresh PML4 for the kernel
// itself (all 512 entries empty; the kernel populates the higher half
// directly at boot).
func NewKernelAddressSpace(phys PhysMem, alloc *mem.Allocator) *AddressSpace {
	f := alloc.Alloc()
	phys.ZeroFrame(f.Addr())
	return NewAddressSpace(f.Addr(), phys, alloc)
}

// NewUserAddressSpace allocates a fresh PML4, zeroes it, and copies the
// higher-half entries (256-511) from the kernel address space so every
// process shares the kernel's own mappings. Entries 0-255 are left empty.
func NewUserAddressSpace(kernel *AddressSpace) *AddressSpace {
	f := kernel.alloc.Alloc()
	kernel.phys.ZeroFrame(f.Addr())

	kTable := kernel.phys.ReadTable(kernel.Pml4)
	uTable := kernel.phys.ReadTable(f.Addr())
	for i := higherHalfStart; i < 512; i++ {
		uTable[i] = kTable[i]
	}
	kernel.phys.WriteTable(f.Addr(), uTable)

	return NewAddressSpace(f.Addr(), kernel.phys, kernel.alloc)
}

func (as *AddressSpace) flush(v Vaddr) {
	as.TLBFlushes++
	_ = v // tlb_flush(v) on real hardware: invlpg
}

// walk returns the L1 (page table) physical address for v, allocating
// intermediate tables as it goes when create is true. Huge-page leaves
// encountered above L1 stop the walk early and are reported via huge=true.
func (as *AddressSpace) walk(v Vaddr, create bool) (l1 mem.Pa, huge bool, ok bool) {
	table := as.phys.ReadTable(as.Pml4)
	pa, ok := as.step(table, as.Pml4, v.pml4Index(), create)
	if !ok {
		return 0, false, false
	}

	table = as.phys.ReadTable(pa)
	pdpte := table[v.pdptIndex()]
	if pdpte.Present() && pdpte&PTE_PS != 0 {
		return pa, true, true // 1GiB huge page
	}
	pa, ok = as.step(table, pa, v.pdptIndex(), create)
	if !ok {
		return 0, false, false
	}

	table = as.phys.ReadTable(pa)
	pde := table[v.pdIndex()]
	if pde.Present() && pde&PTE_PS != 0 {
		return pa, true, true // 2MiB huge page
	}
	pa, ok = as.step(table, pa, v.pdIndex(), create)
	if !ok {
		return 0, false, false
	}

	return pa, false, true
}

// step dereferences table[idx], allocating and installing a fresh
// zeroed intermediate table if it's not present and create is set.
// Intermediate tables are never marked NX.
func (as *AddressSpace) step(table *[512]PTE, tablePa mem.Pa, idx int, create bool) (mem.Pa, bool) {
	e := table[idx]
	if e.Present() {
		return e.Addr(), true
	}
	if !create {
		return 0, false
	}
	f := as.alloc.Alloc()
	as.phys.ZeroFrame(f.Addr())
	table[idx] = mkpte(f.Addr(), intermediateFlags())
	as.phys.WriteTable(tablePa, table)
	return f.Addr(), true
}

// withWP brackets table mutation; real hardware clears CR0.WP around
// the write and restores it after. Modeled as a no-op here
// since the host/test PhysMem is plain memory with no write-protect bit.
func (as *AddressSpace) withWP(fn func()) { fn() }

// MapFrame installs a single present leaf PTE mapping virtual page v to
// physical frame pa with the given permissions, allocating any missing
// intermediate tables. Pages already covered by a huge page are left
// untouched.
func (as *AddressSpace) MapFrame(v Vaddr, pa mem.Pa, perm Perm) error {
	if v%Vaddr(mem.PageSize) != 0 {
		return fmt.Errorf("paging: unaligned vaddr %#x", v)
	}
	l1, huge, ok := as.walk(v, true)
	if !ok {
		return fmt.Errorf("paging: walk failed for %#x", v)
	}
	if huge {
		return nil
	}
	as.withWP(func() {
		table := as.phys.ReadTable(l1)
		table[v.ptIndex()] = mkpte(pa, perm.leafFlags())
		as.phys.WriteTable(l1, table)
	})
	as.flush(v)
	return nil
}

// Map installs size/PageSize present leaf PTEs starting at virt, mapping
// each page to the corresponding frame in phys (which must have
// size/PageSize entries).
func (as *AddressSpace) Map(phys []mem.Pa, virt Vaddr, perm Perm) error {
	for i, pa := range phys {
		if err := as.MapFrame(virt+Vaddr(i*mem.PageSize), pa, perm); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears the L1 PTE for each page in [virt, virt+size), then walks
// back up freeing any intermediate table that becomes entirely empty.
// Returns the physical frames that were mapped, for the caller (Mapping)
// to free if it owns them.
func (as *AddressSpace) Unmap(virt Vaddr, size uint64) []mem.Pa {
	npages := size / mem.PageSize
	freed := make([]mem.Pa, 0, npages)
	for i := uint64(0); i < npages; i++ {
		v := virt + Vaddr(i*mem.PageSize)
		l1, huge, ok := as.walk(v, false)
		if !ok || huge {
			continue
		}
		table := as.phys.ReadTable(l1)
		e := table[v.ptIndex()]
		if !e.Present() {
			continue
		}
		freed = append(freed, e.Addr())
		table[v.ptIndex()] = 0
		as.phys.WriteTable(l1, table)
		as.flush(v)
		as.reclaimEmptyAncestors(v)
	}
	return freed
}

// reclaimEmptyAncestors frees the L1/L2/L3 tables on v's path if they have
// become entirely empty after an unmap.
func (as *AddressSpace) reclaimEmptyAncestors(v Vaddr) {
	pml4 := as.phys.ReadTable(as.Pml4)
	pdptPa, ok := tableEntryAddr(pml4, v.pml4Index())
	if !ok {
		return
	}
	pdpt := as.phys.ReadTable(pdptPa)
	pdPa, ok := tableEntryAddr(pdpt, v.pdptIndex())
	if !ok {
		return
	}
	pd := as.phys.ReadTable(pdPa)
	ptPa, ok := tableEntryAddr(pd, v.pdIndex())
	if !ok {
		return
	}
	pt := as.phys.ReadTable(ptPa)
	if !allEmpty(pt) {
		return
	}
	pd[v.pdIndex()] = 0
	as.phys.WriteTable(pdPa, pd)
	as.alloc.FreeAddr(ptPa)
	if !allEmpty(pd) {
		return
	}
	pdpt[v.pdptIndex()] = 0
	as.phys.WriteTable(pdptPa, pdpt)
	as.alloc.FreeAddr(pdPa)
	if !allEmpty(pdpt) {
		return
	}
	pml4[v.pml4Index()] = 0
	as.phys.WriteTable(as.Pml4, pml4)
	as.alloc.FreeAddr(pdptPa)
}

func tableEntryAddr(table *[512]PTE, idx int) (mem.Pa, bool) {
	e := table[idx]
	if !e.Present() {
		return 0, false
	}
	return e.Addr(), true
}

func allEmpty(table *[512]PTE) bool {
	for _, e := range table {
		if e.Present() {
			return false
		}
	}
	return true
}

// UpdatePermissions modifies flags on already-present L1 PTEs in
// [virt, virt+size), used to merge overlapping ELF segments: when two
// segments physically overlap, the second call upgrades permissions on
// already-mapped pages rather than remapping them.
func (as *AddressSpace) UpdatePermissions(virt Vaddr, size uint64, perm Perm) {
	npages := size / mem.PageSize
	for i := uint64(0); i < npages; i++ {
		v := virt + Vaddr(i*mem.PageSize)
		l1, huge, ok := as.walk(v, false)
		if !ok || huge {
			continue
		}
		table := as.phys.ReadTable(l1)
		e := table[v.ptIndex()]
		if !e.Present() {
			continue
		}
		table[v.ptIndex()] = mkpte(e.Addr(), perm.leafFlags())
		as.phys.WriteTable(l1, table)
		as.flush(v)
	}
}

// PhysRead and PhysWrite expose the raw frame content backing a physical
// address, for callers (package scall) copying bytes to/from a translated
// user page.
func (as *AddressSpace) PhysRead(pa mem.Pa) []byte        { return as.phys.ReadFrame(pa) }
func (as *AddressSpace) PhysWrite(pa mem.Pa, data []byte)  { as.phys.WriteFrame(pa, data) }

// Translate resolves v to its backing physical address, if mapped.
func (as *AddressSpace) Translate(v Vaddr) (mem.Pa, bool) {
	l1, huge, ok := as.walk(v, false)
	if !ok {
		return 0, false
	}
	if huge {
		return 0, false // huge-page byte offset resolution not needed by this kernel's callers
	}
	table := as.phys.ReadTable(l1)
	e := table[v.ptIndex()]
	if !e.Present() {
		return 0, false
	}
	return e.Addr(), true
}
