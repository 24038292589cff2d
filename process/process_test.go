package process

import (
	"encoding/binary"
	"testing"

	"kestrel/handle"
	"kestrel/mem"
	"kestrel/paging"
)

func minimalELF(entry uint64, vaddr uint64, code []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	buf := make([]byte, ehdrSize+phdrSize+len(code))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // 64-bit
	buf[5] = 1 // LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2)    // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 0x3e) // x86-64
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1)    // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 5)    // R+X
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(code)))

	copy(buf[ehdrSize+phdrSize:], code)
	return buf
}

func TestExecELFCreatesProcessWithMailboxAndMappings(t *testing.T) {
	phys := paging.NewHostPhysMem()
	mem.Init(0x80000, 256, func(mem.Pa) {})
	as := paging.NewKernelAddressSpace(phys, mem.Global)

	data := minimalELF(0x1000, 0x1000, []byte{0x90, 0x90, 0xc3})
	p, err := ExecELF(as, mem.Global, phys, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Mappings) != 1 {
		t.Fatalf("Mappings = %d, want 1", len(p.Mappings))
	}
	if _, ok := as.Translate(0x1000); !ok {
		t.Fatal("entry segment page not mapped")
	}
	if _, ok := p.Handles.Get(handle.Make(handle.TypeMailbox, handle.HandleMailbox)); !ok {
		t.Fatal("default mailbox handle missing")
	}
	if p.Heap == nil || p.Stack == nil {
		t.Fatal("heap/stack mappings not created")
	}
}

func TestExecELFRejectsKernelSpaceSegment(t *testing.T) {
	phys := paging.NewHostPhysMem()
	mem.Init(0x81000, 64, func(mem.Pa) {})
	as := paging.NewKernelAddressSpace(phys, mem.Global)

	data := minimalELF(0xffff_8000_0000_0000, 0xffff_8000_0000_0000, []byte{0x90})
	if _, err := ExecELF(as, mem.Global, phys, data); err == nil {
		t.Fatal("expected InvalidElf for kernel-space segment")
	}
}

func TestSetBrkGrowsHeap(t *testing.T) {
	phys := paging.NewHostPhysMem()
	mem.Init(0x82000, 256, func(mem.Pa) {})
	as := paging.NewKernelAddressSpace(phys, mem.Global)
	data := minimalELF(0x1000, 0x1000, []byte{0x90})
	p, err := ExecELF(as, mem.Global, phys, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetBrk(mem.Global, HeapBase+paging.Vaddr(2*mem.PageSize)); err != nil {
		t.Fatal(err)
	}
	if p.Brk != HeapBase+paging.Vaddr(2*mem.PageSize) {
		t.Fatalf("Brk = %#x", p.Brk)
	}
}
