// Package elf parses the ELF64 header and PT_LOAD program headers the
// kernel's loader needs. Only what the loader consumes is implemented;
// this is not a general ELF library.
package elf

import (
	"encoding/binary"
	"fmt"
)

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'
	class64                        = 2
	dataLSB                        = 1
	etExec                         = 2
	machineX8664                   = 0x3e
	ptLoad                         = 1
)

// InvalidElf reports a validation failure with a specific reason.
type InvalidElf struct{ Reason string }

func (e *InvalidElf) Error() string { return "invalid elf: " + e.Reason }

func invalid(reason string, args ...any) error {
	return &InvalidElf{Reason: fmt.Sprintf(reason, args...)}
}

// ProgramHeader is a PT_LOAD segment description.
type ProgramHeader struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func (p ProgramHeader) Writable() bool   { return p.Flags&2 != 0 }
func (p ProgramHeader) Executable() bool { return p.Flags&1 != 0 }
func (p ProgramHeader) Readable() bool   { return p.Flags&4 != 0 }

// File is the parsed subset of an ELF64 executable the loader needs.
type File struct {
	Entry    uint64
	Segments []ProgramHeader
}

const ehdrSize = 64
const phdrSize = 56

// Parse validates the ELF64 header (64-bit, little-endian, ET_EXEC,
// x86-64) and extracts every PT_LOAD program header.
func Parse(data []byte) (*File, error) {
	if len(data) < ehdrSize {
		return nil, invalid("file too small for ELF header")
	}
	if data[0] != magic0 || data[1] != magic1 || data[2] != magic2 || data[3] != magic3 {
		return nil, invalid("bad magic")
	}
	if data[4] != class64 {
		return nil, invalid("not a 64-bit ELF")
	}
	if data[5] != dataLSB {
		return nil, invalid("not little-endian")
	}

	etype := binary.LittleEndian.Uint16(data[16:18])
	if etype != etExec {
		return nil, invalid("not an executable ELF (e_type=%d)", etype)
	}
	machine := binary.LittleEndian.Uint16(data[18:20])
	if machine != machineX8664 {
		return nil, invalid("not x86-64 (e_machine=%d)", machine)
	}

	entry := binary.LittleEndian.Uint64(data[24:32])
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phentsize := binary.LittleEndian.Uint16(data[54:56])
	phnum := binary.LittleEndian.Uint16(data[56:58])

	f := &File{Entry: entry}
	for i := uint16(0); i < phnum; i++ {
		off := phoff + uint64(i)*uint64(phentsize)
		if off+phdrSize > uint64(len(data)) {
			return nil, invalid("program header %d out of bounds", i)
		}
		b := data[off : off+phdrSize]
		ph := ProgramHeader{
			Type:     binary.LittleEndian.Uint32(b[0:4]),
			Flags:    binary.LittleEndian.Uint32(b[4:8]),
			Offset:   binary.LittleEndian.Uint64(b[8:16]),
			Vaddr:    binary.LittleEndian.Uint64(b[16:24]),
			PAddr:    binary.LittleEndian.Uint64(b[24:32]),
			FileSize: binary.LittleEndian.Uint64(b[32:40]),
			MemSize:  binary.LittleEndian.Uint64(b[40:48]),
			Align:    binary.LittleEndian.Uint64(b[48:56]),
		}
		if ph.Type != ptLoad {
			continue
		}
		f.Segments = append(f.Segments, ph)
	}
	return f, nil
}

// ValidateSegment applies the five bounds rules against a PT_LOAD segment,
// given the max usable user address and the file's total size.
func ValidateSegment(ph ProgramHeader, userAddrMax, fileSize uint64) error {
	if ph.Vaddr > userAddrMax {
		return invalid("ELF segment address is in kernel space")
	}
	end := ph.Vaddr + ph.MemSize
	if end < ph.Vaddr {
		return invalid("ELF segment size overflows address space")
	}
	if end > userAddrMax+1 {
		return invalid("ELF segment extends beyond user address space")
	}
	fend := ph.Offset + ph.FileSize
	if fend < ph.Offset {
		return invalid("ELF segment file range overflows")
	}
	if fend > fileSize {
		return invalid("ELF segment file range exceeds file size")
	}
	return nil
}
