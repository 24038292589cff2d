package bootinfo

import (
	"encoding/binary"
	"testing"
)

// appendTag appends a tagHeader(type, 8+len(payload)) followed by payload,
// padded up to the next 8-byte boundary, matching the loader stub's own
// layout.
func appendTag(b []byte, typ TagType, payload []byte) []byte {
	size := tagHeaderSize + len(payload)
	hdr := make([]byte, tagHeaderSize)
	binary.LittleEndian.PutUint32(hdr, uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size))
	b = append(b, hdr...)
	b = append(b, payload...)
	for len(b)%tagAlign != 0 {
		b = append(b, 0)
	}
	return b
}

func appendEnd(b []byte) []byte {
	return appendTag(b, TagEnd, nil)
}

func TestGetBootCmdLineParsesKeyValueAndBareTokens(t *testing.T) {
	cmdline := []byte("root=/dev/virtioblk0 quiet loglevel=3\x00")
	var b []byte
	b = appendTag(b, TagCmdLine, cmdline)
	b = appendEnd(b)
	SetBlock(b)

	kv := GetBootCmdLine()
	if kv["root"] != "/dev/virtioblk0" {
		t.Fatalf("root = %q, want /dev/virtioblk0", kv["root"])
	}
	if kv["quiet"] != "quiet" {
		t.Fatalf("quiet = %q, want bare token to map to itself", kv["quiet"])
	}
	if kv["loglevel"] != "3" {
		t.Fatalf("loglevel = %q, want 3", kv["loglevel"])
	}
}

func TestGetBootCmdLineNoTagReturnsEmptyMap(t *testing.T) {
	SetBlock(appendEnd(nil))
	kv := GetBootCmdLine()
	if len(kv) != 0 {
		t.Fatalf("GetBootCmdLine() = %v, want empty map when no cmdline tag present", kv)
	}
}

func TestVisitMemRegionsVisitsInOrderAndMarksUnknownReserved(t *testing.T) {
	payload := make([]byte, memoryMapEntrySize*2)
	binary.LittleEndian.PutUint64(payload[0:], 0x100000)
	binary.LittleEndian.PutUint64(payload[8:], 0x200000)
	binary.LittleEndian.PutUint32(payload[16:], uint32(MemAvailable))

	binary.LittleEndian.PutUint64(payload[24:], 0x300000)
	binary.LittleEndian.PutUint64(payload[32:], 0x1000)
	binary.LittleEndian.PutUint32(payload[40:], 99) // unknown type

	var b []byte
	b = appendTag(b, TagMemoryMap, payload)
	b = appendEnd(b)
	SetBlock(b)

	var seen []MemoryMapEntry
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		seen = append(seen, *e)
		return true
	})

	if len(seen) != 2 {
		t.Fatalf("VisitMemRegions visited %d entries, want 2", len(seen))
	}
	if seen[0].PhysAddress != 0x100000 || seen[0].Type != MemAvailable {
		t.Fatalf("seen[0] = %+v, want available region at 0x100000", seen[0])
	}
	if seen[1].Type != MemReserved {
		t.Fatalf("seen[1].Type = %v, want unknown type 99 mapped to MemReserved", seen[1].Type)
	}
}

func TestVisitMemRegionsStopsWhenVisitorReturnsFalse(t *testing.T) {
	payload := make([]byte, memoryMapEntrySize*3)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint64(payload[i*memoryMapEntrySize:], uint64(i)*0x1000)
		binary.LittleEndian.PutUint32(payload[i*memoryMapEntrySize+16:], uint32(MemAvailable))
	}
	var b []byte
	b = appendTag(b, TagMemoryMap, payload)
	b = appendEnd(b)
	SetBlock(b)

	count := 0
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("visitor invoked %d times, want 1 (should stop after first false)", count)
	}
}

func TestGetFramebufferInfoDecodesFields(t *testing.T) {
	payload := make([]byte, framebufferEntrySize)
	binary.LittleEndian.PutUint64(payload[0:], 0xE0000000)
	binary.LittleEndian.PutUint32(payload[8:], 4096)
	binary.LittleEndian.PutUint32(payload[12:], 1024)
	binary.LittleEndian.PutUint32(payload[16:], 768)
	payload[20] = 32

	var b []byte
	b = appendTag(b, TagFramebuffer, payload)
	b = appendEnd(b)
	SetBlock(b)

	fb := GetFramebufferInfo()
	if fb == nil {
		t.Fatal("GetFramebufferInfo() = nil, want decoded info")
	}
	if fb.PhysAddr != 0xE0000000 || fb.Pitch != 4096 || fb.Width != 1024 || fb.Height != 768 || fb.Bpp != 32 {
		t.Fatalf("GetFramebufferInfo() = %+v, want {0xE0000000 4096 1024 768 32}", *fb)
	}
}

func TestGetFramebufferInfoNoTagReturnsNil(t *testing.T) {
	SetBlock(appendEnd(nil))
	if fb := GetFramebufferInfo(); fb != nil {
		t.Fatalf("GetFramebufferInfo() = %+v, want nil when no framebuffer tag present", *fb)
	}
}
