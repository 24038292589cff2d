package ext2

import (
	"bytes"
	"testing"
)

// memDevice is an in-memory BlockDevice fake, standing in for the
// deviceAdapter/virtioblk.Device pairing used on real hardware.
type memDevice struct {
	bs     uint32
	blocks [][]byte
}

func newMemDevice(bs uint32, numBlocks int) *memDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, bs)
	}
	return &memDevice{bs: bs, blocks: blocks}
}

func (m *memDevice) BlockSize() uint32 { return m.bs }

func (m *memDevice) ReadBlock(block uint32, buf []byte) error {
	copy(buf, m.blocks[block])
	return nil
}

func (m *memDevice) WriteBlock(block uint32, buf []byte) error {
	copy(m.blocks[block], buf)
	return nil
}

const (
	testBlockSize      = 1024
	testNumBlocks      = 600
	testInodesPerGroup = 128
	testInodeTableBlk  = 5
	testInodeTableLen  = testInodesPerGroup * inodeRecordSize / testBlockSize // 16
	testDataStart      = testInodeTableBlk + testInodeTableLen               // 21
)

// buildTestImage lays out a single-block-group ext2 image by hand: a
// superblock, one block group descriptor, block/inode bitmaps, an
// inode table, and a root directory holding "." and "..".
func buildTestImage(t *testing.T) *memDevice {
	t.Helper()
	dev := newMemDevice(testBlockSize, testNumBlocks)

	sb := &Superblock{
		InodesCount:     testInodesPerGroup,
		BlocksCount:     testNumBlocks,
		FreeBlocksCount: testNumBlocks - testDataStart - 1,
		FreeInodesCount: testInodesPerGroup - 2,
		FirstDataBlock:  1,
		BlocksPerGroup:  testNumBlocks,
		InodesPerGroup:  testInodesPerGroup,
		Magic:           0xEF53,
	}
	sbBuf := make([]byte, superblockBytes)
	encodeSuperblock(sb, sbBuf)
	if err := writeBytes(dev, superblockBytes, sbBuf); err != nil {
		t.Fatalf("write superblock: %v", err)
	}

	bgd := BlockGroupDescriptor{
		BlockBitmap:     3,
		InodeBitmap:     4,
		InodeTable:      testInodeTableBlk,
		FreeBlocksCount: uint16(testNumBlocks - testDataStart - 1),
		FreeInodesCount: uint16(testInodesPerGroup - 2),
		UsedDirsCount:   1,
	}
	bgdBuf := make([]byte, testBlockSize)
	encodeBGD(bgd, bgdBuf)
	if err := dev.WriteBlock(2, bgdBuf); err != nil {
		t.Fatalf("write bgd: %v", err)
	}

	blockBitmap := make([]byte, testBlockSize)
	for i := uint32(0); i <= testDataStart; i++ {
		setBit(blockBitmap, i)
	}
	if err := dev.WriteBlock(3, blockBitmap); err != nil {
		t.Fatalf("write block bitmap: %v", err)
	}

	inodeBitmap := make([]byte, testBlockSize)
	setBit(inodeBitmap, 0) // reserved inode 1
	setBit(inodeBitmap, 1) // root inode 2
	if err := dev.WriteBlock(4, inodeBitmap); err != nil {
		t.Fatalf("write inode bitmap: %v", err)
	}

	dirBuf := make([]byte, testBlockSize)
	dotLen := entrySize(1)
	writeDirEntry(dirBuf, 0, rootInode, uint16(dotLen), []byte("."), FtDir)
	writeDirEntry(dirBuf, dotLen, rootInode, uint16(testBlockSize-dotLen), []byte(".."), FtDir)
	if err := dev.WriteBlock(testDataStart, dirBuf); err != nil {
		t.Fatalf("write root dir block: %v", err)
	}

	rootIn := &Inode{Mode: sIFDIR | 0o755, LinksCount: 2}
	rootIn.Block[0] = testDataStart
	rootIn.SetSize(testBlockSize)
	rootIn.Blocks = testBlockSize / 512

	tableBlk := make([]byte, testBlockSize)
	if err := dev.ReadBlock(testInodeTableBlk, tableBlk); err != nil {
		t.Fatalf("read inode table: %v", err)
	}
	encodeInode(rootIn, tableBlk[inodeRecordSize:2*inodeRecordSize])
	if err := dev.WriteBlock(testInodeTableBlk, tableBlk); err != nil {
		t.Fatalf("write inode table: %v", err)
	}

	return dev
}

func mustMount(t *testing.T) *Fs {
	t.Helper()
	fs, err := Mount(buildTestImage(t))
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestMountAndRootLookup(t *testing.T) {
	fs := mustMount(t)
	st, err := fs.Stat("/")
	if err != nil {
		t.Fatalf("Stat(/): %v", err)
	}
	if !st.IsDir {
		t.Fatalf("Stat(/) = %+v, want a directory", st)
	}
	if st.Inode != rootInode {
		t.Fatalf("Stat(/).Inode = %d, want %d", st.Inode, rootInode)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	fs := mustMount(t)

	f, err := fs.Create("/hello.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := f.WriteAt(0, []byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	buf := make([]byte, 32)
	n, err = f.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("ReadAt = %q, want %q", buf[:n], "hello world")
	}

	st, err := fs.Stat("/hello.txt")
	if err != nil || st.Size != 11 || st.IsDir {
		t.Fatalf("Stat(/hello.txt) = %+v, %v", st, err)
	}

	entries, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir(/): %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.txt" || entries[0].IsDir {
		t.Fatalf("ReadDir(/) = %+v, want a single hello.txt file entry", entries)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := mustMount(t)
	if _, err := fs.Create("/dup"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := fs.Create("/dup"); err == nil {
		t.Fatal("second Create with the same name should fail")
	}
}

func TestMkdirNestedCreateAndRemove(t *testing.T) {
	fs := mustMount(t)

	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	st, err := fs.Stat("/sub")
	if err != nil || !st.IsDir {
		t.Fatalf("Stat(/sub) = %+v, %v", st, err)
	}

	if _, err := fs.Create("/sub/a.txt"); err != nil {
		t.Fatalf("Create nested file: %v", err)
	}

	if err := fs.Rmdir("/sub"); err == nil {
		t.Fatal("Rmdir on a non-empty directory should fail")
	}

	if err := fs.Unlink("/sub/a.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := fs.Rmdir("/sub"); err != nil {
		t.Fatalf("Rmdir after emptying: %v", err)
	}
	if _, err := fs.Stat("/sub"); err == nil {
		t.Fatal("Stat(/sub) should fail once removed")
	}
}

func TestUnlinkOnDirectoryFails(t *testing.T) {
	fs := mustMount(t)
	if err := fs.Mkdir("/adir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Unlink("/adir"); err == nil {
		t.Fatal("Unlink on a directory should fail")
	}
}

func TestAllocFreeBlockRoundTrip(t *testing.T) {
	fs := mustMount(t)

	b1, err := fs.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	b2, err := fs.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if b1 == b2 {
		t.Fatalf("allocBlock returned %d twice", b1)
	}

	if err := fs.freeBlock(b1); err != nil {
		t.Fatalf("freeBlock: %v", err)
	}
	b3, err := fs.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if b3 != b1 {
		t.Fatalf("allocBlock after free = %d, want reused block %d", b3, b1)
	}
}

func TestInodeGuardReleaseFreesInode(t *testing.T) {
	fs := mustMount(t)
	before := fs.superblock.FreeInodesCount

	guard, err := fs.newInodeGuard()
	if err != nil {
		t.Fatalf("newInodeGuard: %v", err)
	}
	if fs.superblock.FreeInodesCount != before-1 {
		t.Fatalf("FreeInodesCount after alloc = %d, want %d", fs.superblock.FreeInodesCount, before-1)
	}

	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if fs.superblock.FreeInodesCount != before {
		t.Fatalf("FreeInodesCount after release = %d, want %d", fs.superblock.FreeInodesCount, before)
	}

	guard2, err := fs.newInodeGuard()
	if err != nil {
		t.Fatalf("newInodeGuard: %v", err)
	}
	consumedIno := guard2.Consume()
	if err := guard2.Release(); err != nil {
		t.Fatalf("Release after Consume should be a no-op, got: %v", err)
	}
	if fs.superblock.FreeInodesCount != before-1 {
		t.Fatalf("a consumed guard's inode %d must stay allocated", consumedIno)
	}
}

func TestWriteSpanningIndirectBlock(t *testing.T) {
	fs := mustMount(t)
	f, err := fs.Create("/big.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 14000 bytes needs 14 logical blocks at a 1024-byte block size,
	// two more than the 12 direct pointers hold, forcing the single
	// indirect block into play.
	content := bytes.Repeat([]byte("x"), 14000)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	if n, err := f.WriteAt(0, content); err != nil || n != len(content) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	buf := make([]byte, len(content))
	n, err := f.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf[:n], content) {
		t.Fatal("read back content does not match what was written across the indirect block")
	}

	st, err := fs.Stat("/big.bin")
	if err != nil || st.Size != uint64(len(content)) {
		t.Fatalf("Stat(/big.bin) = %+v, %v", st, err)
	}
}

func TestOpenMissingAndDirectoryMismatch(t *testing.T) {
	fs := mustMount(t)
	if _, err := fs.Open("/missing"); err == nil {
		t.Fatal("Open on a missing path should fail")
	}
	if _, err := fs.Open("/"); err == nil {
		t.Fatal("Open on a directory should fail")
	}
	if err := fs.Mkdir("/adir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Mkdir("/adir/inner/nope"); err == nil {
		t.Fatal("Mkdir through a missing intermediate directory should fail")
	}
}
