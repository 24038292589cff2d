package ext2

import (
	"encoding/binary"
	"sync"

	"kestrel/ekind"
)

// BlockDevice is the whole-block synchronous view ext2 needs underneath
// it: read or write exactly one filesystem-sized block. NewBlockDevice
// in blockdev.go adapts a virtioblk.Device to this shape.
type BlockDevice interface {
	BlockSize() uint32
	ReadBlock(block uint32, buf []byte) error
	WriteBlock(block uint32, buf []byte) error
}

// Fs is a mounted ext2 filesystem: the decoded superblock and block
// group descriptor table, kept in memory and written back to dev on
// every mutation.
type Fs struct {
	dev BlockDevice

	mu          sync.RWMutex
	superblock  *Superblock
	blockGroups []BlockGroupDescriptor

	// allocLock serializes the full read-modify-write-metadata sequence
	// of alloc_block/free_block/alloc_inode/free_inode, the Go
	// equivalent of the original's async alloc_lock: two concurrent
	// allocations must never observe and claim the same free bit.
	allocLock sync.Mutex
}

const bgdTableOffset = 1 // the BGD table starts one block after first_data_block

// Mount reads the superblock and block group descriptor table off dev.
func Mount(dev BlockDevice) (*Fs, error) {
	sbBuf := make([]byte, superblockBytes)
	if err := readBytes(dev, superblockBytes, sbBuf); err != nil {
		return nil, err
	}
	sb := decodeSuperblock(sbBuf)
	if sb.Magic != 0xEF53 {
		return nil, ekind.New(ekind.IoError)
	}

	f := &Fs{dev: dev, superblock: sb}

	groups := sb.BlockGroupCount()
	bgdPerBlock := sb.BlockSize() / bgdSize
	bgdStart := sb.FirstDataBlock + bgdTableOffset
	blockBuf := make([]byte, sb.BlockSize())
	f.blockGroups = make([]BlockGroupDescriptor, groups)

	var loaded uint32
	for loaded < groups {
		blockIdx := bgdStart + loaded/bgdPerBlock
		if err := dev.ReadBlock(blockIdx, blockBuf); err != nil {
			return nil, err
		}
		for off := (loaded % bgdPerBlock) * bgdSize; off+bgdSize <= sb.BlockSize() && loaded < groups; off += bgdSize {
			f.blockGroups[loaded] = decodeBGD(blockBuf[off:])
			loaded++
		}
	}
	return f, nil
}

func (f *Fs) blockSize() uint32 { return f.superblock.BlockSize() }

func (f *Fs) blocksCount() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.superblock.BlocksCount
}

func (f *Fs) inodesPerGroup() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.superblock.InodesPerGroup
}

// readBytes reads out of the block containing byteOffset; out must not
// cross a block boundary.
func readBytes(dev BlockDevice, byteOffset uint32, out []byte) error {
	bs := dev.BlockSize()
	block := byteOffset / bs
	within := byteOffset % bs
	if within+uint32(len(out)) > bs {
		return ekind.New(ekind.IoError)
	}
	buf := make([]byte, bs)
	if err := dev.ReadBlock(block, buf); err != nil {
		return err
	}
	copy(out, buf[within:within+uint32(len(out))])
	return nil
}

func writeBytes(dev BlockDevice, byteOffset uint32, data []byte) error {
	bs := dev.BlockSize()
	block := byteOffset / bs
	within := byteOffset % bs
	if within+uint32(len(data)) > bs {
		return ekind.New(ekind.IoError)
	}
	buf := make([]byte, bs)
	if err := dev.ReadBlock(block, buf); err != nil {
		return err
	}
	copy(buf[within:], data)
	return dev.WriteBlock(block, buf)
}

func (f *Fs) writeSuperblock() error {
	f.mu.RLock()
	buf := make([]byte, superblockBytes)
	encodeSuperblock(f.superblock, buf)
	f.mu.RUnlock()
	return writeBytes(f.dev, superblockBytes, buf)
}

func (f *Fs) writeBlockGroupDescriptor(group uint32) error {
	f.mu.RLock()
	bs := f.superblock.BlockSize()
	bgdPerBlock := bs / bgdSize
	bgdStart := f.superblock.FirstDataBlock + bgdTableOffset
	bgd := f.blockGroups[group]
	f.mu.RUnlock()

	blockIdx := bgdStart + group/bgdPerBlock
	off := (group % bgdPerBlock) * bgdSize

	buf := make([]byte, bs)
	if err := f.dev.ReadBlock(blockIdx, buf); err != nil {
		return err
	}
	encodeBGD(bgd, buf[off:])
	return f.dev.WriteBlock(blockIdx, buf)
}

// inodeLocation returns the block and in-block byte offset of ino's
// on-disk record.
func (f *Fs) inodeLocation(ino uint32) (block, offset uint32) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inodesPerGroup := f.superblock.InodesPerGroup
	group := (ino - 1) / inodesPerGroup
	index := (ino - 1) % inodesPerGroup
	bgd := f.blockGroups[group]
	inodeSize := f.superblock.InodeSize()
	byteOff := index * inodeSize
	return bgd.InodeTable + byteOff/f.superblock.BlockSize(), byteOff % f.superblock.BlockSize()
}

func (f *Fs) readInode(ino uint32) (*Inode, error) {
	block, off := f.inodeLocation(ino)
	buf := make([]byte, f.blockSize())
	if err := f.dev.ReadBlock(block, buf); err != nil {
		return nil, err
	}
	return decodeInode(buf[off : off+inodeRecordSize]), nil
}

func (f *Fs) writeInode(ino uint32, in *Inode) error {
	block, off := f.inodeLocation(ino)
	buf := make([]byte, f.blockSize())
	if err := f.dev.ReadBlock(block, buf); err != nil {
		return err
	}
	encodeInode(in, buf[off:off+inodeRecordSize])
	return f.dev.WriteBlock(block, buf)
}

const directBlocks = 12

func (f *Fs) pointersPerBlock() uint32 { return f.blockSize() / 4 }

// getBlock returns the physical block number backing logical block idx
// within in, or 0 for an unallocated (sparse) block. Only direct blocks
// and a single level of indirection are supported.
func (f *Fs) getBlock(in *Inode, idx uint32) (uint32, error) {
	if idx < directBlocks {
		return in.Block[idx], nil
	}
	idx -= directBlocks
	if idx >= f.pointersPerBlock() {
		return 0, ekind.New(ekind.NotSupported)
	}
	indirect := in.Block[12]
	if indirect == 0 {
		return 0, nil
	}
	buf := make([]byte, f.blockSize())
	if err := f.dev.ReadBlock(indirect, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[idx*4:]), nil
}

// setBlockNumber records block as the backing store for logical block
// idx within in, allocating the single indirect block on first use.
// Returns the count of additional metadata blocks consumed (0 or 1).
func (f *Fs) setBlockNumber(in *Inode, idx uint32, block uint32) (uint32, error) {
	if idx < directBlocks {
		in.Block[idx] = block
		return 0, nil
	}
	idx -= directBlocks
	if idx >= f.pointersPerBlock() {
		return 0, ekind.New(ekind.NotSupported)
	}

	metaBlocks := uint32(0)
	if in.Block[12] == 0 {
		ib, err := f.allocBlock()
		if err != nil {
			return 0, err
		}
		in.Block[12] = ib
		metaBlocks = 1
		if err := f.dev.WriteBlock(ib, make([]byte, f.blockSize())); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, f.blockSize())
	if err := f.dev.ReadBlock(in.Block[12], buf); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[idx*4:], block)
	if err := f.dev.WriteBlock(in.Block[12], buf); err != nil {
		return 0, err
	}
	return metaBlocks, nil
}
