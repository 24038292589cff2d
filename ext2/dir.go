package ext2

import (
	"encoding/binary"

	"kestrel/ekind"
	"kestrel/vfs"
)

// forEachBlock calls fn for every allocated logical block of in, in
// order. fn returns (stop, err): stop ends the walk early without
// error, err aborts it and propagates.
func (f *Fs) forEachBlock(in *Inode, fn func(logical, physical uint32) (bool, error)) error {
	bs := f.blockSize()
	total := (in.Size() + uint64(bs) - 1) / uint64(bs)
	for i := uint32(0); uint64(i) < total; i++ {
		phys, err := f.getBlock(in, i)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		stop, err := fn(i, phys)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// lookupInDir scans dirIno's entries for name, returning its inode
// number and file-type tag.
func (f *Fs) lookupInDir(dirIno *Inode, name string) (uint32, uint8, error) {
	bs := int(f.blockSize())
	buf := make([]byte, bs)
	var found uint32
	var ft uint8

	err := f.forEachBlock(dirIno, func(_, phys uint32) (bool, error) {
		if err := f.dev.ReadBlock(phys, buf); err != nil {
			return false, err
		}
		pos := 0
		for pos+dirEntryHeaderSize <= bs {
			raw := decodeDirEntry(buf[pos:])
			if raw.RecLen == 0 {
				break
			}
			if raw.Inode != 0 && int(raw.NameLen) == len(name) &&
				string(buf[pos+dirEntryHeaderSize:pos+dirEntryHeaderSize+int(raw.NameLen)]) == name {
				found, ft = raw.Inode, raw.FileType
				return true, nil
			}
			pos += int(raw.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return 0, 0, err
	}
	if found == 0 {
		return 0, 0, ekind.New(ekind.NotFound)
	}
	return found, ft, nil
}

// listDirEntries returns every live, non-dot entry of dirIno.
func (f *Fs) listDirEntries(dirIno *Inode) ([]vfs.DirEntry, error) {
	bs := int(f.blockSize())
	buf := make([]byte, bs)
	var out []vfs.DirEntry

	err := f.forEachBlock(dirIno, func(_, phys uint32) (bool, error) {
		if err := f.dev.ReadBlock(phys, buf); err != nil {
			return false, err
		}
		pos := 0
		for pos+dirEntryHeaderSize <= bs {
			raw := decodeDirEntry(buf[pos:])
			if raw.RecLen == 0 {
				break
			}
			if raw.Inode != 0 {
				name := string(buf[pos+dirEntryHeaderSize : pos+dirEntryHeaderSize+int(raw.NameLen)])
				if name != "." && name != ".." {
					out = append(out, vfs.DirEntry{Name: name, IsDir: raw.FileType == FtDir})
				}
			}
			pos += int(raw.RecLen)
		}
		return false, nil
	})
	return out, err
}

// addDirEntry inserts name -> (ino, fileType) into dirIno (whose own
// inode number is dirInoNum), reusing a deleted slot or splitting
// slack off the tail of a live entry before falling back to allocating
// a new block. Returns AlreadyExists if name is already present.
func (f *Fs) addDirEntry(dirIno *Inode, dirInoNum uint32, name string, ino uint32, fileType uint8) error {
	if _, _, err := f.lookupInDir(dirIno, name); err == nil {
		return ekind.New(ekind.AlreadyExists)
	}
	need := entrySize(len(name))
	bs := int(f.blockSize())
	buf := make([]byte, bs)
	placed := false

	err := f.forEachBlock(dirIno, func(_, phys uint32) (bool, error) {
		if err := f.dev.ReadBlock(phys, buf); err != nil {
			return false, err
		}
		pos := 0
		for pos+dirEntryHeaderSize <= bs {
			raw := decodeDirEntry(buf[pos:])
			if raw.RecLen == 0 {
				break
			}
			if raw.Inode != 0 && int(raw.NameLen) == len(name) &&
				string(buf[pos+dirEntryHeaderSize:pos+dirEntryHeaderSize+int(raw.NameLen)]) == name {
				return true, ekind.New(ekind.AlreadyExists)
			}

			if raw.Inode == 0 && int(raw.RecLen) >= need {
				writeDirEntry(buf, pos, ino, raw.RecLen, []byte(name), fileType)
				placed = true
			} else if raw.Inode != 0 {
				used := entrySize(int(raw.NameLen))
				if int(raw.RecLen)-used >= need {
					existingName := append([]byte(nil), buf[pos+dirEntryHeaderSize:pos+dirEntryHeaderSize+int(raw.NameLen)]...)
					newPos := pos + used
					newLen := int(raw.RecLen) - used
					writeDirEntry(buf, pos, raw.Inode, uint16(used), existingName, raw.FileType)
					writeDirEntry(buf, newPos, ino, uint16(newLen), []byte(name), fileType)
					placed = true
				}
			}
			if placed {
				if err := f.dev.WriteBlock(phys, buf); err != nil {
					return false, err
				}
				return true, nil
			}
			pos += int(raw.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if placed {
		return nil
	}

	block, err := f.allocBlock()
	if err != nil {
		return err
	}
	newBuf := make([]byte, bs)
	writeDirEntry(newBuf, 0, ino, uint16(bs), []byte(name), fileType)
	if err := f.dev.WriteBlock(block, newBuf); err != nil {
		return err
	}

	logicalIdx := uint32(dirIno.Size() / uint64(f.blockSize()))
	if _, err := f.setBlockNumber(dirIno, logicalIdx, block); err != nil {
		return err
	}
	dirIno.SetSize(dirIno.Size() + uint64(f.blockSize()))
	dirIno.Blocks += f.blockSize() / 512
	return f.writeInode(dirInoNum, dirIno)
}

// removeDirEntry deletes name from dirIno, merging its slot into the
// previous entry's rec_len or, if it is the first entry in its block,
// zeroing its inode field so the slot can be reused later.
func (f *Fs) removeDirEntry(dirIno *Inode, name string) error {
	bs := int(f.blockSize())
	buf := make([]byte, bs)
	removed := false

	err := f.forEachBlock(dirIno, func(_, phys uint32) (bool, error) {
		if err := f.dev.ReadBlock(phys, buf); err != nil {
			return false, err
		}
		pos := 0
		prevPos := -1
		for pos+dirEntryHeaderSize <= bs {
			raw := decodeDirEntry(buf[pos:])
			if raw.RecLen == 0 {
				break
			}
			if raw.Inode != 0 && int(raw.NameLen) == len(name) &&
				string(buf[pos+dirEntryHeaderSize:pos+dirEntryHeaderSize+int(raw.NameLen)]) == name {
				if prevPos >= 0 {
					prev := decodeDirEntry(buf[prevPos:])
					binary.LittleEndian.PutUint16(buf[prevPos+4:], prev.RecLen+raw.RecLen)
				} else {
					binary.LittleEndian.PutUint32(buf[pos:], 0)
				}
				if err := f.dev.WriteBlock(phys, buf); err != nil {
					return false, err
				}
				removed = true
				return true, nil
			}
			prevPos = pos
			pos += int(raw.RecLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return ekind.New(ekind.NotFound)
	}
	return nil
}
