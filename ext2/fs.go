package ext2

import (
	"encoding/binary"
	"strings"

	"kestrel/ekind"
	"kestrel/handle"
	"kestrel/vfs"
)

func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// resolve walks path from the root inode, returning the final
// component's inode number and decoded record.
func (f *Fs) resolve(path string) (uint32, *Inode, error) {
	ino := uint32(rootInode)
	rec, err := f.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	for _, name := range splitPath(path) {
		if !rec.IsDir() {
			return 0, nil, ekind.New(ekind.NotDirectory)
		}
		next, _, err := f.lookupInDir(rec, name)
		if err != nil {
			return 0, nil, err
		}
		ino = next
		rec, err = f.readInode(ino)
		if err != nil {
			return 0, nil, err
		}
	}
	return ino, rec, nil
}

// resolveParent resolves path's containing directory and returns it
// alongside the final path component's name.
func (f *Fs) resolveParent(path string) (uint32, *Inode, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, nil, "", ekind.New(ekind.IsDirectory)
	}
	parentIno, parentRec, err := f.resolve("/" + strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return 0, nil, "", err
	}
	if !parentRec.IsDir() {
		return 0, nil, "", ekind.New(ekind.NotDirectory)
	}
	return parentIno, parentRec, parts[len(parts)-1], nil
}

func (f *Fs) Open(path string) (handle.VFSFile, error) {
	ino, rec, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if rec.IsDir() {
		return nil, ekind.New(ekind.IsDirectory)
	}
	return &extFile{fs: f, ino: ino}, nil
}

func (f *Fs) Stat(path string) (vfs.FileStat, error) {
	ino, rec, err := f.resolve(path)
	if err != nil {
		return vfs.FileStat{}, err
	}
	return vfs.FileStat{
		Size:   rec.Size(),
		IsDir:  rec.IsDir(),
		Mode:   uint32(rec.Mode),
		Inode:  uint64(ino),
		NLinks: uint32(rec.LinksCount),
		Mtime:  int64(rec.Mtime),
		Ctime:  int64(rec.Ctime),
		Atime:  int64(rec.Atime),
	}, nil
}

func (f *Fs) ReadDir(path string) ([]vfs.DirEntry, error) {
	_, rec, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if !rec.IsDir() {
		return nil, ekind.New(ekind.NotDirectory)
	}
	return f.listDirEntries(rec)
}

func (f *Fs) Create(path string) (handle.VFSFile, error) {
	parentIno, parentRec, name, err := f.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if _, _, err := f.lookupInDir(parentRec, name); err == nil {
		return nil, ekind.New(ekind.AlreadyExists)
	}

	guard, err := f.newInodeGuard()
	if err != nil {
		return nil, err
	}
	in := &Inode{Mode: sIFREG | 0o644, LinksCount: 1}
	if err := f.writeInode(guard.Ino(), in); err != nil {
		guard.Release()
		return nil, err
	}
	if err := f.addDirEntry(parentRec, parentIno, name, guard.Ino(), FtRegFile); err != nil {
		guard.Release()
		return nil, err
	}
	ino := guard.Consume()
	return &extFile{fs: f, ino: ino}, nil
}

func (f *Fs) Mkdir(path string) error {
	parentIno, parentRec, name, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	if _, _, err := f.lookupInDir(parentRec, name); err == nil {
		return ekind.New(ekind.AlreadyExists)
	}

	guard, err := f.newInodeGuard()
	if err != nil {
		return err
	}
	block, err := f.allocBlock()
	if err != nil {
		guard.Release()
		return err
	}

	bs := int(f.blockSize())
	buf := make([]byte, bs)
	dotLen := entrySize(1)
	writeDirEntry(buf, 0, guard.Ino(), uint16(dotLen), []byte("."), FtDir)
	writeDirEntry(buf, dotLen, parentIno, uint16(bs-dotLen), []byte(".."), FtDir)
	if err := f.dev.WriteBlock(block, buf); err != nil {
		guard.Release()
		return err
	}

	in := &Inode{Mode: sIFDIR | 0o755, LinksCount: 2}
	in.Block[0] = block
	in.SetSize(uint64(bs))
	in.Blocks = f.blockSize() / 512
	if err := f.writeInode(guard.Ino(), in); err != nil {
		guard.Release()
		return err
	}
	if err := f.addDirEntry(parentRec, parentIno, name, guard.Ino(), FtDir); err != nil {
		guard.Release()
		return err
	}
	guard.Consume()

	parentRec.LinksCount++
	return f.writeInode(parentIno, parentRec)
}

func (f *Fs) Unlink(path string) error {
	parentIno, parentRec, name, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	ino, ft, err := f.lookupInDir(parentRec, name)
	if err != nil {
		return err
	}
	if ft == FtDir {
		return ekind.New(ekind.IsDirectory)
	}
	if err := f.removeDirEntry(parentRec, name); err != nil {
		return err
	}

	in, err := f.readInode(ino)
	if err != nil {
		return err
	}
	in.LinksCount--
	if in.LinksCount == 0 {
		if err := f.freeInodeBlocks(in); err != nil {
			return err
		}
		return f.freeInode(ino)
	}
	return f.writeInode(ino, in)
}

func (f *Fs) Rmdir(path string) error {
	parentIno, parentRec, name, err := f.resolveParent(path)
	if err != nil {
		return err
	}
	ino, ft, err := f.lookupInDir(parentRec, name)
	if err != nil {
		return err
	}
	if ft != FtDir {
		return ekind.New(ekind.NotDirectory)
	}

	rec, err := f.readInode(ino)
	if err != nil {
		return err
	}
	entries, err := f.listDirEntries(rec)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return ekind.New(ekind.NotEmpty)
	}

	if err := f.removeDirEntry(parentRec, name); err != nil {
		return err
	}
	if err := f.freeInodeBlocks(rec); err != nil {
		return err
	}
	if err := f.freeInode(ino); err != nil {
		return err
	}
	parentRec.LinksCount--
	return f.writeInode(parentIno, parentRec)
}

// freeInodeBlocks releases every data block owned by in, including its
// single indirect block and everything it points to.
func (f *Fs) freeInodeBlocks(in *Inode) error {
	for i := 0; i < directBlocks; i++ {
		if in.Block[i] != 0 {
			if err := f.freeBlock(in.Block[i]); err != nil {
				return err
			}
		}
	}
	if in.Block[12] == 0 {
		return nil
	}
	buf := make([]byte, f.blockSize())
	if err := f.dev.ReadBlock(in.Block[12], buf); err != nil {
		return err
	}
	for i := uint32(0); i < f.pointersPerBlock(); i++ {
		if b := binary.LittleEndian.Uint32(buf[i*4:]); b != 0 {
			if err := f.freeBlock(b); err != nil {
				return err
			}
		}
	}
	return f.freeBlock(in.Block[12])
}

// extFile is an open view into an ext2 regular file's data blocks.
type extFile struct {
	fs  *Fs
	ino uint32
}

func (e *extFile) ReadAt(off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, ekind.New(ekind.InvalidOffset)
	}
	in, err := e.fs.readInode(e.ino)
	if err != nil {
		return 0, err
	}
	size := int64(in.Size())
	if off >= size {
		return 0, nil
	}
	if int64(len(p)) > size-off {
		p = p[:size-off]
	}

	bs := int64(e.fs.blockSize())
	buf := make([]byte, bs)
	n := 0
	for n < len(p) {
		logical := uint32((off + int64(n)) / bs)
		within := (off + int64(n)) % bs
		chunk := int(bs - within)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		phys, err := e.fs.getBlock(in, logical)
		if err != nil {
			return n, err
		}
		if phys == 0 {
			for i := 0; i < chunk; i++ {
				p[n+i] = 0
			}
		} else {
			if err := e.fs.dev.ReadBlock(phys, buf); err != nil {
				return n, err
			}
			copy(p[n:n+chunk], buf[within:within+int64(chunk)])
		}
		n += chunk
	}
	return n, nil
}

func (e *extFile) WriteAt(off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, ekind.New(ekind.InvalidOffset)
	}
	in, err := e.fs.readInode(e.ino)
	if err != nil {
		return 0, err
	}

	bs := int64(e.fs.blockSize())
	buf := make([]byte, bs)
	n := 0
	for n < len(p) {
		logical := uint32((off + int64(n)) / bs)
		within := (off + int64(n)) % bs
		chunk := int(bs - within)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		phys, err := e.fs.getBlock(in, logical)
		if err != nil {
			return n, err
		}
		if phys == 0 {
			phys, err = e.fs.allocBlock()
			if err != nil {
				return n, err
			}
			if _, err := e.fs.setBlockNumber(in, logical, phys); err != nil {
				return n, err
			}
			in.Blocks += uint32(bs) / 512
		}

		if within != 0 || chunk != int(bs) {
			if err := e.fs.dev.ReadBlock(phys, buf); err != nil {
				return n, err
			}
		}
		copy(buf[within:within+int64(chunk)], p[n:n+chunk])
		if err := e.fs.dev.WriteBlock(phys, buf); err != nil {
			return n, err
		}
		n += chunk
	}

	if newSize := uint64(off + int64(n)); newSize > in.Size() {
		in.SetSize(newSize)
	}
	if err := e.fs.writeInode(e.ino, in); err != nil {
		return n, err
	}
	return n, nil
}

func (e *extFile) HandleType() handle.Type { return handle.TypeFile }
func (e *extFile) PollEvents() uint32      { return handle.EventFileReadable }
func (e *extFile) SupportedEvents() uint32 { return handle.EventFileReadable }
func (e *extFile) Waker() handle.Waker     { return nil }
