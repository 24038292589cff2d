package vfs

import (
	"strings"
	"sync"

	"kestrel/ekind"
	"kestrel/handle"
)

// FileStat is the metadata returned by Filesystem.Stat, mirroring the
// subset of struct stat every backend can fill in without OS-specific
// fields kestrel has no use for.
type FileStat struct {
	Size   uint64
	IsDir  bool
	Mode   uint32
	Inode  uint64
	NLinks uint32
	Mtime  int64
	Ctime  int64
	Atime  int64
}

// DirEntry is one name returned by Filesystem.ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Filesystem is the single interface every mounted backend (ext2, tar)
// implements. Paths passed in are already the subpath relative to the
// mount point, canonical and leading with '/'. Errors are tagged
// ekind.Kind values from the {NotFound, InvalidOffset, NotReadable,
// NotWritable, NotSeekable, AlreadyExists, NoSpace, ReadOnlyFs, NotEmpty,
// IsDirectory, NotDirectory, IoError} subset.
type Filesystem interface {
	Open(path string) (handle.VFSFile, error)
	Stat(path string) (FileStat, error)
	ReadDir(path string) ([]DirEntry, error)
	Create(path string) (handle.VFSFile, error)
	Mkdir(path string) error
	Unlink(path string) error
	Rmdir(path string) error
}

// mountEntry pairs a canonical mount prefix with the filesystem serving
// it.
type mountEntry struct {
	prefix string
	fs     Filesystem
}

// MountTable is an ordered list of (canonical prefix, Filesystem),
// dispatched by longest-prefix match after canonicalization.
type MountTable struct {
	mu     sync.RWMutex
	mounts []mountEntry
}

// NewMountTable constructs an empty mount table.
func NewMountTable() *MountTable { return &MountTable{} }

// Mount registers fs at prefix. Later registrations with a longer
// matching prefix win at lookup time regardless of registration order,
// so a deeper mount always shadows a shallower one covering it.
func (t *MountTable) Mount(prefix string, fs Filesystem) {
	prefix = Canonicalize(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts = append(t.mounts, mountEntry{prefix: prefix, fs: fs})
}

// prefixMatches reports whether canonical path is exactly prefix or a
// descendant of it (prefix followed by '/'), the boundary rule that
// keeps "/initrd2" from matching a mount at "/initrd".
func prefixMatches(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Resolve canonicalizes path, finds the longest matching mount prefix,
// and returns the filesystem serving it plus the subpath (always
// leading with '/') to forward.
func (t *MountTable) Resolve(path string) (Filesystem, string, error) {
	canon := Canonicalize(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *mountEntry
	for i := range t.mounts {
		m := &t.mounts[i]
		if !prefixMatches(canon, m.prefix) {
			continue
		}
		if best == nil || len(m.prefix) > len(best.prefix) {
			best = m
		}
	}
	if best == nil {
		return nil, "", ekind.New(ekind.NotFound)
	}

	sub := canon
	if best.prefix != "/" {
		sub = strings.TrimPrefix(canon, best.prefix)
	}
	if sub == "" {
		sub = "/"
	}
	return best.fs, sub, nil
}

// VFS is the top-level virtual filesystem: a mount table plus the
// directory-handle semantics every syscall entry point goes through.
type VFS struct {
	mounts *MountTable
}

// New constructs an empty VFS with no mounts.
func New() *VFS { return &VFS{mounts: NewMountTable()} }

// Mount registers fs at prefix.
func (v *VFS) Mount(prefix string, fs Filesystem) { v.mounts.Mount(prefix, fs) }

func (v *VFS) Open(path string) (handle.VFSFile, error) {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return nil, err
	}
	return fs.Open(sub)
}

func (v *VFS) Stat(path string) (FileStat, error) {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return FileStat{}, err
	}
	return fs.Stat(sub)
}

func (v *VFS) Create(path string) (handle.VFSFile, error) {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return nil, err
	}
	return fs.Create(sub)
}

func (v *VFS) Mkdir(path string) error {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return err
	}
	return fs.Mkdir(sub)
}

func (v *VFS) Unlink(path string) error {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return err
	}
	return fs.Unlink(sub)
}

func (v *VFS) Rmdir(path string) error {
	fs, sub, err := v.mounts.Resolve(path)
	if err != nil {
		return err
	}
	return fs.Rmdir(sub)
}

// OpenDir resolves path to a directory listing and wraps it in a
// Directory resource, ready for insertion into a process's handle
// table. The canonical path is retained on the resource so that
// create/unlink/mkdir/rmdir syscalls targeting this directory handle
// know which directory to act on.
func (v *VFS) OpenDir(path string) (*Directory, error) {
	canon := Canonicalize(path)
	fs, sub, err := v.mounts.Resolve(canon)
	if err != nil {
		return nil, err
	}
	st, err := fs.Stat(sub)
	if err != nil {
		return nil, err
	}
	if !st.IsDir {
		return nil, ekind.New(ekind.NotDirectory)
	}
	entries, err := fs.ReadDir(sub)
	if err != nil {
		return nil, err
	}
	return NewDirectory(canon, entries), nil
}

// Directory is the resource installed for an opened directory handle.
// It exposes a cursor-style ReadDir (one entry per call) plus the
// canonical VFS path, which create/unlink/mkdir/rmdir syscalls targeted
// at this handle use to build the full path for a relative name.
type Directory struct {
	path    string
	entries []DirEntry
	pos     int
}

// NewDirectory wraps a directory listing already read from its backing
// filesystem.
func NewDirectory(path string, entries []DirEntry) *Directory {
	return &Directory{path: path, entries: entries}
}

// Path returns the canonical VFS path this handle was opened at.
func (d *Directory) Path() string { return d.path }

// ReadDir returns the next entry and advances the cursor, or ok=false
// once every entry has been consumed.
func (d *Directory) ReadDir() (DirEntry, bool) {
	if d.pos >= len(d.entries) {
		return DirEntry{}, false
	}
	e := d.entries[d.pos]
	d.pos++
	return e, true
}

// Rewind resets the cursor to the first entry.
func (d *Directory) Rewind() { d.pos = 0 }

func (d *Directory) HandleType() handle.Type { return handle.TypeDirectory }
func (d *Directory) PollEvents() uint32      { return 0 }
func (d *Directory) SupportedEvents() uint32 { return 0 }
func (d *Directory) Waker() handle.Waker     { return nil }
