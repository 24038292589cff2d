package vfs

import (
	"archive/tar"
	"bytes"
	"io"
	"sort"
	"strings"

	"kestrel/ekind"
	"kestrel/handle"
)

// TarFs is a read-only filesystem backed by a TAR archive held entirely
// in memory, used for the boot-time initrd. Every operation completes
// immediately since there is no underlying device.
type TarFs struct {
	files map[string][]byte // path with no leading '/' -> contents
}

// NewTarFs parses archive into an in-memory file map. Entries with a
// "." or ".." path component are skipped as defence-in-depth against a
// malicious archive trying to plant a traversal outside its mount.
func NewTarFs(archive []byte) (*TarFs, error) {
	files := make(map[string][]byte)
	rd := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ekind.New(ekind.IoError)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		name = strings.TrimPrefix(name, "/")
		if name == "" {
			continue
		}
		if hasDotComponent(name) {
			continue
		}
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(rd, data); err != nil {
			return nil, ekind.New(ekind.IoError)
		}
		files[name] = data
	}
	return &TarFs{files: files}, nil
}

func hasDotComponent(name string) bool {
	for _, c := range strings.Split(name, "/") {
		if c == "." || c == ".." {
			return true
		}
	}
	return false
}

// tarKey converts a canonical VFS subpath ("/foo/bar") into this
// archive's map key ("foo/bar"); the root becomes the empty string.
func tarKey(path string) string { return strings.TrimPrefix(path, "/") }

func (t *TarFs) Open(path string) (handle.VFSFile, error) {
	data, ok := t.files[tarKey(path)]
	if !ok {
		return nil, ekind.New(ekind.NotFound)
	}
	return &tarFile{data: data}, nil
}

func (t *TarFs) Stat(path string) (FileStat, error) {
	k := tarKey(path)
	if data, ok := t.files[k]; ok {
		return FileStat{Size: uint64(len(data)), Mode: 0o644, NLinks: 1}, nil
	}

	prefix := ""
	if k != "" {
		prefix = k + "/"
	}
	for fk := range t.files {
		if k == "" || strings.HasPrefix(fk, prefix) {
			return FileStat{IsDir: true, Mode: 0o755, NLinks: 1}, nil
		}
	}
	return FileStat{}, ekind.New(ekind.NotFound)
}

func (t *TarFs) ReadDir(path string) ([]DirEntry, error) {
	k := tarKey(path)
	prefix := ""
	if k != "" {
		prefix = k + "/"
	}

	seenDirs := make(map[string]bool)
	var entries []DirEntry
	for fk := range t.files {
		var rel string
		switch {
		case prefix == "":
			rel = fk
		case strings.HasPrefix(fk, prefix):
			rel = strings.TrimPrefix(fk, prefix)
		default:
			continue
		}

		name := rel
		isDir := false
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			name = rel[:idx]
			isDir = true
		}
		if name == "" {
			continue
		}
		if isDir {
			if seenDirs[name] {
				continue
			}
			seenDirs[name] = true
		}
		entries = append(entries, DirEntry{Name: name, IsDir: isDir})
	}

	if len(entries) == 0 && k != "" {
		return nil, ekind.New(ekind.NotFound)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (t *TarFs) Create(string) (handle.VFSFile, error) { return nil, ekind.New(ekind.ReadOnlyFs) }
func (t *TarFs) Mkdir(string) error                    { return ekind.New(ekind.ReadOnlyFs) }
func (t *TarFs) Unlink(string) error                   { return ekind.New(ekind.ReadOnlyFs) }
func (t *TarFs) Rmdir(string) error                    { return ekind.New(ekind.ReadOnlyFs) }

// tarFile is an open file view into a TarFs entry's backing bytes.
type tarFile struct {
	data []byte
}

func (f *tarFile) ReadAt(off int64, p []byte) (int, error) {
	if off < 0 || off > int64(len(f.data)) {
		return 0, ekind.New(ekind.InvalidOffset)
	}
	return copy(p, f.data[off:]), nil
}

func (f *tarFile) WriteAt(int64, []byte) (int, error) { return 0, ekind.New(ekind.ReadOnlyFs) }

func (f *tarFile) Stat() (FileStat, error) {
	return FileStat{Size: uint64(len(f.data)), Mode: 0o644, NLinks: 1}, nil
}

func (f *tarFile) HandleType() handle.Type { return handle.TypeFile }
func (f *tarFile) PollEvents() uint32      { return handle.EventFileReadable }
func (f *tarFile) SupportedEvents() uint32 { return handle.EventFileReadable }
func (f *tarFile) Waker() handle.Waker     { return nil }
