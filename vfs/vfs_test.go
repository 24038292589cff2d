package vfs

import (
	"archive/tar"
	"bytes"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"/":                           "/",
		"":                            "/",
		"/initrd/hello.txt":           "/initrd/hello.txt",
		"/initrd/./hello.txt":         "/initrd/hello.txt",
		"/initrd/subdir/../hello.txt": "/initrd/hello.txt",
		"/../../../etc":               "/etc",
		"/initrd/../disk/secret":      "/disk/secret",
		"///initrd//hello.txt":        "/initrd/hello.txt",
		"/initrd/":                    "/initrd",
		"/mnt/a/b/../c":               "/mnt/a/c",
		"/foo/..":                     "/",
		"/a/./b/../c/./d/../e":        "/a/c/e",
		"///":                         "/",
		"/.":                          "/",
		"/..":                         "/",
		"/a/b/c/../../d":              "/a/d",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, body := range files {
		if err := w.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644, Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestMountEscapeResolvesBeforeDispatch(t *testing.T) {
	tarfs1, err := NewTarFs(buildTar(t, map[string]string{"hello.txt": "fs1"}))
	if err != nil {
		t.Fatalf("NewTarFs fs1: %v", err)
	}
	tarfs2, err := NewTarFs(buildTar(t, map[string]string{"deep": "fs2"}))
	if err != nil {
		t.Fatalf("NewTarFs fs2: %v", err)
	}

	v := New()
	v.Mount("/test", tarfs1)
	v.Mount("/test/deep", tarfs2)

	f, err := v.Open("/test/deep/../hello.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 16)
	n, _ := f.ReadAt(0, buf)
	if string(buf[:n]) != "fs1" {
		t.Fatalf("content = %q, want %q (served by the /test mount, not /test/deep)", buf[:n], "fs1")
	}
}

func TestTarFsReadAndStat(t *testing.T) {
	archive := buildTar(t, map[string]string{
		"a.txt":       "hello",
		"dir/b.txt":   "world",
		"dir/sub/c":   "nested",
	})
	fs, err := NewTarFs(archive)
	if err != nil {
		t.Fatalf("NewTarFs: %v", err)
	}

	st, err := fs.Stat("/a.txt")
	if err != nil || st.IsDir || st.Size != 5 {
		t.Fatalf("Stat(/a.txt) = %+v, %v", st, err)
	}

	st, err = fs.Stat("/dir")
	if err != nil || !st.IsDir {
		t.Fatalf("Stat(/dir) = %+v, %v, want a directory", st, err)
	}

	entries, err := fs.ReadDir("/dir")
	if err != nil {
		t.Fatalf("ReadDir(/dir): %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadDir(/dir) = %v, want 2 entries", entries)
	}
	if entries[0].Name != "b.txt" || entries[0].IsDir {
		t.Fatalf("entries[0] = %+v, want b.txt file", entries[0])
	}
	if entries[1].Name != "sub" || !entries[1].IsDir {
		t.Fatalf("entries[1] = %+v, want sub directory", entries[1])
	}

	if _, err := fs.Open("/missing"); err == nil {
		t.Fatal("Open(/missing) should fail")
	}
	if _, err := fs.Create("/a.txt"); err == nil {
		t.Fatal("Create on a read-only tar filesystem should fail")
	}
}

func TestVFSOpenDirAndCursor(t *testing.T) {
	archive := buildTar(t, map[string]string{"initrd/a": "1", "initrd/b": "2"})
	fs, err := NewTarFs(archive)
	if err != nil {
		t.Fatalf("NewTarFs: %v", err)
	}
	v := New()
	v.Mount("/", fs)

	d, err := v.OpenDir("/initrd")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	if d.Path() != "/initrd" {
		t.Fatalf("Path() = %q, want /initrd", d.Path())
	}

	count := 0
	for {
		_, ok := d.ReadDir()
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("cursor yielded %d entries, want 2", count)
	}
	if _, ok := d.ReadDir(); ok {
		t.Fatal("cursor should be exhausted")
	}
}
