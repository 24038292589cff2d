package ext2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateWriteReadFileWithRequire(t *testing.T) {
	fs := mustMount(t)

	f, err := fs.Create("/greeting")
	require.NoError(t, err)

	data := []byte("hello ext2")
	n, err := f.WriteAt(0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	st, err := fs.Stat("/greeting")
	require.NoError(t, err)
	require.False(t, st.IsDir)
	require.EqualValues(t, len(data), st.Size)

	readBuf := make([]byte, len(data))
	n, err = f.ReadAt(0, readBuf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, readBuf)
}

func TestMkdirThenRmdirRoundTrip(t *testing.T) {
	fs := mustMount(t)

	require.NoError(t, fs.Mkdir("/sub"))

	st, err := fs.Stat("/sub")
	require.NoError(t, err)
	require.True(t, st.IsDir)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name == "sub" {
			found = true
			require.True(t, e.IsDir)
		}
	}
	require.True(t, found, "root directory listing should include the new sub directory")

	require.NoError(t, fs.Rmdir("/sub"))
	_, err = fs.Stat("/sub")
	require.Error(t, err, "sub should no longer exist after Rmdir")
}

func TestCreateDuplicateNameFailsWithRequire(t *testing.T) {
	fs := mustMount(t)
	_, err := fs.Create("/dup")
	require.NoError(t, err)

	_, err = fs.Create("/dup")
	require.Error(t, err, "creating the same name twice must fail")
}
