package archivefmt

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
}

func TestDetect_Zip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outer.zip")
	writeZip(t, path, map[string]string{"file.txt": "hello"})

	format, ok, err := Detect(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.FormatZip, format)
}

func TestDetect_TarGz(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, path, map[string]string{"a.txt": "aaa"})

	format, ok, err := Detect(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.FormatTarGz, format)
}

func TestDetect_NotAnArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	_, ok, err := Detect(path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZipReader_IteratesEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	names := []string{"first.txt", "second.txt", "third.txt"}
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, _ = w.Write([]byte(n))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := Open(path, common.FormatZip)
	require.NoError(t, err)
	defer r.Close()

	var seen []string
	for {
		entry, err := r.NextEntry()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, entry.Name)
	}
	require.Equal(t, names, seen)
}

func TestTarGzReader_ReadsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, path, map[string]string{"file.txt": "nested content"})

	r, err := Open(path, common.FormatTarGz)
	require.NoError(t, err)
	defer r.Close()

	entry, err := r.NextEntry()
	require.NoError(t, err)
	require.Equal(t, "file.txt", entry.Name)

	buf := make([]byte, 64)
	n, err := r.ReadChunk(buf)
	// the final chunk of an entry may arrive together with io.EOF
	require.True(t, err == nil || err == io.EOF, "unexpected error: %v", err)
	require.Equal(t, "nested content", string(buf[:n]))
}
