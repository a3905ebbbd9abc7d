package compresspipe

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLevel(t *testing.T) {
	assert.Equal(t, gzipBest, ResolveLevel("best"))
	assert.Equal(t, gzipSpeed, ResolveLevel("speed"))
	assert.Equal(t, gzipNone, ResolveLevel("no"))
	assert.Equal(t, gzipDefault, ResolveLevel("default"))
	assert.Equal(t, gzipDefault, ResolveLevel("garbage"))
	assert.Equal(t, 7, ResolveLevel(7))
}

// gzip level constants mirrored here (not imported from
// klauspost/compress/gzip) so the test asserts against the same numeric
// contract compress/gzip uses, since klauspost's levels are numerically
// identical to the standard library's.
const (
	gzipBest    = gzip.BestCompression
	gzipSpeed   = gzip.BestSpeed
	gzipNone    = gzip.NoCompression
	gzipDefault = gzip.DefaultCompression
)

func TestWriteStreamGzipRoundTrips(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	body := []byte("hello, tinyCDN, hello, tinyCDN, hello, tinyCDN")
	require.NoError(t, os.WriteFile(src, body, 0o644))

	dest := filepath.Join(dir, "hello.txt.gzip")
	require.NoError(t, WriteStream(src, dest, Gzip, ResolveLevel("default")))

	compressed, err := os.ReadFile(dest)
	require.NoError(t, err)

	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer gr.Close()

	decoded, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestWriteStreamDeflateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	body := []byte("deflate me please deflate me please")
	require.NoError(t, os.WriteFile(src, body, 0o644))

	dest := filepath.Join(dir, "hello.txt.deflate")
	require.NoError(t, WriteStream(src, dest, Deflate, ResolveLevel("best")))

	compressed, err := os.ReadFile(dest)
	require.NoError(t, err)

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	decoded, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestWriteStreamLeavesNoTempArtifactOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	dest := filepath.Join(dir, "hello.txt.gzip")
	require.NoError(t, WriteStream(src, dest, Gzip, ResolveLevel("default")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tinycdn-tmp-")
	}
}

func TestWriteStreamFailsOnMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := WriteStream(filepath.Join(dir, "missing"), filepath.Join(dir, "out.gzip"), Gzip, ResolveLevel("default"))
	assert.Error(t, err)
}
