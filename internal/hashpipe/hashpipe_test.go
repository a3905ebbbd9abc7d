package hashpipe

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKnownAlgorithm(t *testing.T) {
	algo, err := Resolve("sha256")
	require.NoError(t, err)
	assert.Equal(t, "sha256", algo.Name)
}

func TestResolveFallsBackToStrongestOnUnknownName(t *testing.T) {
	algo, err := Resolve("blake9000")
	require.NoError(t, err)
	assert.Equal(t, "sha512", algo.Name)
}

func TestResolveFallsBackOnEmptyName(t *testing.T) {
	algo, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "sha512", algo.Name)
}

func TestHashMatchesStandardLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	body := []byte("hello world")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	algo, err := Resolve("sha256")
	require.NoError(t, err)

	got, err := Hash(path, algo)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestHashIsLowercaseHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	algo, _ := Resolve("md5")
	got, err := Hash(path, algo)
	require.NoError(t, err)
	assert.Equal(t, got, lower(got))
}

func TestHashErrorsOnMissingFile(t *testing.T) {
	algo, _ := Resolve("sha256")
	_, err := Hash(filepath.Join(t.TempDir(), "missing"), algo)
	assert.Error(t, err)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
