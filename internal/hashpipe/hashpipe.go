// Package hashpipe streams a file through a cryptographic digest and
// returns the lowercase-hex result used as an ETag validator. Algorithm
// selection falls back through a fixed preference order when the
// operator-configured name isn't one hashpipe knows.
package hashpipe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Algorithm names a digest and how to construct a fresh hash.Hash for it.
type Algorithm struct {
	Name string
	New  func() hash.Hash
}

// preferenceOrder is the fallback chain used when an operator names an
// unrecognized algorithm: strongest first. Every entry here is backed
// by the standard library, so in practice none is ever actually
// "unavailable" — the fallback logic is kept anyway so a future
// algorithm that does carry a build-time availability flag slots in
// without restructuring this.
var preferenceOrder = []Algorithm{
	{Name: "sha512", New: sha512.New},
	{Name: "sha384", New: sha512.New384},
	{Name: "sha256", New: sha256.New},
	{Name: "sha224", New: sha256.New224},
	{Name: "sha1", New: sha1.New},
	{Name: "md5", New: md5.New},
}

// Resolve looks up name in the known algorithm set. If name is empty or
// unrecognized, it falls back to the strongest algorithm in
// preferenceOrder. Resolve only fails if preferenceOrder itself is
// exhausted, which cannot happen with the standard-library-backed table
// above; the error return exists so a caller can treat a truly
// unavailable hash algorithm as a fatal startup condition.
func Resolve(name string) (Algorithm, error) {
	if name != "" {
		for _, algo := range preferenceOrder {
			if algo.Name == name {
				return algo, nil
			}
		}
	}
	for _, algo := range preferenceOrder {
		return algo, nil
	}
	return Algorithm{}, fmt.Errorf("hashpipe: no hash algorithm available")
}

// Hash streams path through algo and returns the lowercase-hex digest.
func Hash(path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashpipe: opening %s: %w", path, err)
	}
	defer f.Close()

	h := algo.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashpipe: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
