package file

import (
	"crypto/md5"  //nolint:gosec // catalogs still publish md5
	"crypto/sha1" //nolint:gosec // sha1 is the manifest identity, not a security boundary
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Supported hash algorithm names, as they appear in manifests.
const (
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA512 = "sha512"
	MD5    = "md5"
)

// NewHash returns a fresh hash for the named algorithm.
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case MD5:
		return md5.New(), nil //nolint:gosec
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

// Supported reports whether algo can be computed.
func Supported(algo string) bool {
	_, err := NewHash(algo)
	return err == nil
}

// MultiHasher computes several digests over one stream.
type MultiHasher struct {
	hashes map[string]hash.Hash
	w      io.Writer
}

// NewMultiHasher builds a hasher for the supported entries of algos.
// Unsupported names are skipped.
func NewMultiHasher(algos ...string) *MultiHasher {
	m := &MultiHasher{hashes: make(map[string]hash.Hash, len(algos))}
	writers := make([]io.Writer, 0, len(algos))
	for _, algo := range algos {
		algo = strings.ToLower(algo)
		if _, ok := m.hashes[algo]; ok {
			continue
		}
		h, err := NewHash(algo)
		if err != nil {
			continue
		}
		m.hashes[algo] = h
		writers = append(writers, h)
	}
	m.w = io.MultiWriter(writers...)
	return m
}

func (m *MultiHasher) Write(p []byte) (int, error) { return m.w.Write(p) }

// Sums returns the hex digests keyed by algorithm.
func (m *MultiHasher) Sums() map[string]string {
	out := make(map[string]string, len(m.hashes))
	for algo, h := range m.hashes {
		out[algo] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// HashFile reads path once and returns its digests. sha1 is always included.
func HashFile(path string, algos ...string) (map[string]string, error) {
	f, err := os.Open(path) //nolint:gosec // caller controls path
	if err != nil {
		return nil, fmt.Errorf("open for hashing: %w", err)
	}
	defer func() { _ = f.Close() }()

	m := NewMultiHasher(append([]string{SHA1}, algos...)...)
	if _, err := io.Copy(m, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return m.Sums(), nil
}

// Mismatch compares computed digests against expected ones and returns the
// first algorithm present in both that disagrees. ok is false when nothing
// could be compared.
func Mismatch(expected, actual map[string]string) (algo string, mismatch bool, ok bool) {
	for _, a := range []string{SHA1, SHA256, SHA512, MD5} {
		want, wok := expected[a]
		got, gok := actual[a]
		if !wok || !gok {
			continue
		}
		ok = true
		if !strings.EqualFold(want, got) {
			return a, true, true
		}
	}
	return "", false, ok
}
