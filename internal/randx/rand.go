// Package randx produces cryptographically strong random identifiers:
// access tokens for download links and opaque names for stored blobs.
package randx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// TokenBytes is the entropy of an access token (256 bits, 64 hex chars).
	TokenBytes = 32
	// StorageNameBytes is the entropy of the random part of a blob name.
	StorageNameBytes = 16
	// MinBytes is the floor applied to every request; 128 bits.
	MinBytes = 16
)

// readRandom is a seam for tests that need the entropy source to fail.
var readRandom = rand.Read

// HexString returns size random bytes hex-encoded (2*size characters).
// Requests below MinBytes are raised to MinBytes.
func HexString(size int) (string, error) {
	if size < MinBytes {
		size = MinBytes
	}

	b := make([]byte, size)
	if _, err := readRandom(b); err != nil {
		return "", fmt.Errorf("random source: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// Token returns a fresh access token.
func Token() (string, error) {
	return HexString(TokenBytes)
}

// StorageName returns a blob name that never derives from user input,
// e.g. "3f9a...c1_1712345678.enc".
func StorageName(now time.Time) (string, error) {
	s, err := HexString(StorageNameBytes)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d.enc", s, now.Unix()), nil
}

// Bytes returns n random bytes.
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := readRandom(b); err != nil {
		return nil, fmt.Errorf("random source: %w", err)
	}
	return b, nil
}

// Wipe overwrites b with zeros. Nil is a no-op.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
