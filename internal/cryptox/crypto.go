// Package cryptox encrypts vault blobs at rest. A cipher turns a plaintext
// file into a ciphertext blob plus a JSON ".meta" sidecar, and back.
package cryptox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySalt is the fixed argon2 salt used to stretch the configured
// passphrase. Per-file randomness comes from the HKDF salt in each sidecar.
var MasterKeySalt = []byte("filevault/master-key/v1")

const (
	masterKeyLen = 32
	fileKeyInfo  = "filevault/file-key/v1:"
)

// FileCipher is the collaborator the worker and gatekeeper depend on.
//
// Encrypt reads src and writes dst plus dst+".meta". Decrypt reads src and
// src+".meta" and writes the plaintext to dst. keyContext must match between
// the two calls.
type FileCipher interface {
	Encrypt(ctx context.Context, src, dst, keyContext string) error
	Decrypt(ctx context.Context, src, dst, keyContext string) error
}

// DeriveMasterKey stretches a passphrase into a 32-byte key with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, masterKeyLen)
}

// KeyID is a short public fingerprint of a master key, stored in sidecars so a
// key mismatch is reported as such rather than as corrupt data.
func KeyID(masterKey []byte) string {
	hash := sha256.Sum256(masterKey)
	return hex.EncodeToString(hash[:8])
}

// deriveFileKey binds a per-file key to the master key, the file's random salt
// and the caller's key context.
func deriveFileKey(masterKey, salt []byte, keyContext string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, salt, []byte(fileKeyInfo+keyContext))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
