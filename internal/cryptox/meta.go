package cryptox

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/filex"
)

const (
	AlgorithmAESGCM = "aes-256-gcm-chunked"
	AlgorithmNone   = "none"

	metaVersion = 1
)

// Meta is the sidecar written next to every blob.
type Meta struct {
	Version       int    `json:"version"`
	Algorithm     string `json:"algorithm"`
	KeyID         string `json:"key_id,omitempty"`
	Salt          []byte `json:"salt,omitempty"`
	NoncePrefix   []byte `json:"nonce_prefix,omitempty"`
	ChunkSize     int    `json:"chunk_size,omitempty"`
	PlaintextSize int64  `json:"plaintext_size"`
}

func writeMeta(blobPath string, m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filex.MetaPath(blobPath), b, 0o640); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// ReadMeta loads and sanity-checks the sidecar of blobPath.
func ReadMeta(blobPath string) (*Meta, error) {
	b, err := os.ReadFile(filex.MetaPath(blobPath))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed meta", common.ErrCipher)
	}
	if m.Version != metaVersion {
		return nil, fmt.Errorf("%w: unsupported meta version %d", common.ErrCipher, m.Version)
	}
	if m.PlaintextSize < 0 {
		return nil, fmt.Errorf("%w: negative plaintext size", common.ErrCipher)
	}
	return &m, nil
}
