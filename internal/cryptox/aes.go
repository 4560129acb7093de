package cryptox

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/randx"
)

// DefaultChunkSize is the plaintext size sealed per GCM call.
const DefaultChunkSize = 64 * 1024

const (
	saltLen        = 16
	noncePrefixLen = 4
)

// AESFileCipher seals files as a sequence of AES-256-GCM chunks. Each chunk's
// nonce is prefix||counter and its additional data binds the index and a
// final-chunk flag, so reordering or truncation fails authentication.
type AESFileCipher struct {
	masterKey []byte
	keyID     string
	chunkSize int
}

// NewAESFileCipher takes a 32-byte master key (see DeriveMasterKey).
func NewAESFileCipher(masterKey []byte) (*AESFileCipher, error) {
	if len(masterKey) != masterKeyLen {
		return nil, fmt.Errorf("%w: master key must be %d bytes", common.ErrCipher, masterKeyLen)
	}
	k := make([]byte, len(masterKey))
	copy(k, masterKey)
	return &AESFileCipher{masterKey: k, keyID: KeyID(k), chunkSize: DefaultChunkSize}, nil
}

// NewAESFileCipherFromPassphrase derives the master key from a passphrase.
func NewAESFileCipherFromPassphrase(passphrase string) (*AESFileCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", common.ErrCipher)
	}
	return NewAESFileCipher(DeriveMasterKey([]byte(passphrase), MasterKeySalt))
}

// KeyID returns the fingerprint written into sidecars.
func (c *AESFileCipher) KeyID() string { return c.keyID }

func (c *AESFileCipher) gcm(salt []byte, keyContext string) (cipher.AEAD, error) {
	key, err := deriveFileKey(c.masterKey, salt, keyContext)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", common.ErrCipher, err)
	}
	defer randx.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCipher, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCipher, err)
	}
	return aead, nil
}

func chunkNonce(prefix []byte, index uint64) []byte {
	nonce := make([]byte, noncePrefixLen+8)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[noncePrefixLen:], index)
	return nonce
}

func chunkAAD(index uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	if final {
		aad[8] = 1
	}
	return aad
}

// readChunk fills buf and reports whether this is the last chunk of r.
func readChunk(r *bufio.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	case err != nil:
		return n, false, err
	}
	if _, perr := r.Peek(1); perr != nil {
		if errors.Is(perr, io.EOF) {
			return n, true, nil
		}
		return n, false, perr
	}
	return n, false, nil
}

func (c *AESFileCipher) Encrypt(ctx context.Context, src, dst, keyContext string) error {
	salt, err := randx.Bytes(saltLen)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCipher, err)
	}
	prefix, err := randx.Bytes(noncePrefixLen)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCipher, err)
	}
	aead, err := c.gcm(salt, keyContext)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	var total int64
	err = writeAtomic(dst, func(w io.Writer) error {
		r := bufio.NewReaderSize(in, c.chunkSize)
		buf := make([]byte, c.chunkSize)
		sealed := make([]byte, 0, c.chunkSize+aead.Overhead())
		for index := uint64(0); ; index++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, final, err := readChunk(r, buf)
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}
			sealed = aead.Seal(sealed[:0], chunkNonce(prefix, index), buf[:n], chunkAAD(index, final))
			if _, err := w.Write(sealed); err != nil {
				return fmt.Errorf("write blob: %w", err)
			}
			total += int64(n)
			if final {
				return nil
			}
		}
	})
	if err != nil {
		return err
	}

	m := Meta{
		Version:       metaVersion,
		Algorithm:     AlgorithmAESGCM,
		KeyID:         c.keyID,
		Salt:          salt,
		NoncePrefix:   prefix,
		ChunkSize:     c.chunkSize,
		PlaintextSize: total,
	}
	if err := writeMeta(dst, m); err != nil {
		_ = filex.RemoveIfExists(dst)
		return err
	}
	return nil
}

// Decrypt also accepts blobs written by CopyCipher, so turning encryption on
// later keeps older files readable.
func (c *AESFileCipher) Decrypt(ctx context.Context, src, dst, keyContext string) error {
	m, err := ReadMeta(src)
	if err != nil {
		return err
	}
	switch m.Algorithm {
	case AlgorithmNone:
		return decryptPlain(ctx, src, dst, m)
	case AlgorithmAESGCM:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", common.ErrCipher, m.Algorithm)
	}
	if m.KeyID != "" && m.KeyID != c.keyID {
		return fmt.Errorf("%w: blob was sealed with a different master key", common.ErrCipher)
	}
	if m.ChunkSize <= 0 || len(m.Salt) != saltLen || len(m.NoncePrefix) != noncePrefixLen {
		return fmt.Errorf("%w: malformed meta", common.ErrCipher)
	}

	aead, err := c.gcm(m.Salt, keyContext)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		sealedSize := m.ChunkSize + aead.Overhead()
		r := bufio.NewReaderSize(in, sealedSize)
		buf := make([]byte, sealedSize)
		plain := make([]byte, 0, m.ChunkSize)
		var total int64
		for index := uint64(0); ; index++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, final, err := readChunk(r, buf)
			if err != nil {
				return fmt.Errorf("read blob: %w", err)
			}
			plain, err = aead.Open(plain[:0], chunkNonce(m.NoncePrefix, index), buf[:n], chunkAAD(index, final))
			if err != nil {
				return fmt.Errorf("%w: chunk %d failed authentication", common.ErrCipher, index)
			}
			if _, err := w.Write(plain); err != nil {
				return fmt.Errorf("write plaintext: %w", err)
			}
			total += int64(len(plain))
			if final {
				break
			}
		}
		if total != m.PlaintextSize {
			return fmt.Errorf("%w: size mismatch", common.ErrCipher)
		}
		return nil
	})
}
