package cryptox

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/filex"
)

// CopyCipher stores plaintext as-is with an "algorithm":"none" sidecar. It is
// the fallback when no master key is configured.
type CopyCipher struct{}

func NewCopyCipher() *CopyCipher {
	return &CopyCipher{}
}

func (c *CopyCipher) Encrypt(ctx context.Context, src, dst, keyContext string) error {
	n, err := copyFile(ctx, src, dst)
	if err != nil {
		return err
	}
	if err := writeMeta(dst, Meta{Version: metaVersion, Algorithm: AlgorithmNone, PlaintextSize: n}); err != nil {
		_ = filex.RemoveIfExists(dst)
		return err
	}
	return nil
}

func (c *CopyCipher) Decrypt(ctx context.Context, src, dst, keyContext string) error {
	m, err := ReadMeta(src)
	if err != nil {
		return err
	}
	if m.Algorithm != AlgorithmNone {
		return fmt.Errorf("%w: blob is %s, no master key configured", common.ErrCipher, m.Algorithm)
	}
	return decryptPlain(ctx, src, dst, m)
}

func decryptPlain(ctx context.Context, src, dst string, m *Meta) error {
	n, err := copyFile(ctx, src, dst)
	if err != nil {
		return err
	}
	if n != m.PlaintextSize {
		_ = filex.RemoveIfExists(dst)
		return fmt.Errorf("%w: size mismatch", common.ErrCipher)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// copyFile writes src into dst via a sibling temp file, so dst either appears
// whole or not at all.
func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	var n int64
	err = writeAtomic(dst, func(w io.Writer) error {
		var cerr error
		n, cerr = io.Copy(w, ctxReader{ctx: ctx, r: in})
		return cerr
	})
	return n, err
}

func writeAtomic(dst string, fill func(w io.Writer) error) error {
	part := dst + ".part"
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := fill(out); err != nil {
		out.Close()
		_ = os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
