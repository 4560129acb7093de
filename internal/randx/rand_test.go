package randx

import (
	"encoding/hex"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexString_LengthAndHex(t *testing.T) {
	s, err := HexString(24)
	require.NoError(t, err)
	assert.Len(t, s, 48)
	_, err = hex.DecodeString(s)
	assert.NoError(t, err)
}

func TestHexString_RaisedToMinimum(t *testing.T) {
	s, err := HexString(0)
	require.NoError(t, err)
	assert.Len(t, s, MinBytes*2)
}

func TestToken_NoCollisions(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		tok, err := Token()
		require.NoError(t, err)
		require.Len(t, tok, TokenBytes*2)
		_, dup := seen[tok]
		require.False(t, dup, "collision after %d tokens", i)
		seen[tok] = struct{}{}
	}
}

func TestStorageName_Format(t *testing.T) {
	now := time.Unix(1712345678, 0)
	name, err := StorageName(now)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}_1712345678\.enc$`), name)
}

func TestRandomSourceFailure(t *testing.T) {
	orig := readRandom
	readRandom = func(b []byte) (int, error) { return 0, errors.New("no entropy") }
	defer func() { readRandom = orig }()

	_, err := Token()
	assert.ErrorContains(t, err, "no entropy")

	_, err = Bytes(4)
	assert.Error(t, err)
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
	Wipe(nil)
}
