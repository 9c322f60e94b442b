package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	k1 := []byte("0123456789abcdef0123456789abcdef")
	k2 := []byte("fedcba9876543210fedcba9876543210")

	assert.Equal(t, Hash(k1), Hash(k1))
	assert.NotEqual(t, Hash(k1), Hash(k2))

	sum := sha256.Sum256(k1)
	assert.Equal(t, hex.EncodeToString(sum[:]), Hash(k1))
	assert.Len(t, Hash(k1), 64)
}

func TestMatchesHash(t *testing.T) {
	k := []byte("0123456789abcdef0123456789abcdef")
	h := Hash(k)

	assert.True(t, MatchesHash(k, h))
	assert.True(t, MatchesHash(k, strings.ToUpper(h)))
	assert.False(t, MatchesHash([]byte("other"), h))
	assert.False(t, MatchesHash(k, ""))
}

func TestUnavailable(t *testing.T) {
	var e Escrow = Unavailable{}
	assert.False(t, e.Available())

	wrapped, err := e.Wrap([]byte("key"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, wrapped)

	raw, err := e.Unwrap([]byte("wrapped"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, raw)
}

func TestNewReturnsEscrow(t *testing.T) {
	e := New()
	require.NotNil(t, e)
	if !e.Available() {
		_, err := e.Wrap([]byte("key"))
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}
