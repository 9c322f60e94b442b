package kdf

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func TestDerive_Deterministic(t *testing.T) {
	k1, err := Derive("DESKTOP-1-AMD64-Windows", "secret", "seed")
	require.NoError(t, err)
	k2, err := Derive("DESKTOP-1-AMD64-Windows", "secret", "seed")
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
}

func TestDerive_MatchesPBKDF2(t *testing.T) {
	got, err := Derive("ctx", "secret", "seed")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("seed"))
	want := pbkdf2.Key([]byte("ctx-secret"), sum[:16], 100000, 32, sha256.New)
	assert.Equal(t, want, got)
}

func TestDerive_PurposeSeparation(t *testing.T) {
	base, err := Derive("ctx", "secret", "field")
	require.NoError(t, err)

	otherSalt, err := Derive("ctx", "secret", "device")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)

	otherSecret, err := Derive("ctx", "secret2", "field")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSecret)
}

func TestDeriveMaterial_EqualsDerive(t *testing.T) {
	a, err := Derive("a", "b", "s")
	require.NoError(t, err)
	b, err := DeriveMaterial([]byte("a-b"), "s")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeDecodeKey(t *testing.T) {
	key, err := Derive("ctx", "secret", "seed")
	require.NoError(t, err)

	text := EncodeKey(key)
	decoded, err := DecodeKey(text)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = DecodeKey("not base64 !!")
	assert.Error(t, err)
}

func TestIterationsPinned(t *testing.T) {
	assert.Equal(t, 100000, Iterations)
	assert.Equal(t, 1, Version)
}
