// Package kdf derives the fixed-length symmetric keys used throughout
// strongroom.
//
// Derivation is PBKDF2-HMAC-SHA256 with a deterministic salt: the first 16
// bytes of SHA-256 over a purpose-specific seed. The same inputs always
// re-derive the same key, so no salt is ever stored, and keys for different
// purposes differ even when their other inputs overlap.
//
// Iterations is part of the on-disk format. Every key derived under Version 1
// depends on it; a different count needs a new Version.
package kdf

import (
	"errors"
	"fmt"

	"github.com/jmcleod/strongroom/internal/util"
)

const (
	// Version identifies the derivation parameters below.
	Version = 1
	// Iterations is the PBKDF2 round count for Version 1.
	Iterations = util.PBKDF2Iterations
	// KeySize is the length of every derived key.
	KeySize = util.PBKDF2KeyLength
)

// ErrBackend reports that the crypto backend could not produce a key. It is
// never caused by the inputs.
var ErrBackend = errors.New("key derivation backend unavailable")

// Salt returns the deterministic salt for a purpose seed.
func Salt(seed string) []byte {
	return util.SaltFromSeed(seed)
}

// Derive returns the key for UTF-8(context + "-" + secret) salted by
// saltSeed.
func Derive(context, secret, saltSeed string) ([]byte, error) {
	return DeriveMaterial([]byte(context+"-"+secret), saltSeed)
}

// DeriveMaterial is Derive for callers that assemble the key material
// themselves.
func DeriveMaterial(material []byte, saltSeed string) ([]byte, error) {
	key, err := util.DerivePBKDF2(material, Salt(saltSeed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(key) != KeySize {
		util.WipeBytes(key)
		return nil, fmt.Errorf("%w: derived %d bytes", ErrBackend, len(key))
	}
	return key, nil
}

// EncodeKey returns the base64url text form of a key.
func EncodeKey(key []byte) string {
	return util.URLEncode(key)
}

// DecodeKey parses the base64url text form of a key. It does not check the
// length; see fieldcrypt for length normalization.
func DecodeKey(s string) ([]byte, error) {
	b, err := util.URLDecode(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	return b, nil
}
