// Package escrow protects raw keys with an operating-system facility scoped
// to the current user, and computes the one-way key hash stored in
// settings.
//
// Windows uses DPAPI and macOS uses a wrapping key held in the login
// Keychain. Other platforms get Unavailable: wrapping is refused and the
// caller must ask the user to re-enter the key. No software fallback is
// provided.
package escrow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrUnavailable is returned when the platform has no escrow facility.
	ErrUnavailable = errors.New("key escrow unavailable on this platform")
	// ErrEmptyKey is returned when wrapping an empty key.
	ErrEmptyKey = errors.New("empty key")
	// ErrUnwrap is returned when a wrapped key cannot be recovered, e.g. it
	// was wrapped by another user or machine.
	ErrUnwrap = errors.New("wrapped key cannot be recovered")
)

// Escrow wraps and unwraps raw key bytes.
type Escrow interface {
	Wrap(rawKey []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
	Available() bool
}

// Unavailable is the Escrow for platforms without a protection facility.
type Unavailable struct{}

var _ Escrow = Unavailable{}

func (Unavailable) Wrap([]byte) ([]byte, error)   { return nil, ErrUnavailable }
func (Unavailable) Unwrap([]byte) ([]byte, error) { return nil, ErrUnavailable }
func (Unavailable) Available() bool               { return false }

// Hash returns the hex SHA-256 of rawKey. The result only answers "which
// key is configured"; nothing accepts it as key material.
func Hash(rawKey []byte) string {
	sum := sha256.Sum256(rawKey)
	return hex.EncodeToString(sum[:])
}

// MatchesHash reports, in constant time, whether rawKey hashes to hash.
func MatchesHash(rawKey []byte, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(rawKey)), []byte(strings.ToLower(hash))) == 1
}
