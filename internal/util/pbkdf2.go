package util

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PBKDF2Iterations = 100000
	PBKDF2KeyLength  = 32
	PBKDF2SaltLength = 16
)

// SaltFromSeed returns the first 16 bytes of SHA-256(seed). Salts are
// deterministic so a key can be re-derived without storing the salt.
func SaltFromSeed(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return CopyBytes(sum[:PBKDF2SaltLength])
}

// DerivePBKDF2 runs PBKDF2-HMAC-SHA256 with the fixed iteration count and
// returns a 32-byte key.
func DerivePBKDF2(material, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("pbkdf2: empty salt")
	}
	return pbkdf2.Key(material, salt, PBKDF2Iterations, PBKDF2KeyLength, sha256.New), nil
}
