// Package fieldcrypt encrypts individual text values for storage in
// database columns.
//
// A stored value is either the literal plaintext or Prefix followed by
// standard base64 of nonce || AES-256-GCM ciphertext. The prefix alone
// decides which case applies, so encrypted and plaintext rows can coexist
// while a migration is in progress.
//
// Keys that do not decode to exactly 32 bytes are stretched with PBKDF2
// under a single fixed salt, SHA-256("field_encryption_salt")[:16]. Every
// passphrase-derived field key therefore shares one salt, a narrower margin
// than the per-purpose salts of package kdf. The salt is kept as is because
// existing ciphertext depends on it.
package fieldcrypt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/strongroom/internal/util"
)

// Prefix marks an encrypted value. It is case-sensitive and must not change.
const Prefix = "ENC:"

// NormalizationSaltSeed seeds the salt for stretching non-32-byte keys.
const NormalizationSaltSeed = "field_encryption_salt"

var (
	// ErrEmptyKey is returned when no key material is supplied.
	ErrEmptyKey = errors.New("empty key material")
	// ErrDecrypt is returned by strict decryption when a value is malformed
	// or fails authentication.
	ErrDecrypt = errors.New("field decryption failed")
)

// NormalizeKey turns caller key material into a 32-byte AES key. A
// base64url value of exactly 32 bytes is used as is; anything else is run
// through PBKDF2 with the fixed normalization salt.
func NormalizeKey(keyMaterial string) ([]byte, error) {
	if keyMaterial == "" {
		return nil, ErrEmptyKey
	}
	if raw, err := util.URLDecode(keyMaterial); err == nil && len(raw) == util.AESKeySize {
		return raw, nil
	}
	key, err := util.DerivePBKDF2([]byte(keyMaterial), util.SaltFromSeed(NormalizationSaltSeed))
	if err != nil {
		return nil, fmt.Errorf("normalizing key: %w", err)
	}
	return key, nil
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithLogger sets the logger used to report lenient decryption failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cipher) {
		c.log = l
	}
}

// Cipher encrypts and decrypts field values under one key. The normalized
// key lives in a memguard enclave and each call builds its own AES-GCM
// instance, so a Cipher is safe for concurrent use.
type Cipher struct {
	key *memguard.Enclave
	log *slog.Logger
}

// New normalizes keyMaterial once and returns a Cipher for it.
func New(keyMaterial string, opts ...Option) (*Cipher, error) {
	key, err := NormalizeKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	c := &Cipher{
		key: memguard.NewEnclave(key),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cipher) withKey(fn func(key []byte) error) error {
	buf, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("opening field key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// IsEncrypted reports whether value carries Prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// EncryptField encrypts plain. Empty and whitespace-only values are
// returned unchanged. Callers should not pass values that already carry
// Prefix; if they do, the result is encrypted again and needs two
// decryptions.
func (c *Cipher) EncryptField(plain string) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return plain, nil
	}
	var out string
	err := c.withKey(func(key []byte) error {
		sealed, err := util.EncryptAES([]byte(plain), key)
		if err != nil {
			return err
		}
		out = Prefix + base64.StdEncoding.EncodeToString(sealed)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("encrypting field: %w", err)
	}
	return out, nil
}

// DecryptField returns the plaintext for text. Values without Prefix are
// returned unchanged. A prefixed value that cannot be decoded or
// authenticated is logged and returned unchanged rather than failing the
// caller; use DecryptFieldStrict where a wrong result must not pass
// silently.
func (c *Cipher) DecryptField(text string) string {
	plain, err := c.DecryptFieldStrict(text)
	if err != nil {
		c.log.Warn("field decryption failed, returning stored value", "error", err)
		return text
	}
	return plain
}

// DecryptNullable is DecryptField for nullable columns: nil stays nil.
func (c *Cipher) DecryptNullable(text *string) *string {
	if text == nil {
		return nil
	}
	plain := c.DecryptField(*text)
	return &plain
}

// DecryptFieldStrict is DecryptField without the leniency: malformed or
// unauthenticated values return ErrDecrypt.
func (c *Cipher) DecryptFieldStrict(text string) (string, error) {
	if !IsEncrypted(text) {
		return text, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(text[len(Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: malformed base64: %v", ErrDecrypt, err)
	}
	var plain []byte
	err = c.withKey(func(key []byte) error {
		plain, err = util.DecryptAES(sealed, key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return string(plain), nil
}
