// Package dbkey manages the lifecycle of the key that encrypts the
// database file: creating it, escrowing it, recovering it at startup and
// rotating it.
//
// Settings only ever hold the key's SHA-256 hash and its escrow-wrapped
// form. When escrow is unavailable the key is returned to the caller once
// and must be re-entered by the user on later runs.
package dbkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/strongroom/escrow"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/internal/util"
	"github.com/jmcleod/strongroom/kdf"
	"github.com/jmcleod/strongroom/settings"
)

var (
	// ErrNotConfigured is returned when no key has been established.
	ErrNotConfigured = errors.New("database key not configured")
	// ErrAlreadyConfigured is returned by Establish when a key exists.
	ErrAlreadyConfigured = errors.New("database key already configured")
	// ErrManualKeyEntry is returned when the key cannot be recovered
	// automatically and the user has to supply it.
	ErrManualKeyEntry = errors.New("database key must be entered manually")
	// ErrKeyMismatch is returned when a key does not match the stored hash.
	ErrKeyMismatch = errors.New("key does not match the configured key")
	// ErrInvalidKey is returned for keys that are not 32 bytes of base64url.
	ErrInvalidKey = errors.New("invalid database key")
	// ErrAlreadyEncrypted is returned by Enable when the database file does
	// not carry the plaintext SQLite header.
	ErrAlreadyEncrypted = errors.New("database file is not plaintext")
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithFileCipher sets the file cipher used by Enable, Disable and Rotate.
func WithFileCipher(c *filecrypt.Cipher) Option {
	return func(m *Manager) {
		m.files = c
	}
}

// Manager ties the settings store, escrow and file cipher together.
type Manager struct {
	store  settings.Store
	escrow escrow.Escrow
	files  *filecrypt.Cipher
	log    *slog.Logger
}

// New returns a Manager.
func New(store settings.Store, esc escrow.Escrow, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		escrow: esc,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.files == nil {
		m.files = filecrypt.New(filecrypt.WithLogger(m.log))
	}
	return m
}

func rawKey(key string) ([]byte, error) {
	raw, err := kdf.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != util.AESKeySize {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	return raw, nil
}

// Configured reports whether a key hash is stored.
func (m *Manager) Configured(ctx context.Context) (bool, error) {
	s, err := m.store.Load(ctx)
	if err != nil {
		return false, err
	}
	return s.KeyConfigured(), nil
}

// wrap returns the escrowed form of raw, or nil if escrow is unavailable.
func (m *Manager) wrap(raw []byte) ([]byte, error) {
	wrapped, err := m.escrow.Wrap(raw)
	if errors.Is(err, escrow.ErrUnavailable) {
		m.log.Warn("key escrow unavailable, key must be kept by the user")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return wrapped, nil
}

// Establish generates a new key, stores its hash and wrapped form and
// returns it.
func (m *Manager) Establish(ctx context.Context) (string, error) {
	key, err := filecrypt.GenerateKey()
	if err != nil {
		return "", err
	}
	raw, err := rawKey(key)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)

	wrapped, err := m.wrap(raw)
	if err != nil {
		return "", err
	}
	err = m.store.Update(ctx, func(s *settings.Settings) error {
		if s.KeyConfigured() {
			return ErrAlreadyConfigured
		}
		s.EncryptionKeyHash = escrow.Hash(raw)
		s.WrappedKey = wrapped
		return nil
	})
	if err != nil {
		return "", err
	}
	m.log.Info("database key established", "escrowed", wrapped != nil)
	return key, nil
}

// Load recovers the key from escrow and checks it against the stored hash.
func (m *Manager) Load(ctx context.Context) (string, error) {
	s, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if !s.KeyConfigured() {
		return "", ErrNotConfigured
	}
	if len(s.WrappedKey) == 0 || !m.escrow.Available() {
		return "", ErrManualKeyEntry
	}
	raw, err := m.escrow.Unwrap(s.WrappedKey)
	if err != nil {
		m.log.Warn("unwrapping database key failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrManualKeyEntry, err)
	}
	defer util.WipeBytes(raw)
	if !escrow.MatchesHash(raw, s.EncryptionKeyHash) {
		return "", ErrKeyMismatch
	}
	return util.URLEncode(raw), nil
}

// Verify checks a user-supplied key against the stored hash.
func (m *Manager) Verify(ctx context.Context, key string) error {
	s, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if !s.KeyConfigured() {
		return ErrNotConfigured
	}
	raw, err := rawKey(key)
	if err != nil {
		return err
	}
	defer util.WipeBytes(raw)
	if !escrow.MatchesHash(raw, s.EncryptionKeyHash) {
		return ErrKeyMismatch
	}
	return nil
}

// Rewrap escrows a manually entered key again, e.g. after the OS profile
// was restored and the old wrapped form no longer unwraps.
func (m *Manager) Rewrap(ctx context.Context, key string) error {
	if err := m.Verify(ctx, key); err != nil {
		return err
	}
	raw, err := rawKey(key)
	if err != nil {
		return err
	}
	defer util.WipeBytes(raw)
	wrapped, err := m.wrap(raw)
	if err != nil {
		return err
	}
	if wrapped == nil {
		return escrow.ErrUnavailable
	}
	return m.store.Update(ctx, func(s *settings.Settings) error {
		s.WrappedKey = wrapped
		return nil
	})
}

// Enable establishes a key, encrypts the database at path with it and
// marks encryption enabled.
func (m *Manager) Enable(ctx context.Context, path string) (string, error) {
	key, err := m.Establish(ctx)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		m.forget(ctx)
		return "", fmt.Errorf("enable encryption: %w", err)
	}
	if filecrypt.IsEncrypted(path) {
		m.forget(ctx)
		return "", fmt.Errorf("enable encryption of %s: %w", path, ErrAlreadyEncrypted)
	}
	if err := m.files.EncryptFile(path, key); err != nil {
		m.forget(ctx)
		return "", err
	}
	err = m.store.Update(ctx, func(s *settings.Settings) error {
		s.EncryptionEnabled = true
		return nil
	})
	if err != nil {
		if derr := m.files.DecryptFile(path, key); derr != nil {
			m.log.Error("could not undo database encryption", "path", path, "error", derr)
		}
		return "", err
	}
	return key, nil
}

// Disable decrypts the database at path and removes the key from settings.
func (m *Manager) Disable(ctx context.Context, path, key string) error {
	if err := m.Verify(ctx, key); err != nil {
		return err
	}
	if filecrypt.IsEncrypted(path) {
		if err := m.files.DecryptFile(path, key); err != nil {
			return err
		}
	}
	return m.store.Update(ctx, func(s *settings.Settings) error {
		s.EncryptionEnabled = false
		s.EncryptionKeyHash = ""
		s.WrappedKey = nil
		return nil
	})
}

// Rotate rekeys the database at path from oldKey to a fresh key and
// updates settings. If settings cannot be updated the file is rekeyed back
// to oldKey.
func (m *Manager) Rotate(ctx context.Context, path, oldKey string) (string, error) {
	if err := m.Verify(ctx, oldKey); err != nil {
		return "", err
	}
	newKey, err := filecrypt.GenerateKey()
	if err != nil {
		return "", err
	}
	raw, err := rawKey(newKey)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)
	wrapped, err := m.wrap(raw)
	if err != nil {
		return "", err
	}

	if err := m.files.Rekey(oldKey, newKey, path); err != nil {
		return "", err
	}
	err = m.store.Update(ctx, func(s *settings.Settings) error {
		s.EncryptionKeyHash = escrow.Hash(raw)
		s.WrappedKey = wrapped
		return nil
	})
	if err != nil {
		if rerr := m.files.Rekey(newKey, oldKey, path); rerr != nil {
			m.log.Error("could not restore previous database key", "path", path, "error", rerr)
		}
		return "", fmt.Errorf("saving rotated key: %w", err)
	}
	m.log.Info("database key rotated", "path", path)
	return newKey, nil
}

func (m *Manager) forget(ctx context.Context) {
	err := m.store.Update(ctx, func(s *settings.Settings) error {
		s.EncryptionKeyHash = ""
		s.WrappedKey = nil
		s.EncryptionEnabled = false
		return nil
	})
	if err != nil {
		m.log.Error("could not clear database key after failure", "error", err)
	}
}
