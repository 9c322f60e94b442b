// Package settings holds the application settings record the encryption
// subsystem reads and writes.
//
// The external store is treated as a holder of one record with
// single-record atomicity. Values are validated whenever they cross the
// store boundary.
package settings

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalid is returned when a settings record fails validation.
	ErrInvalid = errors.New("invalid settings")
)

// Settings is the typed settings record.
type Settings struct {
	EncryptionEnabled        bool   `json:"encryption_enabled"`
	EncryptionKeyHash        string `json:"encryption_key_hash,omitempty"`
	SessionEncryptionEnabled bool   `json:"session_encryption_enabled"`
	PINEnabled               bool   `json:"pin_enabled"`
	EncryptedPIN             string `json:"encrypted_pin,omitempty"`
	WrappedKey               []byte `json:"wrapped_key,omitempty"`
}

// KeyConfigured reports whether a database key has been established.
func (s Settings) KeyConfigured() bool {
	return s.EncryptionKeyHash != ""
}

// Validate checks the cross-field invariants of the record.
func (s Settings) Validate() error {
	if s.EncryptionKeyHash != "" {
		if len(s.EncryptionKeyHash) != 64 {
			return fmt.Errorf("%w: encryption_key_hash must be 64 hex characters", ErrInvalid)
		}
		if _, err := hex.DecodeString(s.EncryptionKeyHash); err != nil {
			return fmt.Errorf("%w: encryption_key_hash is not hex", ErrInvalid)
		}
	}
	if s.EncryptionEnabled && s.EncryptionKeyHash == "" {
		return fmt.Errorf("%w: encryption_enabled without encryption_key_hash", ErrInvalid)
	}
	if len(s.WrappedKey) > 0 && s.EncryptionKeyHash == "" {
		return fmt.Errorf("%w: wrapped_key without encryption_key_hash", ErrInvalid)
	}
	if s.PINEnabled != (s.EncryptedPIN != "") {
		return fmt.Errorf("%w: pin_enabled and encrypted_pin disagree", ErrInvalid)
	}
	return nil
}

// Store loads and saves the settings record.
type Store interface {
	// Load returns the stored record, or the zero Settings if none exists.
	Load(ctx context.Context) (Settings, error)
	// Save validates s and replaces the stored record.
	Save(ctx context.Context, s Settings) error
	// Update runs fn on the current record and saves the result atomically.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, fn func(*Settings) error) error
}
