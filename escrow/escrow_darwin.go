//go:build darwin && cgo

package escrow

import (
	"errors"
	"fmt"

	keychain "github.com/keybase/go-keychain"

	"github.com/jmcleod/strongroom/internal/util"
)

const (
	keychainService = "com.jmcleod.strongroom.escrow"
	keychainAccount = "wrapping-key"
)

// Keychain wraps keys with AES-256-GCM under a per-user wrapping key that
// lives only in the macOS login Keychain and never syncs off the device.
type Keychain struct{}

var _ Escrow = Keychain{}

// New returns the escrow for this platform.
func New() Escrow {
	return Keychain{}
}

func (Keychain) Available() bool { return true }

func (Keychain) Wrap(rawKey []byte) ([]byte, error) {
	if len(rawKey) == 0 {
		return nil, ErrEmptyKey
	}
	wk, err := wrappingKey(true)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wk)
	return util.EncryptAES(rawKey, wk)
}

func (Keychain) Unwrap(wrapped []byte) ([]byte, error) {
	wk, err := wrappingKey(false)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wk)
	raw, err := util.DecryptAES(wrapped, wk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return raw, nil
}

func wrappingKey(create bool) ([]byte, error) {
	data, err := keychain.GetGenericPassword(keychainService, keychainAccount, "", "")
	if err != nil && !errors.Is(err, keychain.ErrorItemNotFound) {
		return nil, fmt.Errorf("reading keychain: %w", err)
	}
	if len(data) == util.AESKeySize {
		return data, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: no wrapping key in keychain", ErrUnwrap)
	}

	wk, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	keychain.DeleteGenericPasswordItem(keychainService, keychainAccount) //nolint:errcheck
	item := keychain.NewGenericPassword(keychainService, keychainAccount, "strongroom", wk, "")
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)
	if err := keychain.AddItem(item); err != nil {
		util.WipeBytes(wk)
		return nil, fmt.Errorf("storing wrapping key: %w", err)
	}
	return wk, nil
}
