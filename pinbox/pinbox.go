// Package pinbox protects the numeric recovery PIN with two independently
// derived keys.
//
// The PIN is encrypted under a device key first and the result under an
// account key, so the stored value's outer layer is bound to the account
// and its inner layer to the machine. Recovery needs the exact device
// identity and the exact account id; losing either makes the PIN
// unrecoverable.
package pinbox

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/strongroom/device"
	"github.com/jmcleod/strongroom/internal/util"
	"github.com/jmcleod/strongroom/kdf"
)

var (
	// ErrRecoveryFailed is returned when either layer fails to decrypt.
	ErrRecoveryFailed = errors.New("PIN recovery failed")
	// ErrNoAccount is returned when the account id is empty.
	ErrNoAccount = errors.New("account id required")
)

// DeviceKey derives the inner-layer key from a device identity. The salt is
// SHA-256 of the identity string itself.
func DeviceKey(id device.Identity) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s := id.String()
	return kdf.Derive(s, util.SHA256Hex(s), s)
}

// AccountKey derives the outer-layer key from an account id, salted by
// SHA-256 of "user-pin-encryption-<uid>".
func AccountKey(uid string) ([]byte, error) {
	if uid == "" {
		return nil, ErrNoAccount
	}
	context := "user-pin-encryption-" + uid
	return kdf.Derive(context, uid+"-pin-encryption", context)
}

type layer func(device.Identity, string) ([]byte, error)

func deviceLayer(id device.Identity, _ string) ([]byte, error)   { return DeviceKey(id) }
func accountLayer(_ device.Identity, uid string) ([]byte, error) { return AccountKey(uid) }

func sealLayer(k layer, id device.Identity, uid string, plain []byte) (string, error) {
	raw, err := k(id, uid)
	if err != nil {
		return "", err
	}
	key := memguard.NewBufferFromBytes(raw)
	defer key.Destroy()

	sealed, err := util.EncryptAES(plain, key.Bytes())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openLayer(k layer, id device.Identity, uid string, text string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	raw, err := k(id, uid)
	if err != nil {
		return nil, err
	}
	key := memguard.NewBufferFromBytes(raw)
	defer key.Destroy()

	return util.DecryptAES(sealed, key.Bytes())
}

// Seal encrypts pin under the device key and then the account key and
// returns the base64 text to store.
func Seal(id device.Identity, uid, pin string) (string, error) {
	inner, err := sealLayer(deviceLayer, id, uid, []byte(pin))
	if err != nil {
		return "", fmt.Errorf("sealing device layer: %w", err)
	}
	outer, err := sealLayer(accountLayer, id, uid, []byte(inner))
	if err != nil {
		return "", fmt.Errorf("sealing account layer: %w", err)
	}
	return outer, nil
}

// Open strips the account layer and then the device layer. Any failure at
// either layer returns ErrRecoveryFailed; no partial result is returned.
func Open(id device.Identity, uid, stored string) (string, error) {
	inner, err := openLayer(accountLayer, id, uid, stored)
	if err != nil {
		return "", fmt.Errorf("%w: account layer: %w", ErrRecoveryFailed, err)
	}
	defer util.WipeBytes(inner)

	pin, err := openLayer(deviceLayer, id, uid, string(inner))
	if err != nil {
		return "", fmt.Errorf("%w: device layer: %w", ErrRecoveryFailed, err)
	}
	defer util.WipeBytes(pin)
	return string(pin), nil
}
