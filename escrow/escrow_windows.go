//go:build windows

package escrow

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const dpapiDescription = "strongroom database key"

// DPAPI wraps keys with CryptProtectData under the current user's
// credentials.
type DPAPI struct{}

var _ Escrow = DPAPI{}

// New returns the escrow for this platform.
func New() Escrow {
	return DPAPI{}
}

func (DPAPI) Available() bool { return true }

func (DPAPI) Wrap(rawKey []byte) ([]byte, error) {
	if len(rawKey) == 0 {
		return nil, ErrEmptyKey
	}
	desc, err := windows.UTF16PtrFromString(dpapiDescription)
	if err != nil {
		return nil, err
	}
	in := windows.DataBlob{Size: uint32(len(rawKey)), Data: &rawKey[0]}
	var out windows.DataBlob
	if err := windows.CryptProtectData(&in, desc, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, fmt.Errorf("CryptProtectData: %w", err)
	}
	return takeBlob(&out), nil
}

func (DPAPI) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, ErrUnwrap
	}
	in := windows.DataBlob{Size: uint32(len(wrapped)), Data: &wrapped[0]}
	var out windows.DataBlob
	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, fmt.Errorf("%w: CryptUnprotectData: %v", ErrUnwrap, err)
	}
	return takeBlob(&out), nil
}

// takeBlob copies a DPAPI output blob into Go memory and frees it.
func takeBlob(b *windows.DataBlob) []byte {
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(b.Data)))
	out := make([]byte, b.Size)
	copy(out, unsafe.Slice(b.Data, b.Size))
	return out
}
