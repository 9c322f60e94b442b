package filecrypt

import (
	"errors"
	"fmt"

	"github.com/jmcleod/strongroom/fieldcrypt"
)

var (
	// ErrEmptyKey is returned when no key is supplied.
	ErrEmptyKey = fieldcrypt.ErrEmptyKey
	// ErrNotEncrypted is returned when decrypting a file that starts with
	// MagicHeader.
	ErrNotEncrypted = errors.New("file is not encrypted")
	// ErrDecrypt is returned when the file content does not authenticate
	// under the supplied key.
	ErrDecrypt = errors.New("file decryption failed")
	// ErrRekeyFailed is returned when a rekey did not complete. The file is
	// still readable with the old key.
	ErrRekeyFailed = errors.New("rekey failed")
	// ErrRollbackFailed is returned when a rekey failed and the previous
	// content could not be restored either.
	ErrRollbackFailed = errors.New("rekey rollback failed")
)

// OpError records the operation and file that failed.
type OpError struct {
	Op   string // "encrypt", "decrypt", "rekey", "copy"
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
