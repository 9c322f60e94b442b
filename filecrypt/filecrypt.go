// Package filecrypt encrypts whole files, in practice the application's
// SQLite database, with AES-256-GCM.
//
// An encrypted file is nonce || ciphertext || tag with no header of its own.
// Whether a file is encrypted is a heuristic: a file that starts with the
// SQLite magic header is plaintext, anything else (including a short or
// unreadable file) is treated as encrypted, never as corrupt.
//
// Files are replaced through a sibling temporary file and a rename, so a
// crash leaves either the old or the new content on disk.
package filecrypt

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/internal/util"
)

// MagicHeader is the first 16 bytes of a plaintext SQLite database.
const MagicHeader = "SQLite format 3\x00"

// Option configures a Cipher.
type Option func(*Cipher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cipher) {
		c.log = l
	}
}

// Cipher performs file operations. It holds no key material between calls.
type Cipher struct {
	mu  sync.Mutex
	log *slog.Logger

	// checkRekey reads a rekeyed file back; replaceable in tests.
	checkRekey func(path, key string, wantLen int) error
}

// New returns a Cipher.
func New(opts ...Option) *Cipher {
	c := &Cipher{log: slog.Default()}
	c.checkRekey = c.verify
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateKey returns a fresh random 32-byte key in base64url form. This is
// the only key form used for whole-file encryption.
func GenerateKey() (string, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)
	return util.URLEncode(raw), nil
}

// IsEncrypted reports whether path looks encrypted, i.e. does not start
// with MagicHeader.
func IsEncrypted(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	head := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		return true
	}
	return !hasMagic(head)
}

func hasMagic(b []byte) bool {
	return bytes.HasPrefix(b, []byte(MagicHeader))
}

func lockedKey(keyMaterial string) (*memguard.LockedBuffer, error) {
	key, err := fieldcrypt.NormalizeKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(key), nil
}

func seal(plain []byte, keyMaterial string) ([]byte, error) {
	key, err := lockedKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return util.EncryptAES(plain, key.Bytes())
}

func open(sealed []byte, keyMaterial string) ([]byte, error) {
	if hasMagic(sealed) {
		return nil, ErrNotEncrypted
	}
	key, err := lockedKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	plain, err := util.DecryptAES(sealed, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plain, nil
}

// EncryptFile encrypts path in place. It does not check whether the file
// is already encrypted; callers consult IsEncrypted first.
func (c *Cipher) EncryptFile(path, key string) error {
	plain, perm, err := readFile(path)
	if err != nil {
		return &OpError{Op: "encrypt", Path: path, Err: err}
	}
	defer util.WipeBytes(plain)

	sealed, err := seal(plain, key)
	if err != nil {
		return &OpError{Op: "encrypt", Path: path, Err: err}
	}
	if err := c.replace(path, sealed, perm); err != nil {
		return &OpError{Op: "encrypt", Path: path, Err: err}
	}
	c.log.Debug("file encrypted", "path", path, "bytes", len(plain))
	return nil
}

// DecryptFile decrypts path in place. On any failure, including a wrong
// key, the file is left unmodified.
func (c *Cipher) DecryptFile(path, key string) error {
	sealed, perm, err := readFile(path)
	if err != nil {
		return &OpError{Op: "decrypt", Path: path, Err: err}
	}
	plain, err := open(sealed, key)
	if err != nil {
		return &OpError{Op: "decrypt", Path: path, Err: err}
	}
	defer util.WipeBytes(plain)

	if err := c.replace(path, plain, perm); err != nil {
		return &OpError{Op: "decrypt", Path: path, Err: err}
	}
	c.log.Debug("file decrypted", "path", path, "bytes", len(plain))
	return nil
}

// DecryptTo writes the plaintext of src to dst, leaving src untouched.
func (c *Cipher) DecryptTo(src, dst, key string) error {
	sealed, _, err := readFile(src)
	if err != nil {
		return &OpError{Op: "decrypt", Path: src, Err: err}
	}
	plain, err := open(sealed, key)
	if err != nil {
		return &OpError{Op: "decrypt", Path: src, Err: err}
	}
	defer util.WipeBytes(plain)

	if err := c.replace(dst, plain, 0o600); err != nil {
		return &OpError{Op: "decrypt", Path: dst, Err: err}
	}
	return nil
}

// Rekey replaces the key protecting path. A plaintext file is simply
// encrypted under newKey.
//
// Decryption and re-encryption happen in memory and the result is written
// with a single atomic replace, so plaintext never reaches the disk. The
// new file is read back and verified under newKey; if that fails the
// previous ciphertext is written back. After any failure the file is
// readable with oldKey.
func (c *Cipher) Rekey(oldKey, newKey, path string) error {
	current, perm, err := readFile(path)
	if err != nil {
		return &OpError{Op: "rekey", Path: path, Err: err}
	}

	wasEncrypted := !hasMagic(current)
	plain := current
	if wasEncrypted {
		plain, err = open(current, oldKey)
		if err != nil {
			return &OpError{Op: "rekey", Path: path, Err: err}
		}
		defer util.WipeBytes(plain)
	}

	sealed, err := seal(plain, newKey)
	if err != nil {
		return &OpError{Op: "rekey", Path: path, Err: fmt.Errorf("%w: %w", ErrRekeyFailed, err)}
	}
	if err := c.replace(path, sealed, perm); err != nil {
		return &OpError{Op: "rekey", Path: path, Err: fmt.Errorf("%w: %w", ErrRekeyFailed, err)}
	}

	if err := c.checkRekey(path, newKey, len(plain)); err != nil {
		c.log.Warn("rekey verification failed, restoring previous content", "path", path, "error", err)
		if rbErr := c.replace(path, current, perm); rbErr != nil {
			c.log.Error("rekey rollback failed", "path", path, "error", rbErr)
			return &OpError{Op: "rekey", Path: path, Err: fmt.Errorf("%w: %w", ErrRollbackFailed, rbErr)}
		}
		return &OpError{Op: "rekey", Path: path, Err: fmt.Errorf("%w: %w", ErrRekeyFailed, err)}
	}
	c.log.Info("file rekeyed", "path", path, "was_encrypted", wasEncrypted)
	return nil
}

func (c *Cipher) verify(path, key string, wantLen int) error {
	sealed, _, err := readFile(path)
	if err != nil {
		return err
	}
	plain, err := open(sealed, key)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if len(plain) != wantLen {
		return fmt.Errorf("verified length %d, want %d", len(plain), wantLen)
	}
	return nil
}

func readFile(path string) ([]byte, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return data, info.Mode().Perm(), nil
}

// replace serializes file replacement across the Cipher's callers.
func (c *Cipher) replace(path string, data []byte, perm os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteAtomic(path, data, perm)
}

// WriteAtomic writes data to a temporary sibling of path, syncs it and
// renames it over path.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
