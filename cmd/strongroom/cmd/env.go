package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jmcleod/strongroom/dbkey"
	"github.com/jmcleod/strongroom/escrow"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
	"github.com/jmcleod/strongroom/settings"
)

// dbKeyEnv supplies the database key when escrow cannot.
const dbKeyEnv = "STRONGROOM_DB_KEY"

var dbKeyFlag string

// openSettings opens the settings store named in the configuration.
func openSettings() (*settings.BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SettingsPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	return settings.NewBoltStoreFromFile(cfg.SettingsPath, nil)
}

func newKeyManager(store settings.Store) *dbkey.Manager {
	return dbkey.New(store, escrow.New(),
		dbkey.WithLogger(log),
		dbkey.WithFileCipher(filecrypt.New(filecrypt.WithLogger(log))))
}

// databaseKey returns the database key from --key, the environment or
// escrow, in that order.
func databaseKey(ctx context.Context, store settings.Store) (string, error) {
	if dbKeyFlag != "" {
		return dbKeyFlag, nil
	}
	if k := os.Getenv(dbKeyEnv); k != "" {
		return k, nil
	}
	key, err := newKeyManager(store).Load(ctx)
	if errors.Is(err, dbkey.ErrManualKeyEntry) {
		return "", fmt.Errorf("%w: pass --key or set %s", err, dbKeyEnv)
	}
	return key, err
}

// withDatabase opens the configured database and runs fn on it. An
// encrypted database is decrypted to a temporary sibling; if writable, the
// result is encrypted again and replaces the original, otherwise it is
// discarded. The original is never decrypted in place.
func withDatabase(ctx context.Context, writable bool, fn func(db *sql.DB) error) error {
	path := cfg.DatabasePath
	if !filecrypt.IsEncrypted(path) {
		db, err := sqlitex.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(db)
	}

	store, err := openSettings()
	if err != nil {
		return err
	}
	key, err := databaseKey(ctx, store)
	store.Close()
	if err != nil {
		return err
	}

	files := filecrypt.New(filecrypt.WithLogger(log))
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".work")
	defer os.Remove(tmp)
	if err := files.DecryptTo(path, tmp, key); err != nil {
		return err
	}

	db, err := sqlitex.Open(tmp)
	if err != nil {
		return err
	}
	runErr := fn(db)
	if err := db.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if !writable {
		return runErr
	}
	// Rows already converted are kept even when fn reports an error.
	if err := files.EncryptFile(tmp, key); err != nil {
		return errors.Join(runErr, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(runErr, fmt.Errorf("replacing %s: %w", path, err))
	}
	return runErr
}
