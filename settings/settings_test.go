package settings

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongroom/internal/sqlitex"
)

var testHash = strings.Repeat("ab", 32)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		s    Settings
		ok   bool
	}{
		{"Zero", Settings{}, true},
		{"EnabledWithHash", Settings{EncryptionEnabled: true, EncryptionKeyHash: testHash}, true},
		{"EnabledWithoutHash", Settings{EncryptionEnabled: true}, false},
		{"ShortHash", Settings{EncryptionKeyHash: "abcd"}, false},
		{"NonHexHash", Settings{EncryptionKeyHash: strings.Repeat("zz", 32)}, false},
		{"WrappedWithoutHash", Settings{WrappedKey: []byte{1}}, false},
		{"PINSet", Settings{PINEnabled: true, EncryptedPIN: "abc"}, true},
		{"PINEnabledNoValue", Settings{PINEnabled: true}, false},
		{"PINValueNotEnabled", Settings{EncryptedPIN: "abc"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("LoadEmpty", func(t *testing.T) {
		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, Settings{}, got)
		assert.False(t, got.KeyConfigured())
	})

	t.Run("SaveLoad", func(t *testing.T) {
		want := Settings{
			EncryptionEnabled:        true,
			EncryptionKeyHash:        testHash,
			SessionEncryptionEnabled: true,
			WrappedKey:               []byte("wrapped"),
		}
		require.NoError(t, s.Save(ctx, want))
		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.KeyConfigured())
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		err := s.Save(ctx, Settings{PINEnabled: true})
		assert.ErrorIs(t, err, ErrInvalid)
		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.True(t, got.EncryptionEnabled)
	})

	t.Run("Update", func(t *testing.T) {
		err := s.Update(ctx, func(cur *Settings) error {
			cur.PINEnabled = true
			cur.EncryptedPIN = "cipher"
			return nil
		})
		require.NoError(t, err)
		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.True(t, got.PINEnabled)
		assert.True(t, got.EncryptionEnabled)
	})

	t.Run("UpdateAbortsOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(ctx, func(cur *Settings) error {
			cur.EncryptedPIN = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cipher", got.EncryptedPIN)
	})

	t.Run("UpdateRejectsInvalid", func(t *testing.T) {
		err := s.Update(ctx, func(cur *Settings) error {
			cur.EncryptedPIN = ""
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Settings{EncryptionKeyHash: testHash, WrappedKey: []byte("abc")}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	got.WrappedKey[0] = 'X'

	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.WrappedKey)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := NewBoltStoreFromFile(path, nil)
	require.NoError(t, err)
	storeContract(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewBoltStoreFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testHash, got.EncryptionKeyHash)
	assert.Equal(t, "cipher", got.EncryptedPIN)
}

func TestKeyHashFromDB(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitex.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	defer db.Close()

	hash, err := KeyHashFromDB(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, hash, "missing table")

	_, err = db.ExecContext(ctx, `CREATE TABLE app_settings (id INTEGER PRIMARY KEY, encryption_key_hash TEXT)`)
	require.NoError(t, err)
	hash, err = KeyHashFromDB(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, hash, "missing row")

	_, err = db.ExecContext(ctx, `INSERT INTO app_settings (id, encryption_key_hash) VALUES (1, NULL)`)
	require.NoError(t, err)
	hash, err = KeyHashFromDB(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, hash, "null value")

	_, err = db.ExecContext(ctx, `UPDATE app_settings SET encryption_key_hash = ? WHERE id = 1`, testHash)
	require.NoError(t, err)
	hash, err = KeyHashFromDB(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, testHash, hash)
}
