package migrate

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongroom/config"
	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
)

const testFieldKey = "correct horse battery staple"

func plentyOfSpace(context.Context, string) (uint64, error) { return 1 << 40, nil }

func newCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	c.freeSpace = plentyOfSpace
	return c
}

func writeDB(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "app.db")
	body := append([]byte(filecrypt.MagicHeader), bytes.Repeat([]byte("row"), 2000)...)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func TestMovePathPlain(t *testing.T) {
	src := writeDB(t, t.TempDir())
	require.NoError(t, os.WriteFile(src+"-wal", []byte("wal"), 0o600))
	dst := filepath.Join(t.TempDir(), "nested", "moved.db")

	c := newCoordinator(t, Config{})
	res, err := c.MovePath(context.Background(), src, dst, "")
	require.NoError(t, err)
	assert.False(t, res.Encrypted)
	assert.Equal(t, []string{src + "-wal"}, res.Sidecars)
	assert.Empty(t, res.SidecarErrors)
	assert.NotEmpty(t, res.RunID)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wal, err := os.ReadFile(dst + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "wal", string(wal))
	assert.NoFileExists(t, dst+"-shm")
	assert.NoFileExists(t, src+".lock")
}

func TestMovePathEncrypted(t *testing.T) {
	src := writeDB(t, t.TempDir())
	plain, err := os.ReadFile(src)
	require.NoError(t, err)
	key, err := filecrypt.GenerateKey()
	require.NoError(t, err)
	files := filecrypt.New()
	require.NoError(t, files.EncryptFile(src, key))
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	dstDir := t.TempDir()
	dst := filepath.Join(dstDir, "moved.db")
	c := newCoordinator(t, Config{})
	res, err := c.MovePath(context.Background(), src, dst, key)
	require.NoError(t, err)
	assert.True(t, res.Encrypted)

	// Source untouched, destination encrypted under the same key.
	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, filecrypt.IsEncrypted(dst))

	out := filepath.Join(t.TempDir(), "check.db")
	require.NoError(t, files.DecryptTo(dst, out, key))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// No decrypted temp copy is left behind.
	entries, err := os.ReadDir(dstDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMovePathWrongKey(t *testing.T) {
	src := writeDB(t, t.TempDir())
	key, err := filecrypt.GenerateKey()
	require.NoError(t, err)
	other, err := filecrypt.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, filecrypt.New().EncryptFile(src, key))

	dst := filepath.Join(t.TempDir(), "moved.db")
	c := newCoordinator(t, Config{})
	_, err = c.MovePath(context.Background(), src, dst, other)
	assert.ErrorIs(t, err, filecrypt.ErrDecrypt)
	assert.NoFileExists(t, dst)
	assert.True(t, filecrypt.IsEncrypted(src))

	_, err = c.MovePath(context.Background(), src, dst, "")
	assert.ErrorIs(t, err, filecrypt.ErrEmptyKey)
}

func TestMovePathValidation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := writeDB(t, dir)

	c := newCoordinator(t, Config{})
	_, err := c.MovePath(ctx, src, src, "")
	assert.ErrorIs(t, err, ErrSamePath)

	_, err = c.MovePath(ctx, filepath.Join(dir, "none.db"), filepath.Join(dir, "x.db"), "")
	assert.ErrorIs(t, err, ErrSourceMissing)

	c.freeSpace = func(context.Context, string) (uint64, error) { return 1024, nil }
	_, err = c.MovePath(ctx, src, filepath.Join(t.TempDir(), "x.db"), "")
	assert.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestMovePathLocked(t *testing.T) {
	src := writeDB(t, t.TempDir())
	c := newCoordinator(t, Config{})

	held := flock.New(src + ".lock")
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = c.MovePath(ctx, src, filepath.Join(t.TempDir(), "x.db"), "")
	assert.ErrorIs(t, err, ErrLocked)
}

func openTable(t *testing.T, rows ...any) *sql.DB {
	t.Helper()
	db, err := sqlitex.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE clients (id INTEGER PRIMARY KEY, email TEXT, phone TEXT)`)
	require.NoError(t, err)
	for i := 0; i < len(rows); i += 2 {
		_, err = db.Exec(`INSERT INTO clients (email, phone) VALUES (?, ?)`, rows[i], rows[i+1])
		require.NoError(t, err)
	}
	return db
}

func column(t *testing.T, db *sql.DB, col string) []sql.NullString {
	t.Helper()
	rs, err := db.Query(fmt.Sprintf(`SELECT %s FROM clients ORDER BY id`, col))
	require.NoError(t, err)
	defer rs.Close()
	var out []sql.NullString
	for rs.Next() {
		var v sql.NullString
		require.NoError(t, rs.Scan(&v))
		out = append(out, v)
	}
	require.NoError(t, rs.Err())
	return out
}

var clientsTable = []config.Table{{Name: "clients", Columns: []string{"email", "phone"}}}

func TestEncryptDecryptFields(t *testing.T) {
	db := openTable(t,
		"a@example.com", "555-0100",
		"b@example.com", nil,
		"", "  ",
		nil, nil,
	)
	fc, err := fieldcrypt.New(testFieldKey)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	c := newCoordinator(t, Config{Tables: append(clientsTable, config.Table{Name: "absent", Columns: []string{"x"}})},
		WithDB(db), WithFieldCipher(fc), WithRegisterer(reg))

	var seen []Progress
	res, err := c.EncryptFields(context.Background(), func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 2, res.Changed)
	require.Len(t, res.Tables, 2)
	assert.Equal(t, 4, res.Tables[0].Rows)
	assert.True(t, res.Tables[1].Missing)
	assert.Equal(t, Progress{Table: "clients", Done: 4, Total: 4}, seen[len(seen)-1])

	emails := column(t, db, "email")
	assert.True(t, fieldcrypt.IsEncrypted(emails[0].String))
	assert.True(t, fieldcrypt.IsEncrypted(emails[1].String))
	assert.Equal(t, "", emails[2].String)
	assert.False(t, emails[3].Valid)
	phones := column(t, db, "phone")
	assert.True(t, fieldcrypt.IsEncrypted(phones[0].String))
	assert.False(t, phones[1].Valid)
	assert.Equal(t, "  ", phones[2].String)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.rows.WithLabelValues("clients", resultChanged)))

	// A second run finds nothing to do.
	res, err = c.EncryptFields(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Changed)

	res, err = c.DecryptFields(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)
	assert.Equal(t, "a@example.com", column(t, db, "email")[0].String)
	assert.Equal(t, "555-0100", column(t, db, "phone")[0].String)
}

func TestFieldRowFailureIsSkipped(t *testing.T) {
	db := openTable(t,
		"a@example.com", nil,
		"b@example.com", nil,
		"c@example.com", nil,
	)
	_, err := db.Exec(`CREATE TRIGGER reject BEFORE UPDATE ON clients WHEN OLD.id = 2
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	fc, err := fieldcrypt.New(testFieldKey)
	require.NoError(t, err)
	c := newCoordinator(t, Config{Tables: clientsTable}, WithDB(db), WithFieldCipher(fc))

	res, err := c.EncryptFields(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 2, res.Changed)
	assert.Equal(t, 1, res.Failed)

	emails := column(t, db, "email")
	assert.True(t, fieldcrypt.IsEncrypted(emails[0].String))
	assert.Equal(t, "b@example.com", emails[1].String)
	assert.True(t, fieldcrypt.IsEncrypted(emails[2].String))
}

func TestDecryptFieldsCorruptValue(t *testing.T) {
	db := openTable(t, "ENC:bm90IGNpcGhlcnRleHQ=", nil)
	fc, err := fieldcrypt.New(testFieldKey)
	require.NoError(t, err)
	c := newCoordinator(t, Config{Tables: clientsTable}, WithDB(db), WithFieldCipher(fc))

	res, err := c.DecryptFields(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "ENC:bm90IGNpcGhlcnRleHQ=", column(t, db, "email")[0].String)
}

func TestFieldMigrationCancel(t *testing.T) {
	db := openTable(t,
		"a@example.com", nil,
		"b@example.com", nil,
		"c@example.com", nil,
		"d@example.com", nil,
	)
	fc, err := fieldcrypt.New(testFieldKey)
	require.NoError(t, err)
	c := newCoordinator(t, Config{Tables: clientsTable}, WithDB(db), WithFieldCipher(fc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := c.EncryptFields(ctx, func(p Progress) {
		if p.Done == 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Changed)

	emails := column(t, db, "email")
	assert.True(t, fieldcrypt.IsEncrypted(emails[1].String))
	assert.Equal(t, "c@example.com", emails[2].String)
}

func TestFieldMigrationRequiresDB(t *testing.T) {
	c := newCoordinator(t, Config{Tables: clientsTable})
	_, err := c.EncryptFields(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(Config{}, WithRegisterer(reg))
	require.NoError(t, err)
	_, err = New(Config{}, WithRegisterer(reg))
	require.NoError(t, err)
}
