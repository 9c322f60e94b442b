package cmd

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongroom/escrow"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func resetFlags() {
	cfgFile, verbose = "", false
	dbKeyFlag, fileKey, fileNewKey = "", "", ""
	auditJSONOutput, migrateDecrypt = false, false
	pinUID = ""
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

type env struct {
	dir    string
	db     string
	config string
}

// newEnv creates a database with a clients table and a config pointing at
// it.
func newEnv(t *testing.T) env {
	t.Helper()
	t.Setenv("STRONGROOM_FIELD_KEY", "")
	t.Setenv(dbKeyEnv, "")
	dir := t.TempDir()
	e := env{
		dir:    dir,
		db:     filepath.Join(dir, "app.db"),
		config: filepath.Join(dir, "strongroom.yaml"),
	}
	db, err := sqlitex.Open(e.db)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE clients (id INTEGER PRIMARY KEY, email TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = db.Exec(`INSERT INTO clients (email) VALUES (?)`, fmt.Sprintf("c%d@example.com", i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	cfg := fmt.Sprintf(`databasePath: %s
settingsPath: %s
fieldKey: test-field-key
tables:
  - name: clients
    columns: [email]
`, e.db, filepath.Join(dir, "settings.db"))
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))
	return e
}

func auditSummary(t *testing.T, e env, extra ...string) map[string]int {
	t.Helper()
	out, err := run(t, "", append([]string{"audit", "--json", "-c", e.config}, extra...)...)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	return got
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestKeygen(t *testing.T) {
	out, err := run(t, "", "keygen")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 44)
}

func TestFileCommands(t *testing.T) {
	t.Setenv(dbKeyEnv, "")
	path := filepath.Join(t.TempDir(), "data.db")
	orig := append([]byte(filecrypt.MagicHeader), []byte("payload")...)
	require.NoError(t, os.WriteFile(path, orig, 0o600))
	key, err := filecrypt.GenerateKey()
	require.NoError(t, err)
	other, err := filecrypt.GenerateKey()
	require.NoError(t, err)

	out, err := run(t, "", "file", "status", path)
	require.NoError(t, err)
	assert.Contains(t, out, "plaintext")

	_, err = run(t, "", "file", "encrypt", "--key", key, path)
	require.NoError(t, err)
	out, err = run(t, "", "file", "status", path)
	require.NoError(t, err)
	assert.Contains(t, out, "encrypted")

	sealed, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = run(t, "", "file", "decrypt", "--key", other, path)
	require.Error(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sealed, after)

	_, err = run(t, "", "file", "rekey", "--key", key, "--new-key", other, path)
	require.NoError(t, err)
	_, err = run(t, "", "file", "decrypt", "--key", other, path)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	_, err = run(t, "", "file", "encrypt", path)
	assert.Error(t, err)
}

func TestAuditAndFieldMigration(t *testing.T) {
	e := newEnv(t)

	got := auditSummary(t, e)
	assert.Equal(t, 0, got["clients.encrypted"])
	assert.Equal(t, 4, got["clients.plaintext"])

	out, err := run(t, "", "migrate", "fields", "-c", e.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Changed 4 rows, 0 failed")

	got = auditSummary(t, e)
	assert.Equal(t, 4, got["clients.encrypted"])
	assert.Equal(t, 0, got["total.plaintext"])

	_, err = run(t, "", "migrate", "fields", "--decrypt", "-c", e.config)
	require.NoError(t, err)
	got = auditSummary(t, e)
	assert.Equal(t, 4, got["clients.plaintext"])
}

func TestEncryptedDatabase(t *testing.T) {
	if escrow.New().Available() {
		t.Skip("uses the manual-key path; an OS key store is available here")
	}
	e := newEnv(t)

	out, err := run(t, "", "key", "enable", "-c", e.config)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	key := lines[len(lines)-1]
	require.Len(t, key, 44)
	assert.True(t, filecrypt.IsEncrypted(e.db))

	out, err = run(t, "", "key", "status", "-c", e.config)
	require.NoError(t, err)
	assert.Contains(t, out, "encryption enabled:  true")

	_, err = run(t, "", "audit", "-c", e.config)
	assert.Error(t, err, "key cannot come from escrow")

	_, err = run(t, "", "migrate", "fields", "-c", e.config, "--key", key)
	require.NoError(t, err)
	assert.True(t, filecrypt.IsEncrypted(e.db))

	got := auditSummary(t, e, "--key", key)
	assert.Equal(t, 4, got["clients.encrypted"])

	dst := filepath.Join(t.TempDir(), "moved.db")
	_, err = run(t, "", "migrate", "path", dst, "-c", e.config, "--key", key)
	require.NoError(t, err)
	assert.True(t, filecrypt.IsEncrypted(dst))

	_, err = run(t, "", "key", "disable", "-c", e.config, "--key", key)
	require.NoError(t, err)
	assert.False(t, filecrypt.IsEncrypted(e.db))

	db, err := sqlitex.Open(e.db)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&n))
	assert.Equal(t, 4, n)
	var email sql.NullString
	require.NoError(t, db.QueryRow(`SELECT email FROM clients LIMIT 1`).Scan(&email))
	assert.True(t, strings.HasPrefix(email.String, "ENC:"))
}

func TestPINCommands(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "", "pin", "status", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "unset\n", out)

	_, err = run(t, "1234\n", "pin", "set", "-c", e.config)
	assert.Error(t, err, "--uid is required")

	_, err = run(t, "1234\n", "pin", "set", "-c", e.config, "--uid", "user-1")
	require.NoError(t, err)

	out, err = run(t, "", "pin", "recover", "-c", e.config, "--uid", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1234\n", out)

	_, err = run(t, "", "pin", "recover", "-c", e.config, "--uid", "user-2")
	assert.Error(t, err)

	_, err = run(t, "1234\n98765\n", "pin", "change", "-c", e.config, "--uid", "user-1")
	require.NoError(t, err)
	out, err = run(t, "", "pin", "recover", "-c", e.config, "--uid", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "98765\n", out)

	_, err = run(t, "", "pin", "clear", "-c", e.config)
	require.NoError(t, err)
	out, err = run(t, "", "pin", "status", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "unset\n", out)
}
