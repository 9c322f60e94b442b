// Package sqlitex holds the small amount of SQLite plumbing shared by the
// settings, audit and migrate packages.
package sqlitex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInvalidIdentifier is returned for table or column names that are not
// plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens the SQLite database at path with a busy timeout. The caller
// owns the returned handle.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Ident validates name and returns it double-quoted for use in SQL text.
// Identifiers cannot be bound as parameters, so every table and column
// name passes through here.
func Ident(name string) (string, error) {
	if !identRE.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

// Idents is Ident over a list.
func Idents(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		q, err := Ident(n)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// TableExists reports whether a table named name exists.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Coalesce wraps each quoted column so NULL reads as the empty string.
func Coalesce(quoted []string) []string {
	out := make([]string, len(quoted))
	for i, q := range quoted {
		out[i] = "COALESCE(" + q + ", '')"
	}
	return out
}

// JoinOr joins predicates with OR inside parentheses.
func JoinOr(preds []string) string {
	return "(" + strings.Join(preds, " OR ") + ")"
}
