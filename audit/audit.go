// Package audit counts encrypted and plaintext field values in the
// application database. Counts are for reporting and migration sizing;
// a table that is missing or unreadable never fails a summary.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/strongroom/config"
	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
)

// Summary keys for the totals across all tables.
const (
	TotalEncrypted = "total.encrypted"
	TotalPlaintext = "total.plaintext"
)

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		a.log = l
	}
}

// Auditor reads the tables it was configured with.
type Auditor struct {
	db     *sql.DB
	tables []config.Table
	log    *slog.Logger
}

// New returns an Auditor over db. The caller owns db.
func New(db *sql.DB, tables []config.Table, opts ...Option) *Auditor {
	a := &Auditor{
		db:     db,
		tables: tables,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EncryptedKey returns the Summary key for a table's encrypted count.
func EncryptedKey(table string) string { return table + ".encrypted" }

// PlaintextKey returns the Summary key for a table's plaintext count.
func PlaintextKey(table string) string { return table + ".plaintext" }

// predicates returns SQL for "some column carries the prefix" and "some
// column is non-empty". substr keeps the prefix test case-sensitive, which
// LIKE is not.
func predicates(columns []string) (prefixed, nonEmpty string, err error) {
	if len(columns) == 0 {
		return "", "", fmt.Errorf("no columns given")
	}
	quoted, err := sqlitex.Idents(columns)
	if err != nil {
		return "", "", err
	}
	vals := sqlitex.Coalesce(quoted)
	p := make([]string, len(vals))
	n := make([]string, len(vals))
	for i, v := range vals {
		p[i] = fmt.Sprintf("substr(%s, 1, %d) = '%s'", v, len(fieldcrypt.Prefix), fieldcrypt.Prefix)
		n[i] = v + " <> ''"
	}
	return sqlitex.JoinOr(p), sqlitex.JoinOr(n), nil
}

func (a *Auditor) count(ctx context.Context, table string, columns []string, where func(prefixed, nonEmpty string) string) (int, error) {
	qt, err := sqlitex.Ident(table)
	if err != nil {
		return 0, err
	}
	prefixed, nonEmpty, err := predicates(columns)
	if err != nil {
		return 0, err
	}
	ok, err := sqlitex.TableExists(ctx, a.db, table)
	if err != nil {
		return 0, fmt.Errorf("checking table %s: %w", table, err)
	}
	if !ok {
		a.log.Debug("audit table missing", "table", table)
		return 0, nil
	}
	var n int
	q := "SELECT COUNT(*) FROM " + qt + " WHERE " + where(prefixed, nonEmpty)
	if err := a.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// CountEncrypted returns the number of rows where at least one of columns
// starts with the field encryption prefix. A missing table counts 0.
func (a *Auditor) CountEncrypted(ctx context.Context, table string, columns []string) (int, error) {
	return a.count(ctx, table, columns, func(prefixed, _ string) string {
		return prefixed
	})
}

// CountPlaintext returns the number of rows with at least one non-empty
// value in columns and no prefixed value. Rows whose columns are all empty
// or NULL are not counted. A missing table counts 0.
func (a *Auditor) CountPlaintext(ctx context.Context, table string, columns []string) (int, error) {
	return a.count(ctx, table, columns, func(prefixed, nonEmpty string) string {
		return nonEmpty + " AND NOT " + prefixed
	})
}

// Summary counts every configured table. Tables that fail are logged and
// reported as 0.
func (a *Auditor) Summary(ctx context.Context) (map[string]int, error) {
	out := map[string]int{TotalEncrypted: 0, TotalPlaintext: 0}
	for _, t := range a.tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, err := a.CountEncrypted(ctx, t.Name, t.Columns)
		if err != nil {
			a.log.Warn("audit count failed", "table", t.Name, "columns", strings.Join(t.Columns, ","), "error", err)
			enc = 0
		}
		plain, err := a.CountPlaintext(ctx, t.Name, t.Columns)
		if err != nil {
			a.log.Warn("audit count failed", "table", t.Name, "columns", strings.Join(t.Columns, ","), "error", err)
			plain = 0
		}
		out[EncryptedKey(t.Name)] = enc
		out[PlaintextKey(t.Name)] = plain
		out[TotalEncrypted] += enc
		out[TotalPlaintext] += plain
	}
	return out, nil
}
