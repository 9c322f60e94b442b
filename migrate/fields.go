package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/strongroom/config"
	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
)

// Progress is reported while a field migration works through a table.
type Progress struct {
	Table string
	Done  int
	Total int
}

// TableResult summarizes one table of a field migration.
type TableResult struct {
	Table   string
	Rows    int
	Changed int
	Failed  int
	// Missing is set when the table does not exist.
	Missing bool
	// Err is set when the table could not be read at all.
	Err error
}

// FieldResult summarizes a field migration.
type FieldResult struct {
	RunID    string
	Tables   []TableResult
	Changed  int
	Failed   int
	Duration time.Duration
}

// OK reports whether every row and table was processed.
func (r *FieldResult) OK() bool {
	if r.Failed > 0 {
		return false
	}
	for _, t := range r.Tables {
		if t.Err != nil {
			return false
		}
	}
	return true
}

// convertFunc returns the new value for v and whether it changed.
type convertFunc func(v string) (string, bool, error)

// EncryptFields encrypts every plaintext value in the configured columns.
// Rows that fail are logged, counted and skipped. If ctx is cancelled the
// rows already written stay encrypted and the partial result is returned
// with the context error.
func (c *Coordinator) EncryptFields(ctx context.Context, progress func(Progress)) (*FieldResult, error) {
	return c.runFields(ctx, kindEncryptFields, progress, func(v string) (string, bool, error) {
		if fieldcrypt.IsEncrypted(v) || strings.TrimSpace(v) == "" {
			return v, false, nil
		}
		enc, err := c.fields.EncryptField(v)
		if err != nil {
			return "", false, err
		}
		return enc, true, nil
	})
}

// DecryptFields is the inverse of EncryptFields, used when field
// encryption is turned off. Values that do not authenticate are left as
// they are and their rows counted as failed.
func (c *Coordinator) DecryptFields(ctx context.Context, progress func(Progress)) (*FieldResult, error) {
	return c.runFields(ctx, kindDecryptFields, progress, func(v string) (string, bool, error) {
		if !fieldcrypt.IsEncrypted(v) {
			return v, false, nil
		}
		plain, err := c.fields.DecryptFieldStrict(v)
		if err != nil {
			return "", false, err
		}
		return plain, true, nil
	})
}

func (c *Coordinator) runFields(ctx context.Context, kind string, progress func(Progress), conv convertFunc) (*FieldResult, error) {
	if c.db == nil {
		return nil, ErrNoDatabase
	}
	if c.fields == nil {
		return nil, ErrNoFieldCipher
	}
	if progress == nil {
		progress = func(Progress) {}
	}
	start := time.Now()
	res := &FieldResult{RunID: uuid.NewString()}
	log := c.log.With("run_id", res.RunID, "kind", kind)
	log.Info("field migration started", "tables", len(c.cfg.Tables))

	for _, t := range c.cfg.Tables {
		tr, err := c.migrateTable(ctx, t, progress, conv)
		res.Tables = append(res.Tables, tr)
		res.Changed += tr.Changed
		res.Failed += tr.Failed
		if err != nil {
			log.Warn("field migration cancelled", "table", t.Name, "error", err)
			res.Duration = time.Since(start)
			return res, err
		}
		if tr.Err != nil {
			log.Warn("table skipped", "table", t.Name, "error", tr.Err)
		}
	}

	res.Duration = time.Since(start)
	c.metrics.duration.WithLabelValues(kind).Observe(res.Duration.Seconds())
	log.Info("field migration complete", "changed", res.Changed, "failed", res.Failed, "duration", res.Duration)
	return res, nil
}

type row struct {
	id   int64
	vals []sql.NullString
}

// migrateTable converts one table. Only cancellation is returned as an
// error; table-level failures are reported in TableResult.Err.
func (c *Coordinator) migrateTable(ctx context.Context, t config.Table, progress func(Progress), conv convertFunc) (TableResult, error) {
	tr := TableResult{Table: t.Name}
	qt, err := sqlitex.Ident(t.Name)
	if err != nil {
		tr.Err = err
		return tr, nil
	}
	cols, err := sqlitex.Idents(t.Columns)
	if err != nil {
		tr.Err = err
		return tr, nil
	}
	ok, err := sqlitex.TableExists(ctx, c.db, t.Name)
	if err != nil {
		tr.Err = err
		return tr, ctx.Err()
	}
	if !ok {
		tr.Missing = true
		return tr, nil
	}

	rows, err := readRows(ctx, c.db, qt, cols)
	if err != nil {
		tr.Err = err
		return tr, ctx.Err()
	}
	tr.Rows = len(rows)
	progress(Progress{Table: t.Name, Total: len(rows)})

	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return tr, err
		}
		changed, err := c.migrateRow(ctx, qt, cols, r, conv)
		switch {
		case err != nil:
			tr.Failed++
			c.metrics.rows.WithLabelValues(t.Name, resultFailed).Inc()
			c.log.Warn("row migration failed", "table", t.Name, "rowid", r.id, "error", err)
		case changed:
			tr.Changed++
			c.metrics.rows.WithLabelValues(t.Name, resultChanged).Inc()
		default:
			c.metrics.rows.WithLabelValues(t.Name, resultUnchanged).Inc()
		}
		progress(Progress{Table: t.Name, Done: i + 1, Total: len(rows)})
	}
	return tr, nil
}

// readRows loads the whole table before any update, since the connection
// pool holds a single connection.
func readRows(ctx context.Context, db *sql.DB, table string, cols []string) ([]row, error) {
	q := "SELECT rowid, " + strings.Join(cols, ", ") + " FROM " + table
	rs, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	defer rs.Close()

	var out []row
	for rs.Next() {
		r := row{vals: make([]sql.NullString, len(cols))}
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &r.id)
		for i := range r.vals {
			dest = append(dest, &r.vals[i])
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

// migrateRow converts the row's values and writes back the ones that
// changed. Nothing is written if any value fails.
func (c *Coordinator) migrateRow(ctx context.Context, table string, cols []string, r row, conv convertFunc) (bool, error) {
	var sets []string
	var args []any
	for i, v := range r.vals {
		if !v.Valid {
			continue
		}
		next, changed, err := conv(v.String)
		if err != nil {
			return false, fmt.Errorf("column %s: %w", cols[i], err)
		}
		if changed {
			sets = append(sets, cols[i]+" = ?")
			args = append(args, next)
		}
	}
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, r.id)
	q := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE rowid = ?"
	if _, err := c.db.ExecContext(ctx, q, args...); err != nil {
		return false, err
	}
	return true, nil
}
