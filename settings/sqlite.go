package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmcleod/strongroom/internal/sqlitex"
)

// KeyHashFromDB returns app_settings(id=1).encryption_key_hash from the
// application database, or "" when the table, row or value is absent. It
// is the only field read to learn whether a database key was established.
func KeyHashFromDB(ctx context.Context, db *sql.DB) (string, error) {
	ok, err := sqlitex.TableExists(ctx, db, "app_settings")
	if err != nil {
		return "", fmt.Errorf("checking app_settings: %w", err)
	}
	if !ok {
		return "", nil
	}

	var hash sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT encryption_key_hash FROM app_settings WHERE id = 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading encryption_key_hash: %w", err)
	}
	return hash.String, nil
}
