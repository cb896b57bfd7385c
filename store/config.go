package store

import (
	"context"
	"database/sql"
)

// GetConfig reads a configuration value, returning |fallback| when unset.
func (s *Store) GetConfig(ctx context.Context, key, fallback string) (string, error) {
	var value string
	var err = s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	} else if err != nil {
		return "", mapSQLError(err)
	}
	return value, nil
}

// SetConfig writes a configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	var stmt = s.dialect.Upsert("config",
		[]string{"key", "value"},
		[]string{"key"},
		[]string{"value = excluded.value"})
	var _, err = s.db.ExecContext(ctx, stmt, key, value)
	return mapSQLError(err)
}
