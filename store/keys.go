package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"
)

// ActiveDefaultKey returns the active default-sender S2S key, or empty
// strings when none exists. It implements keyring.Source.
func (s *Store) ActiveDefaultKey(ctx context.Context) (string, string, error) {
	var keyID, keyB64 string
	var err = s.db.QueryRowContext(ctx,
		`SELECT key_id, key_b64 FROM s2s_keys
		 WHERE active = 1 AND is_default_tx = 1
		 ORDER BY created_ts DESC LIMIT 1`).Scan(&keyID, &keyB64)
	if err == sql.ErrNoRows {
		return "", "", nil
	} else if err != nil {
		return "", "", mapSQLError(err)
	}
	return keyID, keyB64, nil
}

// GenerateDefaultKey inserts a fresh random default key. It implements
// keyring.Source and is the one-shot placeholder path taken on first boot.
func (s *Store) GenerateDefaultKey(ctx context.Context) error {
	var secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating key material: %w", err)
	}
	var keyID = fmt.Sprintf("gen-%d", time.Now().Unix())
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO s2s_keys (key_id, key_b64, active, created_ts, is_default_tx)
		 VALUES (?, ?, 1, ?, 1)`,
		keyID, base64.StdEncoding.EncodeToString(secret), time.Now().Unix())
	return mapSQLError(err)
}

// InstallKey persists a named key row.
func (s *Store) InstallKey(ctx context.Context, keyID, keyB64 string, isDefault bool) error {
	var stmt = s.dialect.Upsert("s2s_keys",
		[]string{"key_id", "key_b64", "active", "created_ts", "is_default_tx"},
		[]string{"key_id"},
		[]string{
			"key_b64 = excluded.key_b64",
			"active = excluded.active",
			"is_default_tx = excluded.is_default_tx",
		})
	var _, err = s.db.ExecContext(ctx, stmt,
		keyID, keyB64, 1, time.Now().Unix(), isDefault)
	return mapSQLError(err)
}
