package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"
)

// Player is a registered account.
type Player struct {
	ID         int64
	Username   string
	Sysop      bool
	SectorID   int64
	ShipID     *int64
	Experience int64
	Alignment  int64
}

func hashPassword(passwd string) string {
	var sum = sha256.Sum256([]byte(passwd))
	return hex.EncodeToString(sum[:])
}

// CreatePlayer registers a player with a starter ship in sector 1. A taken
// username surfaces as ErrConflict.
func (s *Store) CreatePlayer(ctx context.Context, username, passwd string) (Player, error) {
	var p Player
	var err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var res, err = tx.ExecContext(ctx,
			`INSERT INTO players (username, password_hash, created_at) VALUES (?, ?, ?)`,
			username, hashPassword(passwd), time.Now().Unix())
		if err != nil {
			return mapSQLError(err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if res, err = tx.ExecContext(ctx,
			`INSERT INTO ships (name, owner_id, sector_id) VALUES (?, ?, 1)`,
			username+"'s Scout", p.ID); err != nil {
			return mapSQLError(err)
		}
		var shipID int64
		if shipID, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE players SET ship_id = ? WHERE id = ?`, shipID, p.ID); err != nil {
			return mapSQLError(err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO bank_accounts (entity_type, entity_id, balance) VALUES ('player', ?, 1000)`,
			p.ID); err != nil {
			return mapSQLError(err)
		}
		p.Username, p.SectorID, p.ShipID = username, 1, &shipID
		return nil
	})
	return p, err
}

// AuthenticatePlayer verifies credentials and returns the player, or
// ErrNotFound when they do not match.
func (s *Store) AuthenticatePlayer(ctx context.Context, username, passwd string) (Player, error) {
	var p Player
	var err = s.db.QueryRowContext(ctx,
		`SELECT id, username, sysop, sector_id, ship_id, experience, alignment
		 FROM players WHERE username = ? AND password_hash = ?`,
		username, hashPassword(passwd)).
		Scan(&p.ID, &p.Username, &p.Sysop, &p.SectorID, &p.ShipID, &p.Experience, &p.Alignment)
	if err == sql.ErrNoRows {
		return Player{}, ErrNotFound
	}
	return p, mapSQLError(err)
}

// GetPlayer returns the player by id or ErrNotFound.
func (s *Store) GetPlayer(ctx context.Context, id int64) (Player, error) {
	var p Player
	var err = s.db.QueryRowContext(ctx,
		`SELECT id, username, sysop, sector_id, ship_id, experience, alignment
		 FROM players WHERE id = ?`, id).
		Scan(&p.ID, &p.Username, &p.Sysop, &p.SectorID, &p.ShipID, &p.Experience, &p.Alignment)
	if err == sql.ErrNoRows {
		return Player{}, ErrNotFound
	}
	return p, mapSQLError(err)
}

// MovePlayer places the player (and their ship) in |sectorID|.
func (s *Store) MovePlayer(ctx context.Context, playerID, sectorID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE players SET sector_id = ? WHERE id = ?`, sectorID, playerID); err != nil {
			return mapSQLError(err)
		}
		var _, err = tx.ExecContext(ctx,
			`UPDATE ships SET sector_id = ? WHERE id =
			   (SELECT ship_id FROM players WHERE id = ?)`, sectorID, playerID)
		return mapSQLError(err)
	})
}

// CreateSession persists a session token row.
func (s *Store) CreateSession(ctx context.Context, token string, playerID int64, ttl time.Duration) error {
	var now = time.Now()
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, player_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, playerID, now.Unix(), now.Add(ttl).Unix())
	return mapSQLError(err)
}

// SessionPlayer resolves a live session token to its player id.
func (s *Store) SessionPlayer(ctx context.Context, token string) (int64, error) {
	var playerID int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT player_id FROM sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now().Unix()).Scan(&playerID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return playerID, mapSQLError(err)
}

// DeleteSession removes a session token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	var _, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return mapSQLError(err)
}

// DestroyShip marks the ship destroyed and detaches it from its owner,
// both idempotently.
func DestroyShip(ctx context.Context, q Queryer, shipID int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE ships SET destroyed = 1 WHERE id = ?`, shipID); err != nil {
		return mapSQLError(err)
	}
	var _, err = q.ExecContext(ctx,
		`UPDATE players SET ship_id = NULL WHERE ship_id = ?`, shipID)
	return mapSQLError(err)
}

// PlayerShip resolves the player's current ship id, or ErrNotFound.
func PlayerShip(ctx context.Context, q Queryer, playerID int64) (int64, error) {
	var shipID sql.NullInt64
	var err = q.QueryRowContext(ctx,
		`SELECT ship_id FROM players WHERE id = ?`, playerID).Scan(&shipID)
	if err == sql.ErrNoRows || (err == nil && !shipID.Valid) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, mapSQLError(err)
	}
	return shipID.Int64, nil
}

// AdvancePlayerProgress adds trade experience and alignment deltas.
func AdvancePlayerProgress(ctx context.Context, q Queryer, playerID, xp, alignment int64) error {
	var res, err = q.ExecContext(ctx,
		`UPDATE players SET experience = experience + ?, alignment = alignment + ?
		 WHERE id = ?`, xp, alignment, playerID)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
