package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Peer is one registered inter-process peer.
type Peer struct {
	PeerID      string
	Host        string
	Port        int
	Enabled     bool
	SharedKeyID string
	LastSeenAt  int64
	Notes       string
	CreatedAt   int64
}

// ListPeers returns all peers ordered by id.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT peer_id, host, port, enabled, COALESCE(shared_key_id,''),
		        COALESCE(last_seen_at,0), COALESCE(notes,''), created_at
		 FROM s2s_peers ORDER BY peer_id ASC`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err = rows.Scan(&p.PeerID, &p.Host, &p.Port, &p.Enabled,
			&p.SharedKeyID, &p.LastSeenAt, &p.Notes, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeer returns the peer named |peerID| or ErrNotFound.
func (s *Store) GetPeer(ctx context.Context, peerID string) (Peer, error) {
	var p Peer
	var err = s.db.QueryRowContext(ctx,
		`SELECT peer_id, host, port, enabled, COALESCE(shared_key_id,''),
		        COALESCE(last_seen_at,0), COALESCE(notes,''), created_at
		 FROM s2s_peers WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Host, &p.Port, &p.Enabled,
			&p.SharedKeyID, &p.LastSeenAt, &p.Notes, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Peer{}, ErrNotFound
	}
	return p, mapSQLError(err)
}

// UpsertPeer creates or replaces a peer record.
func (s *Store) UpsertPeer(ctx context.Context, p Peer) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	var stmt = s.dialect.Upsert("s2s_peers",
		[]string{"peer_id", "host", "port", "enabled", "shared_key_id", "notes", "created_at"},
		[]string{"peer_id"},
		[]string{
			"host = excluded.host",
			"port = excluded.port",
			"enabled = excluded.enabled",
			"shared_key_id = excluded.shared_key_id",
			"notes = excluded.notes",
		})
	var _, err = s.db.ExecContext(ctx, stmt,
		p.PeerID, p.Host, p.Port, p.Enabled, p.SharedKeyID, p.Notes, p.CreatedAt)
	return mapSQLError(err)
}

// SetPeerEnabled flips a peer's enabled flag.
func (s *Store) SetPeerEnabled(ctx context.Context, peerID string, enabled bool) error {
	var res, err = s.db.ExecContext(ctx,
		`UPDATE s2s_peers SET enabled = ? WHERE peer_id = ?`, enabled, peerID)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPeerLastSeen stamps the peer's last_seen_at with the current time.
func (s *Store) TouchPeerLastSeen(ctx context.Context, peerID string) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE s2s_peers SET last_seen_at = ? WHERE peer_id = ?`,
		time.Now().Unix(), peerID)
	return mapSQLError(err)
}

// InsertNonce records (peer, nonce). A second insert within the retention
// window violates the primary key and returns ErrConflict: a replay.
func (s *Store) InsertNonce(ctx context.Context, peerID, nonce string, msgTS int64) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO s2s_nonce_seen (peer_id, nonce, msg_ts, seen_at) VALUES (?, ?, ?, ?)`,
		peerID, nonce, msgTS, time.Now().Unix())
	return mapSQLError(err)
}

// SweepNonces deletes entries older than |age| and reports how many went.
func (s *Store) SweepNonces(ctx context.Context, age time.Duration) (int64, error) {
	var cutoff = time.Now().Add(-age).Unix()
	var res, err = s.db.ExecContext(ctx,
		`DELETE FROM s2s_nonce_seen WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, mapSQLError(err)
	}
	var n int64
	if n, err = res.RowsAffected(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return n, nil
}
