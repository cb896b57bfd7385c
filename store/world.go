package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Warp is one directed edge of the sector graph.
type Warp struct {
	From int64
	To   int64
}

// CreateSector inserts a sector with an explicit id.
func CreateSector(ctx context.Context, q Queryer, id int64, name, beacon string) error {
	var b interface{}
	if beacon != "" {
		b = beacon
	}
	var _, err = q.ExecContext(ctx,
		`INSERT INTO sectors (id, name, beacon) VALUES (?, ?, ?)`, id, name, b)
	return mapSQLError(err)
}

// InsertWarp inserts the directed edge (from, to). Duplicate edges return
// ErrConflict; self-loops are rejected outright.
func InsertWarp(ctx context.Context, q Queryer, from, to int64) error {
	if from == to {
		return ErrConflict
	}
	var _, err = q.ExecContext(ctx,
		`INSERT INTO sector_warps (from_sector, to_sector) VALUES (?, ?)`, from, to)
	return mapSQLError(err)
}

// WarpsFrom lists destination sectors reachable in one hop from |sector|.
func WarpsFrom(ctx context.Context, q Queryer, sector int64) ([]int64, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT to_sector FROM sector_warps WHERE from_sector = ? ORDER BY to_sector`, sector)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var to int64
		if err = rows.Scan(&to); err != nil {
			return nil, err
		}
		out = append(out, to)
	}
	return out, rows.Err()
}

// AllWarps loads the whole edge set.
func AllWarps(ctx context.Context, q Queryer) ([]Warp, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT from_sector, to_sector FROM sector_warps`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []Warp
	for rows.Next() {
		var w Warp
		if err = rows.Scan(&w.From, &w.To); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkSectorUsed adds |sector| to the tunnel-membership set.
func MarkSectorUsed(ctx context.Context, q Queryer, sector int64) error {
	var _, err = q.ExecContext(ctx,
		`INSERT INTO used_sectors (id) VALUES (?)`, sector)
	return mapSQLError(err)
}

// UsedSectors loads the tunnel-membership set.
func UsedSectors(ctx context.Context, q Queryer) (map[int64]bool, error) {
	var rows, err = q.QueryContext(ctx, `SELECT id FROM used_sectors`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out = make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// PruneTunnelBoundaryWarps deletes warps with exactly one endpoint inside
// used_sectors: tunnels must not leak into the general graph.
func PruneTunnelBoundaryWarps(ctx context.Context, q Queryer) (int64, error) {
	var res, err = q.ExecContext(ctx,
		`DELETE FROM sector_warps
		 WHERE (from_sector IN (SELECT id FROM used_sectors))
		    != (to_sector   IN (SELECT id FROM used_sectors))`)
	if err != nil {
		return 0, mapSQLError(err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// SectorsWithoutWarps lists sectors with id > |minID| having no outgoing edge.
func SectorsWithoutWarps(ctx context.Context, q Queryer, minID int64) ([]int64, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT s.id FROM sectors s
		 WHERE s.id > ? AND NOT EXISTS
		   (SELECT 1 FROM sector_warps w WHERE w.from_sector = s.id)
		 ORDER BY s.id`, minID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreatePort inserts a port with stock and a seeded bank account.
func CreatePort(ctx context.Context, q Queryer, sectorID int64, name string, portType int, credits int64) (int64, error) {
	var res, err = q.ExecContext(ctx,
		`INSERT INTO ports (sector_id, name, type) VALUES (?, ?, ?)`,
		sectorID, name, portType)
	if err != nil {
		return 0, mapSQLError(err)
	}
	var portID int64
	if portID, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	for _, commodity := range []string{"ore", "organics", "equipment"} {
		if _, err = q.ExecContext(ctx,
			`INSERT INTO entity_stock (entity_type, entity_id, commodity, quantity, max_quantity)
			 VALUES ('port', ?, ?, 1000, 10000)`, portID, commodity); err != nil {
			return 0, mapSQLError(err)
		}
	}
	if _, err = q.ExecContext(ctx,
		`INSERT INTO bank_accounts (entity_type, entity_id, balance) VALUES ('port', ?, ?)`,
		portID, credits); err != nil {
		return 0, mapSQLError(err)
	}
	return portID, nil
}

// CreatePlanet inserts a planet.
func CreatePlanet(ctx context.Context, q Queryer, sectorID int64, name string) (int64, error) {
	var res, err = q.ExecContext(ctx,
		`INSERT INTO planets (sector_id, name) VALUES (?, ?)`, sectorID, name)
	if err != nil {
		return 0, mapSQLError(err)
	}
	return res.LastInsertId()
}

// CreateNPCShip seeds an NPC-locked ship with a bank account.
func CreateNPCShip(ctx context.Context, q Queryer, sectorID int64, name string, typeID int, credits int64) (int64, error) {
	var res, err = q.ExecContext(ctx,
		`INSERT INTO ships (name, type_id, sector_id, npc_locked) VALUES (?, ?, ?, 1)`,
		name, typeID, sectorID)
	if err != nil {
		return 0, mapSQLError(err)
	}
	var shipID int64
	if shipID, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	if _, err = q.ExecContext(ctx,
		`INSERT INTO bank_accounts (entity_type, entity_id, balance) VALUES ('ship', ?, ?)`,
		shipID, credits); err != nil {
		return 0, mapSQLError(err)
	}
	return shipID, nil
}

// SectorInfo is the "sector.info" query payload.
type SectorInfo struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Beacon  string   `json:"beacon,omitempty"`
	Warps   []int64  `json:"warps"`
	Ports   []string `json:"ports"`
	Planets []string `json:"planets"`
}

// SectorInfoJSON assembles the sector info payload, or ErrNotFound.
func (s *Store) SectorInfoJSON(ctx context.Context, sectorID int64) (json.RawMessage, error) {
	var info = SectorInfo{ID: sectorID}
	var beacon sql.NullString
	var err = s.db.QueryRowContext(ctx,
		`SELECT name, beacon FROM sectors WHERE id = ?`, sectorID).
		Scan(&info.Name, &beacon)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, mapSQLError(err)
	}
	info.Beacon = beacon.String

	if info.Warps, err = WarpsFrom(ctx, s.db, sectorID); err != nil {
		return nil, err
	}
	if info.Warps == nil {
		info.Warps = []int64{}
	}
	info.Ports, info.Planets = []string{}, []string{}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM ports WHERE sector_id = ?`, sectorID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		info.Ports = append(info.Ports, name)
	}
	rows.Close()

	if rows, err = s.db.QueryContext(ctx, `SELECT name FROM planets WHERE sector_id = ?`, sectorID); err != nil {
		return nil, mapSQLError(err)
	}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		info.Planets = append(info.Planets, name)
	}
	rows.Close()

	return json.Marshal(info)
}

// PublishNotice inserts a system notice and returns its id.
func (s *Store) PublishNotice(ctx context.Context, text string, expiresAt *int64) (int64, error) {
	var res, err = s.db.ExecContext(ctx,
		`INSERT INTO system_notice (ts, text, expires_at) VALUES (?, ?, ?)`,
		time.Now().Unix(), text, expiresAt)
	if err != nil {
		return 0, mapSQLError(err)
	}
	return res.LastInsertId()
}

// Notice is one row of the system notice board.
type Notice struct {
	ID   int64
	Text string
}

// ActiveNotices returns unexpired notices in publication order.
func (s *Store) ActiveNotices(ctx context.Context) ([]Notice, error) {
	var query = fmt.Sprintf(
		`SELECT id, text FROM system_notice
		 WHERE expires_at IS NULL OR expires_at > %s
		 ORDER BY id ASC`, s.dialect.Now())
	var rows, err = s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []Notice
	for rows.Next() {
		var n Notice
		if err = rows.Scan(&n.ID, &n.Text); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNoticeSeen records delivery of a notice to a player, idempotently.
func (s *Store) MarkNoticeSeen(ctx context.Context, noticeID, playerID int64) error {
	var stmt = s.dialect.Upsert("notice_seen",
		[]string{"notice_id", "player_id", "seen_at"},
		[]string{"notice_id", "player_id"}, nil)
	var _, err = s.db.ExecContext(ctx, stmt, noticeID, playerID, time.Now().Unix())
	return mapSQLError(err)
}

// ExpireCommodityOrders flips open orders past their expiry to 'expired'.
func (s *Store) ExpireCommodityOrders(ctx context.Context, now time.Time) (int64, error) {
	var res, err = s.db.ExecContext(ctx,
		`UPDATE commodity_orders SET status = 'expired'
		 WHERE status = 'open' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.Unix())
	if err != nil {
		return 0, mapSQLError(err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// RegeneratePortStock drifts port stock toward capacity.
func (s *Store) RegeneratePortStock(ctx context.Context, perTick int64) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE entity_stock
		 SET quantity = MIN(max_quantity, quantity + ?)
		 WHERE entity_type = 'port' AND quantity < max_quantity`, perTick)
	return mapSQLError(err)
}

// PruneNewsFeed deletes news older than |age| seconds.
func (s *Store) PruneNewsFeed(ctx context.Context, age int64) (int64, error) {
	var res, err = s.db.ExecContext(ctx,
		`DELETE FROM news_feed WHERE ts < ?`, time.Now().Unix()-age)
	if err != nil {
		return 0, mapSQLError(err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}
