package store

import (
	"context"
	"fmt"
)

// The persisted layout. Events are append-only; offsets are one row per
// consumer; the dead letter upserts on event id.
const ddl = `
CREATE TABLE IF NOT EXISTS engine_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	type            TEXT    NOT NULL,
	actor_player_id INTEGER,
	sector_id       INTEGER,
	payload         TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_offset (
	key           TEXT PRIMARY KEY,
	last_event_id INTEGER NOT NULL DEFAULT 0,
	last_event_ts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS engine_events_deadletter (
	id       INTEGER PRIMARY KEY,
	ts       INTEGER NOT NULL,
	type     TEXT    NOT NULL,
	payload  TEXT    NOT NULL,
	error    TEXT    NOT NULL,
	moved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS s2s_keys (
	key_id        TEXT PRIMARY KEY,
	key_b64       TEXT    NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1,
	created_ts    INTEGER NOT NULL,
	is_default_tx INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS s2s_peers (
	peer_id       TEXT PRIMARY KEY,
	host          TEXT    NOT NULL,
	port          INTEGER NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	shared_key_id TEXT,
	last_seen_at  INTEGER,
	notes         TEXT,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS s2s_nonce_seen (
	peer_id TEXT    NOT NULL,
	nonce   TEXT    NOT NULL,
	msg_ts  INTEGER NOT NULL,
	seen_at INTEGER NOT NULL,
	PRIMARY KEY (peer_id, nonce)
);

CREATE TABLE IF NOT EXISTS sectors (
	id     INTEGER PRIMARY KEY,
	name   TEXT NOT NULL,
	beacon TEXT
);

CREATE TABLE IF NOT EXISTS sector_warps (
	from_sector INTEGER NOT NULL,
	to_sector   INTEGER NOT NULL,
	PRIMARY KEY (from_sector, to_sector)
);

CREATE TABLE IF NOT EXISTS used_sectors (
	id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS players (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	sysop         INTEGER NOT NULL DEFAULT 0,
	sector_id     INTEGER NOT NULL DEFAULT 1,
	ship_id       INTEGER,
	experience    INTEGER NOT NULL DEFAULT 0,
	alignment     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	player_id  INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ships (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	type_id    INTEGER NOT NULL DEFAULT 1,
	owner_id   INTEGER,
	sector_id  INTEGER NOT NULL,
	holds      INTEGER NOT NULL DEFAULT 20,
	fighters   INTEGER NOT NULL DEFAULT 0,
	shields    INTEGER NOT NULL DEFAULT 0,
	npc_locked INTEGER NOT NULL DEFAULT 0,
	destroyed  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ports (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sector_id INTEGER NOT NULL,
	name      TEXT    NOT NULL,
	type      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS planets (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sector_id INTEGER NOT NULL,
	name      TEXT    NOT NULL,
	owner_id  INTEGER
);

CREATE TABLE IF NOT EXISTS entity_stock (
	entity_type TEXT    NOT NULL,
	entity_id   INTEGER NOT NULL,
	commodity   TEXT    NOT NULL,
	quantity    INTEGER NOT NULL DEFAULT 0,
	max_quantity INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_id, commodity)
);

CREATE TABLE IF NOT EXISTS commodity_orders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT    NOT NULL,
	entity_id       INTEGER NOT NULL,
	commodity       TEXT    NOT NULL,
	side            TEXT    NOT NULL CHECK (side IN ('buy','sell')),
	status          TEXT    NOT NULL DEFAULT 'open'
		CHECK (status IN ('open','filled','cancelled','expired')),
	quantity        INTEGER NOT NULL,
	filled_quantity INTEGER NOT NULL DEFAULT 0
		CHECK (filled_quantity <= quantity),
	price           INTEGER NOT NULL,
	expires_at      INTEGER
);

CREATE TABLE IF NOT EXISTS commodity_trades (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id  INTEGER NOT NULL,
	player_id INTEGER NOT NULL,
	quantity  INTEGER NOT NULL,
	price     INTEGER NOT NULL,
	traded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bank_accounts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT    NOT NULL,
	entity_id   INTEGER NOT NULL,
	balance     INTEGER NOT NULL DEFAULT 0,
	UNIQUE (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS citadels (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	planet_id INTEGER NOT NULL UNIQUE,
	level     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sector_assets (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sector_id  INTEGER NOT NULL,
	owner_id   INTEGER NOT NULL,
	asset_type TEXT    NOT NULL,
	quantity   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS news_feed (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	headline   TEXT    NOT NULL,
	body       TEXT
);

CREATE TABLE IF NOT EXISTS system_notice (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	text       TEXT    NOT NULL,
	expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS notice_seen (
	notice_id INTEGER NOT NULL,
	player_id INTEGER NOT NULL,
	seen_at   INTEGER NOT NULL,
	PRIMARY KEY (notice_id, player_id)
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}
