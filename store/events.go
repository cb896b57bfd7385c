package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one committed row of the engine_events log. Rows are immutable.
type Event struct {
	ID            int64
	TS            int64
	Type          string
	ActorPlayerID *int64
	SectorID      *int64
	Payload       json.RawMessage
}

// AppendEvent appends one event. Payloads must be JSON objects.
func AppendEvent(ctx context.Context, q Queryer, ev Event) (int64, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &probe); err != nil {
		return 0, fmt.Errorf("event payload is not a JSON object: %w", err)
	}
	if ev.TS == 0 {
		ev.TS = time.Now().Unix()
	}
	var res, err = q.ExecContext(ctx,
		`INSERT INTO engine_events (ts, type, actor_player_id, sector_id, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.TS, ev.Type, ev.ActorPlayerID, ev.SectorID, string(ev.Payload))
	if err != nil {
		return 0, mapSQLError(err)
	}
	var id int64
	if id, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	return id, nil
}

// MaxEventID returns the highest committed event id, or zero on an empty log.
func MaxEventID(ctx context.Context, q Queryer) (int64, error) {
	var max sql.NullInt64
	var err = q.QueryRowContext(ctx, `SELECT MAX(id) FROM engine_events`).Scan(&max)
	if err != nil {
		return 0, mapSQLError(err)
	}
	return max.Int64, nil
}

// EventsAfter selects up to |limit| events with id > |afterID| in ascending
// id order. A non-empty |onlyTypes| restricts the scan to those types.
func EventsAfter(ctx context.Context, q Queryer, afterID int64, limit int, onlyTypes []string) ([]Event, error) {
	var query = `SELECT id, ts, type, actor_player_id, sector_id, payload
		 FROM engine_events WHERE id > ?`
	var args = []interface{}{afterID}

	if len(onlyTypes) != 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(onlyTypes)-1) + `)`
		for _, t := range onlyTypes {
			args = append(args, t)
		}
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	var rows, err = q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err = rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.ActorPlayerID, &ev.SectorID, &payload); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadOffset returns the consumer's watermark, or (0, 0) before its first tick.
func LoadOffset(ctx context.Context, q Queryer, key string) (lastID, lastTS int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT last_event_id, last_event_ts FROM engine_offset WHERE key = ?`, key).
		Scan(&lastID, &lastTS)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return lastID, lastTS, mapSQLError(err)
}

var saveOffsetStmt = defaultDialect.Upsert("engine_offset",
	[]string{"key", "last_event_id", "last_event_ts"},
	[]string{"key"},
	[]string{
		"last_event_id = excluded.last_event_id",
		"last_event_ts = excluded.last_event_ts",
	})

// SaveOffset persists the consumer's watermark.
func SaveOffset(ctx context.Context, q Queryer, key string, lastID, lastTS int64) error {
	var _, err = q.ExecContext(ctx, saveOffsetStmt, key, lastID, lastTS)
	return mapSQLError(err)
}

var deadLetterStmt = defaultDialect.Upsert("engine_events_deadletter",
	[]string{"id", "ts", "type", "payload", "error", "moved_at"},
	[]string{"id"},
	[]string{"error = excluded.error", "moved_at = excluded.moved_at"})

// MoveToDeadLetter records a poisoned event, upserting on id so that
// re-delivery before the watermark passes it is harmless.
func MoveToDeadLetter(ctx context.Context, q Queryer, ev Event, handlerErr string) error {
	var _, err = q.ExecContext(ctx, deadLetterStmt,
		ev.ID, ev.TS, ev.Type, string(ev.Payload), handlerErr, time.Now().Unix())
	return mapSQLError(err)
}

// DeadLetterIDs lists quarantined event ids, ascending.
func DeadLetterIDs(ctx context.Context, q Queryer) ([]int64, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT id FROM engine_events_deadletter ORDER BY id ASC`)
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
