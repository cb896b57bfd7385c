// Package consumer applies committed engine_events in id-order, advancing a
// per-consumer watermark atomically with the side effects of each tick.
// Poison events are quarantined to a dead-letter table rather than blocking
// the stream, and a configurable class of latency-sensitive event types is
// promoted ahead of the backlog when lag grows.
package consumer

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/store"
)

// Config parameterizes one consumer.
type Config struct {
	// BatchSize bounds rows applied per tick.
	BatchSize int
	// BacklogPrioThreshold is the lag at which priority promotion engages.
	BacklogPrioThreshold int64
	// PriorityTypes are event types promoted ahead of the backlog.
	PriorityTypes map[string]bool
	// ConsumerKey names this consumer's watermark row.
	ConsumerKey string
}

// DefaultPriorityTypes returns the stock promotion class: destruct events
// jump the backlog so a player's final action lands promptly.
func DefaultPriorityTypes() map[string]bool {
	return map[string]bool{"ship.self_destruct.initiated": true}
}

// TickStats reports one tick's outcome.
type TickStats struct {
	LastEventID int64
	Lag         int64
	Processed   int
	Quarantined int
}

// Handler applies one event inside the tick's transaction. A nil return
// acknowledges the event; an error routes it to the dead letter. Handlers
// must be idempotent: delivery is at-least-once, and promoted events are
// re-applied when the in-order scan later reaches them.
type Handler func(ctx context.Context, tx *sql.Tx, ev store.Event) error

// Consumer drives the tick loop over a handler registry.
type Consumer struct {
	cfg      Config
	store    *store.Store
	handlers map[string]Handler
}

// New builds a Consumer over |s| with the default handler set.
func New(s *store.Store, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.ConsumerKey == "" {
		cfg.ConsumerKey = "engine"
	}
	var c = &Consumer{cfg: cfg, store: s, handlers: make(map[string]Handler)}
	c.Register("ship.self_destruct.initiated", handleSelfDestruct)
	c.Register("player.trade.v1", handleTrade)
	return c
}

// Register binds a handler to an event type, replacing any prior binding.
func (c *Consumer) Register(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Tick runs one consumption round and reports its stats.
//
// When lag reaches the promotion threshold the tick runs two passes. The
// priority pass applies matching events immediately but does not persist the
// watermark; only the in-order pass acknowledges. Promoted events are
// therefore re-applied once the regular scan reaches their ids, which the
// idempotent-handler contract absorbs, and the watermark can never regress.
func (c *Consumer) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	lastID, _, err := store.LoadOffset(ctx, c.store.DB(), c.cfg.ConsumerKey)
	if err != nil {
		return stats, fmt.Errorf("loading offset: %w", err)
	}
	maxID, err := store.MaxEventID(ctx, c.store.DB())
	if err != nil {
		return stats, fmt.Errorf("scanning event log: %w", err)
	}
	var lag = maxID - lastID
	if lag < 0 {
		lag = 0
	}
	stats.LastEventID = lastID

	var remaining = c.cfg.BatchSize
	var pri = priorityState{
		attempted: make(map[int64]bool),
		promoted:  make(map[int64]bool),
	}

	if len(c.cfg.PriorityTypes) != 0 && lag >= c.cfg.BacklogPrioThreshold && remaining > 1 {
		// Promotion never persists the watermark, so it must not consume the
		// whole batch: one slot stays reserved for the acknowledging pass or
		// an all-priority backlog would re-promote the same rows every tick.
		var n int
		if n, err = c.runPriorityPass(ctx, lastID, remaining-1, &pri); err != nil {
			return stats, err
		}
		stats.Processed += n
		remaining -= n
	}

	if remaining > 0 {
		var passStats TickStats
		if passStats, err = c.runOrderedPass(ctx, lastID, remaining, &pri); err != nil {
			return stats, err
		}
		stats.Processed += passStats.Processed
		stats.Quarantined += passStats.Quarantined
		if passStats.LastEventID > stats.LastEventID {
			stats.LastEventID = passStats.LastEventID
		}
	}

	if maxID, err = store.MaxEventID(ctx, c.store.DB()); err != nil {
		return stats, fmt.Errorf("recomputing lag: %w", err)
	}
	stats.Lag = maxID - stats.LastEventID
	if stats.Lag < 0 {
		stats.Lag = 0
	}

	lastEventIDGauge.Set(float64(stats.LastEventID))
	lagGauge.Set(float64(stats.Lag))
	processedCounter.Add(float64(stats.Processed))
	quarantinedCounter.Add(float64(stats.Quarantined))

	return stats, nil
}

// priorityState records what the promotion pass saw and what it applied, so
// the in-order pass can tell a row beyond the promotion budget (defer) from a
// row that failed promotion (retry, then quarantine).
type priorityState struct {
	attempted map[int64]bool
	promoted  map[int64]bool
}

// runPriorityPass applies priority-typed events beyond the watermark without
// acknowledging them. Failures are logged, not quarantined: the in-order pass
// owns the dead-letter decision for every row.
func (c *Consumer) runPriorityPass(ctx context.Context, lastID int64, budget int, pri *priorityState) (int, error) {
	var types = make([]string, 0, len(c.cfg.PriorityTypes))
	for t := range c.cfg.PriorityTypes {
		types = append(types, t)
	}

	var n int
	var err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var evs, err = store.EventsAfter(ctx, tx, lastID, budget, types)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			pri.attempted[ev.ID] = true
			if err = c.apply(ctx, tx, ev); err != nil {
				log.WithFields(log.Fields{
					"id": ev.ID, "type": ev.Type, "err": err,
				}).Warn("priority apply failed; deferring to ordered pass")
				continue
			}
			pri.promoted[ev.ID] = true
			n++
		}
		return nil
	})
	return n, err
}

// runOrderedPass is the acknowledging scan: it applies or quarantines rows in
// ascending id order and commits the new watermark in the same transaction.
func (c *Consumer) runOrderedPass(ctx context.Context, lastID int64, budget int, pri *priorityState) (TickStats, error) {
	var stats = TickStats{LastEventID: lastID}

	var err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var evs, err = store.EventsAfter(ctx, tx, lastID, budget, nil)
		if err != nil {
			return err
		}
		var batchMaxID, batchMaxTS int64
		var applied int

		for _, ev := range evs {
			if len(pri.attempted) != 0 && c.cfg.PriorityTypes[ev.Type] && !pri.attempted[ev.ID] {
				// This priority row was beyond the promotion budget, so it has
				// not been applied this tick. Advancing past it would lose it.
				break
			}
			if err = c.apply(ctx, tx, ev); err != nil {
				if dlErr := store.MoveToDeadLetter(ctx, tx, ev, err.Error()); dlErr != nil {
					return fmt.Errorf("quarantining event %d: %w", ev.ID, dlErr)
				}
				log.WithFields(log.Fields{
					"id": ev.ID, "type": ev.Type, "err": err,
				}).Warn("event quarantined")
				stats.Quarantined++
			} else if !pri.promoted[ev.ID] {
				stats.Processed++
			}
			batchMaxID, batchMaxTS = ev.ID, ev.TS
			applied++
		}

		if applied == 0 {
			return sql.ErrTxDone // nothing to commit; WithTx rolls back
		}
		if err = store.SaveOffset(ctx, tx, c.cfg.ConsumerKey, batchMaxID, batchMaxTS); err != nil {
			return fmt.Errorf("persisting watermark: %w", err)
		}
		stats.LastEventID = batchMaxID
		return nil
	})
	if err == sql.ErrTxDone {
		err = nil
	}
	return stats, err
}

func (c *Consumer) apply(ctx context.Context, tx *sql.Tx, ev store.Event) error {
	var h, ok = c.handlers[ev.Type]
	if !ok {
		return fmt.Errorf("no handler for type %q", ev.Type)
	}
	return h(ctx, tx, ev)
}
