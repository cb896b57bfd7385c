package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twclone/twclone/store"
)

type selfDestructPayload struct {
	ShipID *int64 `json:"ship_id"`
	Reason string `json:"reason"`
}

// handleSelfDestruct destroys the actor's ship and records ship.destroyed.
// Re-application is a no-op: an already-destroyed or already-detached ship
// acknowledges without a second destroyed event.
func handleSelfDestruct(ctx context.Context, tx *sql.Tx, ev store.Event) error {
	var p selfDestructPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	var shipID int64
	if p.ShipID != nil {
		shipID = *p.ShipID
	} else if ev.ActorPlayerID == nil {
		return errors.New("no ship_id and no actor")
	} else {
		var err error
		if shipID, err = store.PlayerShip(ctx, tx, *ev.ActorPlayerID); errors.Is(err, store.ErrNotFound) {
			return nil // already detached
		} else if err != nil {
			return err
		}
	}

	var destroyed bool
	var err = tx.QueryRowContext(ctx,
		`SELECT destroyed FROM ships WHERE id = ?`, shipID).Scan(&destroyed)
	if err == sql.ErrNoRows {
		return fmt.Errorf("ship %d does not exist", shipID)
	} else if err != nil {
		return err
	}
	if destroyed {
		return nil
	}

	if err = store.DestroyShip(ctx, tx, shipID); err != nil {
		return err
	}
	var payload, _ = json.Marshal(map[string]interface{}{
		"ship_id": shipID,
		"reason":  p.Reason,
	})
	_, err = store.AppendEvent(ctx, tx, store.Event{
		Type:          "ship.destroyed",
		ActorPlayerID: ev.ActorPlayerID,
		SectorID:      ev.SectorID,
		Payload:       payload,
	})
	return err
}

type tradePayload struct {
	Commodity      string `json:"commodity"`
	Quantity       int64  `json:"quantity"`
	Price          int64  `json:"price"`
	AlignmentDelta int64  `json:"alignment_delta"`
}

// handleTrade advances the actor's experience and alignment from a completed
// trade. A malformed payload or a missing actor is poison.
func handleTrade(ctx context.Context, tx *sql.Tx, ev store.Event) error {
	if ev.ActorPlayerID == nil {
		return errors.New("trade event has no actor")
	}
	var p tradePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("non-positive quantity %d", p.Quantity)
	}

	var xp = p.Quantity / 10
	if xp == 0 {
		xp = 1
	}
	return store.AdvancePlayerProgress(ctx, tx, *ev.ActorPlayerID, xp, p.AlignmentDelta)
}
