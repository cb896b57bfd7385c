package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twclone/twclone/store"
)

func newTestStore(t *testing.T) *store.Store {
	var s, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendTyped(t *testing.T, s *store.Store, eventType string) int64 {
	var id, err = store.AppendEvent(context.Background(), s.DB(), store.Event{
		Type:    eventType,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return id
}

// recorder is a handler that logs applied ids and fails on demand.
type recorder struct {
	applied []int64
	failIDs map[int64]bool
}

func (r *recorder) handle(_ context.Context, _ *sql.Tx, ev store.Event) error {
	if r.failIDs[ev.ID] {
		return errors.New("induced failure")
	}
	r.applied = append(r.applied, ev.ID)
	return nil
}

func TestWatermarkMonotonicity(t *testing.T) {
	var s = newTestStore(t)
	var rec = &recorder{}
	var c = New(s, Config{BatchSize: 3, ConsumerKey: "t"})
	c.Register("evt", rec.handle)

	for i := 0; i != 10; i++ {
		appendTyped(t, s, "evt")
	}

	var want = []int64{3, 6, 9, 10}
	for _, w := range want {
		var stats, err = c.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, w, stats.LastEventID)
	}

	// A further tick over a drained log leaves the watermark alone.
	stats, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.LastEventID)
	require.Zero(t, stats.Processed)
}

func TestPoisonIsolation(t *testing.T) {
	var s = newTestStore(t)
	var rec = &recorder{failIDs: map[int64]bool{2: true}}
	var c = New(s, Config{BatchSize: 8, ConsumerKey: "t"})
	c.Register("evt", rec.handle)

	for i := 0; i != 3; i++ {
		appendTyped(t, s, "evt")
	}

	var stats, err = c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Processed)
	require.Equal(t, 1, stats.Quarantined)
	require.Equal(t, int64(3), stats.LastEventID)

	ids, err := store.DeadLetterIDs(context.Background(), s.DB())
	require.NoError(t, err)
	require.Equal(t, []int64{2}, ids)
}

func TestUnknownTypeIsPoison(t *testing.T) {
	var s = newTestStore(t)
	var c = New(s, Config{BatchSize: 8, ConsumerKey: "t"})

	appendTyped(t, s, "never.registered")

	var stats, err = c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Quarantined)
	require.Equal(t, int64(1), stats.LastEventID)
}

func TestPriorityPromotion(t *testing.T) {
	var s = newTestStore(t)
	var rec = &recorder{}
	var c = New(s, Config{
		BatchSize:            3,
		BacklogPrioThreshold: 5,
		PriorityTypes:        map[string]bool{"A": true},
		ConsumerKey:          "t",
	})
	c.Register("A", rec.handle)
	c.Register("B", rec.handle)

	// ids 1..5 are B, ids 6..7 are A.
	for i := 0; i != 5; i++ {
		appendTyped(t, s, "B")
	}
	appendTyped(t, s, "A")
	appendTyped(t, s, "A")

	var stats, err = c.Tick(context.Background())
	require.NoError(t, err)

	// The two A events apply first, then one B; the watermark is the id of
	// the third applied event and the remaining Bs stay for later ticks.
	require.Equal(t, []int64{6, 7, 1}, rec.applied)
	require.Equal(t, 3, stats.Processed)
	require.Equal(t, int64(1), stats.LastEventID)

	// Draining ticks re-apply the promoted events once the in-order scan
	// reaches them; the watermark never regresses.
	var last = stats.LastEventID
	for i := 0; i != 4; i++ {
		stats, err = c.Tick(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, stats.LastEventID, last)
		last = stats.LastEventID
	}
	require.Equal(t, int64(7), last)
}

func TestAllPriorityBacklogDrains(t *testing.T) {
	var s = newTestStore(t)
	var rec = &recorder{}
	var c = New(s, Config{
		BatchSize:            3,
		BacklogPrioThreshold: 3,
		PriorityTypes:        map[string]bool{"A": true},
		ConsumerKey:          "t",
	})
	c.Register("A", rec.handle)

	// Every backlogged event is priority-typed: promotion alone must not
	// starve the acknowledging pass, or the watermark would stick at zero.
	for i := 0; i != 5; i++ {
		appendTyped(t, s, "A")
	}

	var last int64
	for i := 0; i != 6 && last != 5; i++ {
		var stats, err = c.Tick(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, stats.LastEventID, last)
		last = stats.LastEventID
	}
	require.Equal(t, int64(5), last)

	for id := int64(1); id <= 5; id++ {
		require.Contains(t, rec.applied, id)
	}

	// The drained log leaves the watermark alone.
	stats, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.LastEventID)
	require.Zero(t, stats.Processed)
	require.Zero(t, stats.Lag)
}

func TestCrashRestartReplaysBeyondWatermark(t *testing.T) {
	var s = newTestStore(t)
	var rec = &recorder{}
	var c = New(s, Config{BatchSize: 2, ConsumerKey: "t"})
	c.Register("evt", rec.handle)

	for i := 0; i != 4; i++ {
		appendTyped(t, s, "evt")
	}
	var _, err = c.Tick(context.Background())
	require.NoError(t, err)

	// A fresh consumer over the same database resumes after id 2.
	var rec2 = &recorder{}
	var c2 = New(s, Config{BatchSize: 8, ConsumerKey: "t"})
	c2.Register("evt", rec2.handle)

	stats, err := c2.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, rec2.applied)
	require.Equal(t, int64(4), stats.LastEventID)
}

func TestSelfDestructHandler(t *testing.T) {
	var s = newTestStore(t)
	var ctx = context.Background()

	p, err := s.CreatePlayer(ctx, "redshirt", "doomed")
	require.NoError(t, err)

	var payload, _ = json.Marshal(map[string]interface{}{"reason": "testing"})
	_, err = store.AppendEvent(ctx, s.DB(), store.Event{
		Type:          "ship.self_destruct.initiated",
		ActorPlayerID: &p.ID,
		Payload:       payload,
	})
	require.NoError(t, err)

	var c = New(s, Config{BatchSize: 8, ConsumerKey: "t"})
	stats, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)
	require.Zero(t, stats.Quarantined)

	_, err = store.PlayerShip(ctx, s.DB(), p.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The destruction emitted a follow-on event.
	evs, err := store.EventsAfter(ctx, s.DB(), 0, 10, []string{"ship.destroyed"})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	// Re-application acknowledges without a second ship.destroyed.
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		var reEv, err = store.EventsAfter(ctx, tx, 0, 1, []string{"ship.self_destruct.initiated"})
		require.NoError(t, err)
		return handleSelfDestruct(ctx, tx, reEv[0])
	}))
	evs, err = store.EventsAfter(ctx, s.DB(), 0, 10, []string{"ship.destroyed"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestTradeHandler(t *testing.T) {
	var s = newTestStore(t)
	var ctx = context.Background()

	p, err := s.CreatePlayer(ctx, "quark", "latinum")
	require.NoError(t, err)

	var c = New(s, Config{BatchSize: 8, ConsumerKey: "t"})

	var payload = `{"commodity": "ore", "quantity": 100, "price": 12, "alignment_delta": 2}`
	_, err = store.AppendEvent(ctx, s.DB(), store.Event{
		Type:          "player.trade.v1",
		ActorPlayerID: &p.ID,
		Payload:       json.RawMessage(payload),
	})
	require.NoError(t, err)

	// A malformed sibling is quarantined without blocking the stream.
	_, err = store.AppendEvent(ctx, s.DB(), store.Event{
		Type:          "player.trade.v1",
		ActorPlayerID: &p.ID,
		Payload:       json.RawMessage(`{"quantity": "lots"}`),
	})
	require.NoError(t, err)

	stats, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)
	require.Equal(t, 1, stats.Quarantined)

	got, err := s.GetPlayer(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Experience)
	require.Equal(t, int64(2), got.Alignment)
}
