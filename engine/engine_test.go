package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twclone/twclone/consumer"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/store"
)

func newTestEngine(t *testing.T, shutdown io.Reader) (*Engine, *store.Store) {
	var s, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := peers.NewRegistry(s, 0)
	require.NoError(t, err)

	var e = New(Config{
		TickInterval: 10 * time.Millisecond,
		Consumer:     consumer.Config{BatchSize: 8, ConsumerKey: "engine"},
	}, s, reg, shutdown)
	return e, s
}

func TestShutdownPipeQuiescesEngine(t *testing.T) {
	var pr, pw = io.Pipe()
	var e, s = newTestEngine(t, pr)
	var ctx = context.Background()

	for i := 0; i != 3; i++ {
		var _, err = store.AppendEvent(ctx, s.DB(), store.Event{
			Type:    "player.trade.v1",
			Payload: json.RawMessage(`{"quantity": 10}`),
		})
		require.NoError(t, err)
	}
	var p, err = s.CreatePlayer(ctx, "trader", "pw")
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`UPDATE engine_events SET actor_player_id = ?`, p.ID)
	require.NoError(t, err)

	var done = make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let a few ticks land, then close the pipe: the engine must exit
	// cleanly within a tick interval plus grace.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pw.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not quiesce after shutdown pipe closed")
	}

	// No further mutations happen after exit.
	lastID, _, err := store.LoadOffset(ctx, s.DB(), "engine")
	require.NoError(t, err)
	require.Equal(t, int64(3), lastID)
	time.Sleep(50 * time.Millisecond)
	afterID, _, err := store.LoadOffset(ctx, s.DB(), "engine")
	require.NoError(t, err)
	require.Equal(t, lastID, afterID)
}

func TestContextCancelStopsEngine(t *testing.T) {
	var pr, _ = io.Pipe()
	var e, _ = newTestEngine(t, pr)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on context cancel")
	}
}

func TestCronRunsDueJobsOnly(t *testing.T) {
	var c Cron
	var fastRuns, slowRuns int
	c.Add("fast", 10*time.Millisecond, func(context.Context) error {
		fastRuns++
		return nil
	})
	c.Add("slow", time.Hour, func(context.Context) error {
		slowRuns++
		return nil
	})

	var ctx = context.Background()
	c.RunDue(ctx, time.Now())
	require.Zero(t, fastRuns) // not yet due

	c.RunDue(ctx, time.Now().Add(20*time.Millisecond))
	require.Equal(t, 1, fastRuns)
	require.Zero(t, slowRuns)

	c.RunDue(ctx, time.Now().Add(40*time.Millisecond))
	require.Equal(t, 2, fastRuns)
	require.Zero(t, slowRuns)
}

func TestCronFailureKeepsJobScheduled(t *testing.T) {
	var c Cron
	var runs int
	c.Add("flaky", time.Millisecond, func(context.Context) error {
		runs++
		return errors.New("induced")
	})

	var ctx = context.Background()
	c.RunDue(ctx, time.Now().Add(10*time.Millisecond))
	c.RunDue(ctx, time.Now().Add(20*time.Millisecond))
	require.Equal(t, 2, runs)
}

func TestNonceSweeperWired(t *testing.T) {
	var s, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := peers.NewRegistry(s, time.Nanosecond)
	require.NoError(t, err)

	var pr, _ = io.Pipe()
	var e = New(Config{
		TickInterval:    time.Millisecond,
		NonceSweepEvery: time.Millisecond,
		Consumer:        consumer.Config{BatchSize: 8},
	}, s, reg, pr)

	var ctx = context.Background()
	require.NoError(t, reg.NonceCheckAndInsert(ctx, "game-2", "n1", 1))
	time.Sleep(time.Second + 10*time.Millisecond)

	e.cron.RunDue(ctx, time.Now().Add(time.Hour))

	// The swept nonce is admissible again.
	require.NoError(t, reg.NonceCheckAndInsert(ctx, "game-2", "n1", 2))
}
