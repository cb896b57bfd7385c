package peers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twclone/twclone/store"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *store.Store) {
	var s, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r, err := NewRegistry(s, ttl)
	require.NoError(t, err)
	return r, s
}

func TestNonceAdmittedExactlyOnce(t *testing.T) {
	var r, _ = newTestRegistry(t, 0)
	var ctx = context.Background()

	require.NoError(t, r.NonceCheckAndInsert(ctx, "game-2", "abc", 100))
	require.ErrorIs(t, r.NonceCheckAndInsert(ctx, "game-2", "abc", 100), ErrReplay)
	require.ErrorIs(t, r.NonceCheckAndInsert(ctx, "game-2", "abc", 101), ErrReplay)

	// A different peer or nonce is independent.
	require.NoError(t, r.NonceCheckAndInsert(ctx, "game-3", "abc", 100))
	require.NoError(t, r.NonceCheckAndInsert(ctx, "game-2", "def", 100))
}

func TestReplayDetectedWithColdCache(t *testing.T) {
	// Two registries over one database model a restart: the replay must be
	// caught by the table even when the hot cache is empty.
	var r1, s = newTestRegistry(t, 0)
	var ctx = context.Background()

	require.NoError(t, r1.NonceCheckAndInsert(ctx, "game-2", "abc", 100))

	r2, err := NewRegistry(s, 0)
	require.NoError(t, err)
	require.ErrorIs(t, r2.NonceCheckAndInsert(ctx, "game-2", "abc", 100), ErrReplay)
}

func TestNonceCleanupReopensWindow(t *testing.T) {
	var r, _ = newTestRegistry(t, time.Nanosecond)
	var ctx = context.Background()

	require.NoError(t, r.NonceCheckAndInsert(ctx, "game-2", "abc", 100))
	time.Sleep(time.Second + 10*time.Millisecond)
	require.NoError(t, r.NonceCleanup(ctx))

	require.NoError(t, r.NonceCheckAndInsert(ctx, "game-2", "abc", 200))
}

func TestDisabledPeerRefused(t *testing.T) {
	var r, _ = newTestRegistry(t, 0)
	var ctx = context.Background()

	require.NoError(t, r.Upsert(ctx, store.Peer{
		PeerID: "game-2", Host: "localhost", Port: 1235, Enabled: true,
	}))
	require.NoError(t, r.CheckEnabled(ctx, "game-2"))

	require.NoError(t, r.SetEnabled(ctx, "game-2", false))
	require.ErrorIs(t, r.CheckEnabled(ctx, "game-2"), ErrDisabled)

	require.ErrorIs(t, r.CheckEnabled(ctx, "unknown"), store.ErrNotFound)
}
