package universe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twclone/twclone/store"
)

func generate(t *testing.T, p Params) *store.Store {
	var s, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, Generate(context.Background(), s, p))
	return s
}

func TestGeneratedUniverseInvariants(t *testing.T) {
	var p = DefaultParams(500, 4)
	p.Seed = 42
	var s = generate(t, p)
	var ctx = context.Background()

	r, err := Validate(ctx, s, p)
	require.NoError(t, err)
	require.Equal(t, int64(500), r.Sectors)
	require.GreaterOrEqual(t, r.FedExits, 3)
	require.GreaterOrEqual(t, r.TunnelChains, p.MinTunnels)

	// Every outer sector has at least one outgoing warp.
	dead, err := store.SectorsWithoutWarps(ctx, s.DB(), 10)
	require.NoError(t, err)
	require.Empty(t, dead)

	// No warp crosses the tunnel boundary and none is a self-loop.
	warps, err := store.AllWarps(ctx, s.DB())
	require.NoError(t, err)
	used, err := store.UsedSectors(ctx, s.DB())
	require.NoError(t, err)
	for _, w := range warps {
		require.NotEqual(t, w.From, w.To)
		require.Equal(t, used[w.From], used[w.To],
			"warp %d -> %d crosses the tunnel boundary", w.From, w.To)
	}
}

func TestGenerationIsDeterministicForSeed(t *testing.T) {
	var p = DefaultParams(120, 4)
	p.Seed = 7

	var a = generate(t, p)
	var b = generate(t, p)
	var ctx = context.Background()

	wa, err := store.AllWarps(ctx, a.DB())
	require.NoError(t, err)
	wb, err := store.AllWarps(ctx, b.DB())
	require.NoError(t, err)
	require.ElementsMatch(t, wa, wb)
}

func TestOpenGraphReachesFedSpace(t *testing.T) {
	var p = DefaultParams(200, 4)
	p.Seed = 3
	var s = generate(t, p)
	var ctx = context.Background()

	warps, err := store.AllWarps(ctx, s.DB())
	require.NoError(t, err)
	used, err := store.UsedSectors(ctx, s.DB())
	require.NoError(t, err)

	var inEdges = make(map[int64][]int64)
	for _, w := range warps {
		inEdges[w.To] = append(inEdges[w.To], w.From)
	}
	var canReach = make(map[int64]bool)
	var queue []int64
	for id := int64(1); id <= 10; id++ {
		canReach[id] = true
		queue = append(queue, id)
	}
	for len(queue) != 0 {
		var cur = queue[0]
		queue = queue[1:]
		for _, pred := range inEdges[cur] {
			if !canReach[pred] {
				canReach[pred] = true
				queue = append(queue, pred)
			}
		}
	}

	for id := int64(11); id <= 200; id++ {
		if used[id] {
			continue // tunnels are sealed pockets
		}
		require.True(t, canReach[id], "sector %d cannot reach FedSpace", id)
	}
}

func TestGenerationRecordsSeedAndIsOneShot(t *testing.T) {
	var p = DefaultParams(80, 4)
	p.Seed = 99
	var s = generate(t, p)
	var ctx = context.Background()

	seed, err := s.GetConfig(ctx, "universe.seed", "")
	require.NoError(t, err)
	require.Equal(t, "99", seed)

	// A second run over a populated database refuses outright.
	require.Error(t, Generate(ctx, s, p))
}

func TestContentSeeded(t *testing.T) {
	var p = DefaultParams(150, 4)
	p.Seed = 11
	var s = generate(t, p)
	var ctx = context.Background()

	var stardocks, blackMarkets, ports int
	var rows, err = s.DB().QueryContext(ctx, `SELECT type FROM ports`)
	require.NoError(t, err)
	for rows.Next() {
		var pt int
		require.NoError(t, rows.Scan(&pt))
		switch pt {
		case 9:
			stardocks++
		case 10:
			blackMarkets++
		default:
			ports++
		}
	}
	rows.Close()
	require.Equal(t, 1, stardocks)
	require.Equal(t, 1, blackMarkets)
	require.Equal(t, p.MaxPorts, ports)

	// Terra sits in sector 1; the faction homeworlds exist.
	var terraSector int64
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT sector_id FROM planets WHERE name = 'Terra'`).Scan(&terraSector))
	require.Equal(t, int64(1), terraSector)

	var homeworlds int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM planets WHERE name IN ('Ferringhi Homeworld', 'Orion Hideout')`).
		Scan(&homeworlds))
	require.Equal(t, 2, homeworlds)

	var npcs int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ships WHERE npc_locked = 1`).Scan(&npcs))
	require.Equal(t, 3, npcs)
}
