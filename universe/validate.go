package universe

import (
	"context"
	"fmt"

	"github.com/twclone/twclone/store"
)

// Report summarizes a validation scan of a generated universe.
type Report struct {
	Sectors      int64
	Warps        int
	FedExits     int
	TunnelChains int
}

// Validate checks the structural invariants of a generated graph: no sector
// beyond FedSpace is a dead end, FedSpace has enough exits, no self-loops,
// and no warp crosses the tunnel boundary. It also verifies the tunnel set
// against the minimum chain requirements.
func Validate(ctx context.Context, s *store.Store, p Params) (Report, error) {
	var r Report
	var db = s.DB()

	dead, err := store.SectorsWithoutWarps(ctx, db, fedSpaceMax)
	if err != nil {
		return r, err
	}
	if len(dead) != 0 {
		return r, fmt.Errorf("%d dead-end sectors, first %d", len(dead), dead[0])
	}

	warps, err := store.AllWarps(ctx, db)
	if err != nil {
		return r, err
	}
	used, err := store.UsedSectors(ctx, db)
	if err != nil {
		return r, err
	}
	r.Warps = len(warps)

	for _, w := range warps {
		if w.From == w.To {
			return r, fmt.Errorf("self-loop at sector %d", w.From)
		}
		if used[w.From] != used[w.To] {
			return r, fmt.Errorf("warp %d -> %d crosses the tunnel boundary", w.From, w.To)
		}
		if w.From >= 2 && w.From <= fedSpaceMax && w.To > fedSpaceMax {
			r.FedExits++
		}
	}
	if r.FedExits < fedSpaceExitMin {
		return r, fmt.Errorf("only %d fedspace exits, need %d", r.FedExits, fedSpaceExitMin)
	}

	// Tunnel chains: walk degree-1 nodes of the used-sector subgraph.
	var chains, chainErr = countChains(warps, used, p.MinTunnelLen)
	if chainErr != nil {
		return r, chainErr
	}
	r.TunnelChains = chains
	if chains < p.MinTunnels {
		return r, fmt.Errorf("only %d tunnels of length >= %d, need %d",
			chains, p.MinTunnelLen, p.MinTunnels)
	}

	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sectors`).Scan(&r.Sectors)
	return r, err
}

// countChains counts linear chains of at least |minLen| nodes within the
// used-sector subgraph.
func countChains(warps []store.Warp, used map[int64]bool, minLen int) (int, error) {
	var adj = make(map[int64][]int64)
	for _, w := range warps {
		if used[w.From] && used[w.To] {
			adj[w.From] = append(adj[w.From], w.To)
		}
	}

	var seen = make(map[int64]bool)
	var chains int
	for id := range used {
		if seen[id] || len(adj[id]) != 1 {
			continue
		}
		// Walk from one end of the chain to the other.
		var length = 1
		var prev, cur = int64(0), id
		seen[cur] = true
		for {
			var next int64
			var advanced bool
			for _, n := range adj[cur] {
				if n != prev {
					next, advanced = n, true
					break
				}
			}
			if !advanced {
				break
			}
			if seen[next] {
				return 0, fmt.Errorf("tunnel through sector %d is not a simple chain", next)
			}
			prev, cur = cur, next
			seen[cur] = true
			length++
		}
		if length >= minLen {
			chains++
		}
	}
	return chains, nil
}
