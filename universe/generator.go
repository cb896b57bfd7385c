// Package universe builds the initial sector graph and its content: random
// warps, FedSpace exits, isolated tunnel chains, ports, planets, and NPC
// ships. Generation is deterministic for a fixed seed, and the resulting
// graph is validated against its connectivity invariants before commit.
package universe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/store"
)

// FedSpace is sectors 1..10: the protected starting region.
const fedSpaceMax = 10

// Params configures one generation run.
type Params struct {
	NumSectors int
	// Density caps warps per sector for randomly placed edges.
	Density int
	// PDeadend is the chance a sector receives no random warps at all.
	PDeadend float64
	// POneway is the chance a placed warp gets no return edge.
	POneway float64

	MinTunnels   int
	MinTunnelLen int

	MaxPorts    int
	MaxPlanets  int
	PortCredits int64

	Seed int64
}

// DefaultParams fills in the standard knobs for a universe of |numSectors|.
func DefaultParams(numSectors, density int) Params {
	return Params{
		NumSectors:   numSectors,
		Density:      density,
		PDeadend:     0.05,
		POneway:      0.05,
		MinTunnels:   3,
		MinTunnelLen: 5,
		MaxPorts:     numSectors / 10,
		MaxPlanets:   numSectors / 20,
		PortCredits:  50000,
	}
}

// generator carries the in-memory mirror of the warp graph being built, so
// degree checks and duplicate probes avoid a query per attempt.
type generator struct {
	p      Params
	rng    *rand.Rand
	edges  map[store.Warp]bool
	outDeg map[int64]int
	used   map[int64]bool
	// tunnels in creation order; each is the node path.
	tunnels [][]int64
	// Faction homeworld sectors, fixed once tunnels are dug: the Ferringhi
	// take the head of the longest tunnel, the Orions the second.
	ferringhiSector int64
	orionSector     int64
}

// Generate builds the universe inside a single transaction. The database is
// expected to hold no sectors yet.
func Generate(ctx context.Context, s *store.Store, p Params) error {
	if p.NumSectors <= fedSpaceMax {
		return fmt.Errorf("universe needs more than %d sectors", fedSpaceMax)
	}
	if p.Density < 2 {
		return errors.New("density below 2 cannot satisfy return edges")
	}
	// Generation is one-shot; a recorded seed marks a populated database.
	if seed, err := s.GetConfig(ctx, "universe.seed", ""); err != nil {
		return err
	} else if seed != "" {
		return fmt.Errorf("universe already generated with seed %s", seed)
	}

	var g = &generator{
		p:      p,
		rng:    rand.New(rand.NewSource(p.Seed)),
		edges:  make(map[store.Warp]bool),
		outDeg: make(map[int64]int),
		used:   make(map[int64]bool),
	}

	var err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, step := range []struct {
			name string
			fn   func(context.Context, *sql.Tx) error
		}{
			{"sectors", g.createSectors},
			{"fedspace links", g.linkFedSpace},
			{"random warps", g.randomWarps},
			{"tunnels", g.digTunnels},
			{"tunnel pruning", g.pruneTunnelBoundary},
			{"fedspace exits", g.ensureFedSpaceExits},
			{"connectivity", g.validateConnectivity},
			{"trap repair", g.repairTraps},
			{"ports", g.seedPorts},
			{"planets", g.seedPlanets},
			{"npc ships", g.seedNPCShips},
		} {
			if err := step.fn(ctx, tx); err != nil {
				return fmt.Errorf("generating %s: %w", step.name, err)
			}
			log.WithField("step", step.name).Debug("universe generation step done")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err = s.SetConfig(ctx, "universe.seed", strconv.FormatInt(p.Seed, 10)); err != nil {
		return fmt.Errorf("recording generation seed: %w", err)
	}

	log.WithFields(log.Fields{
		"sectors": p.NumSectors,
		"warps":   len(g.edges),
		"tunnels": len(g.tunnels),
	}).Info("universe generated")
	return nil
}

// insert places a directed edge in both the table and the mirror.
func (g *generator) insert(ctx context.Context, q store.Queryer, from, to int64) error {
	if err := store.InsertWarp(ctx, q, from, to); err != nil {
		return err
	}
	g.edges[store.Warp{From: from, To: to}] = true
	g.outDeg[from]++
	return nil
}

func (g *generator) hasEdge(from, to int64) bool {
	return g.edges[store.Warp{From: from, To: to}]
}

// outer draws a random sector id in (fedSpaceMax, NumSectors].
func (g *generator) outer() int64 {
	return int64(fedSpaceMax + 1 + g.rng.Intn(g.p.NumSectors-fedSpaceMax))
}

var namePrefixes = []string{
	"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Tau", "Sigma", "Omicron",
	"Rigel", "Vega", "Altair", "Deneb", "Antares", "Procyon", "Castor", "Pollux",
}

var nameSuffixes = []string{
	"Reach", "Expanse", "Verge", "Drift", "Cluster", "Rift", "Shoal", "Passage",
	"Nebula", "Field", "Gap", "Crossing", "Deep", "Maw", "Spur", "Veil",
}

func (g *generator) createSectors(ctx context.Context, tx *sql.Tx) error {
	for id := int64(1); id <= int64(g.p.NumSectors); id++ {
		var name string
		switch {
		case id == 1:
			name = "Sol"
		case id <= fedSpaceMax:
			name = fmt.Sprintf("FedSpace %d", id)
		default:
			name = fmt.Sprintf("%s %s %d",
				namePrefixes[g.rng.Intn(len(namePrefixes))],
				nameSuffixes[g.rng.Intn(len(nameSuffixes))], id)
		}
		var beacon string
		if id%64 == 0 {
			beacon = "You are far from home."
		}
		if err := store.CreateSector(ctx, tx, id, name, beacon); err != nil {
			return err
		}
	}
	return nil
}

// linkFedSpace wires sectors 1..10 as a ring with spokes into Sol, so every
// FedSpace sector lies on a short path to sector 1.
func (g *generator) linkFedSpace(ctx context.Context, tx *sql.Tx) error {
	for id := int64(2); id <= fedSpaceMax; id++ {
		for _, w := range []store.Warp{
			{From: 1, To: id}, {From: id, To: 1},
		} {
			if err := g.insert(ctx, tx, w.From, w.To); err != nil {
				return err
			}
		}
		var next = id + 1
		if next > fedSpaceMax {
			next = 2
		}
		if !g.hasEdge(id, next) {
			if err := g.insert(ctx, tx, id, next); err != nil {
				return err
			}
		}
		if !g.hasEdge(next, id) {
			if err := g.insert(ctx, tx, next, id); err != nil {
				return err
			}
		}
	}
	return nil
}

const warpAttempts = 200

func (g *generator) randomWarps(ctx context.Context, tx *sql.Tx) error {
	for s := int64(fedSpaceMax + 1); s <= int64(g.p.NumSectors); s++ {
		if g.rng.Float64() < g.p.PDeadend {
			continue
		}
		var target = 1 + g.rng.Intn(g.p.Density)
		var placed int

		for attempt := 0; attempt != warpAttempts && placed < target; attempt++ {
			var t = g.outer()
			if t == s || g.hasEdge(s, t) ||
				g.outDeg[s] >= g.p.Density || g.outDeg[t] >= g.p.Density {
				continue
			}
			if err := g.insert(ctx, tx, s, t); err != nil {
				return err
			}
			placed++
			if g.rng.Float64() >= g.p.POneway && !g.hasEdge(t, s) && g.outDeg[t] < g.p.Density {
				if err := g.insert(ctx, tx, t, s); err != nil {
					return err
				}
			}
		}

		if placed == 0 {
			// Degree caps be damned: an orphan is worse.
			var t = g.outer()
			for t == s || g.hasEdge(s, t) {
				t = g.outer()
			}
			if err := g.insert(ctx, tx, s, t); err != nil {
				return err
			}
		}
	}
	return nil
}

const tunnelAttempts = 50

// digTunnels carves disjoint bidirectional chains out of unspoiled sectors.
// Each chain goes in under a savepoint and rolls back whole on any edge
// conflict; committed chains mark their nodes used.
func (g *generator) digTunnels(ctx context.Context, tx *sql.Tx) error {
	for i := 0; i != g.p.MinTunnels; i++ {
		var length = g.p.MinTunnelLen + g.rng.Intn(3)
		var dug bool

		for attempt := 0; attempt != tunnelAttempts && !dug; attempt++ {
			var path = g.pickTunnelPath(length)
			if path == nil {
				break
			}
			var err = g.digOnePath(ctx, tx, i, path)
			if errors.Is(err, store.ErrConflict) {
				continue
			} else if err != nil {
				return err
			}
			g.tunnels = append(g.tunnels, path)
			dug = true
		}
		if !dug {
			return fmt.Errorf("could not place tunnel %d of length %d", i+1, length)
		}
	}

	var byLen = make([][]int64, len(g.tunnels))
	copy(byLen, g.tunnels)
	for i := 0; i < len(byLen); i++ {
		for j := i + 1; j < len(byLen); j++ {
			if len(byLen[j]) > len(byLen[i]) {
				byLen[i], byLen[j] = byLen[j], byLen[i]
			}
		}
	}
	if len(byLen) > 0 {
		g.ferringhiSector = byLen[0][0]
	}
	if len(byLen) > 1 {
		g.orionSector = byLen[1][0]
	}
	return nil
}

// pickTunnelPath draws |length| distinct unused outer sectors, or nil when
// the universe has too few left.
func (g *generator) pickTunnelPath(length int) []int64 {
	var free []int64
	for id := int64(fedSpaceMax + 1); id <= int64(g.p.NumSectors); id++ {
		if !g.used[id] {
			free = append(free, id)
		}
	}
	if len(free) < length {
		return nil
	}
	g.rng.Shuffle(len(free), func(a, b int) { free[a], free[b] = free[b], free[a] })
	return free[:length]
}

func (g *generator) digOnePath(ctx context.Context, tx *sql.Tx, seq int, path []int64) error {
	var sp = fmt.Sprintf("tunnel_%d", seq)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return err
	}

	var placed []store.Warp
	var fail = func(err error) error {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
			return rbErr
		}
		if _, rlErr := tx.ExecContext(ctx, "RELEASE "+sp); rlErr != nil {
			return rlErr
		}
		for _, w := range placed {
			delete(g.edges, w)
			g.outDeg[w.From]--
		}
		return err
	}

	for i := 0; i+1 < len(path); i++ {
		for _, w := range []store.Warp{
			{From: path[i], To: path[i+1]},
			{From: path[i+1], To: path[i]},
		} {
			if g.hasEdge(w.From, w.To) {
				return fail(store.ErrConflict)
			}
			if err := g.insert(ctx, tx, w.From, w.To); err != nil {
				return fail(err)
			}
			placed = append(placed, w)
		}
	}

	if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return err
	}
	for _, id := range path {
		if err := store.MarkSectorUsed(ctx, tx, id); err != nil {
			return err
		}
		g.used[id] = true
	}
	return nil
}

// pruneTunnelBoundary removes edges with exactly one endpoint in a tunnel,
// then rebuilds the in-memory mirror from the surviving rows.
func (g *generator) pruneTunnelBoundary(ctx context.Context, tx *sql.Tx) error {
	var pruned, err = store.PruneTunnelBoundaryWarps(ctx, tx)
	if err != nil {
		return err
	}
	log.WithField("pruned", pruned).Debug("pruned tunnel boundary warps")

	warps, err := store.AllWarps(ctx, tx)
	if err != nil {
		return err
	}
	g.edges = make(map[store.Warp]bool, len(warps))
	g.outDeg = make(map[int64]int)
	for _, w := range warps {
		g.edges[w] = true
		g.outDeg[w.From]++
	}
	return nil
}

const fedSpaceExitMin = 3
const fedSpaceExitAttempts = 100

// ensureFedSpaceExits guarantees at least three edges from sectors 2..10 into
// the open outer graph, each with a return edge.
func (g *generator) ensureFedSpaceExits(ctx context.Context, tx *sql.Tx) error {
	var count = g.countFedSpaceExits()
	for attempt := 0; attempt != fedSpaceExitAttempts && count < fedSpaceExitMin; attempt++ {
		var f = int64(2 + g.rng.Intn(fedSpaceMax-1))
		var t = g.outer()
		if g.used[t] || g.hasEdge(f, t) {
			continue
		}
		if err := g.insert(ctx, tx, f, t); err != nil {
			return err
		}
		if !g.hasEdge(t, f) {
			if err := g.insert(ctx, tx, t, f); err != nil {
				return err
			}
		}
		count++
	}
	if count < fedSpaceExitMin {
		return fmt.Errorf("only %d fedspace exits after %d attempts", count, fedSpaceExitAttempts)
	}
	return nil
}

func (g *generator) countFedSpaceExits() int {
	var n int
	for w := range g.edges {
		if w.From >= 2 && w.From <= fedSpaceMax && w.To > fedSpaceMax {
			n++
		}
	}
	return n
}

const connectivityFixes = 10

// validateConnectivity repairs dead-end outer sectors and fails loudly when
// repairs do not converge.
func (g *generator) validateConnectivity(ctx context.Context, tx *sql.Tx) error {
	var dead, err = store.SectorsWithoutWarps(ctx, tx, fedSpaceMax)
	if err != nil {
		return err
	}
	for _, s := range dead {
		var fixed bool
		for attempt := 0; attempt != connectivityFixes; attempt++ {
			var t = g.outer()
			if t == s || g.used[t] != g.used[s] || g.hasEdge(s, t) ||
				g.outDeg[t] >= g.p.Density {
				continue
			}
			if err = g.insert(ctx, tx, s, t); err != nil {
				return err
			}
			fixed = true
			break
		}
		if !fixed {
			return fmt.Errorf("sector %d has no outgoing warp and no fix converged", s)
		}
	}

	if dead, err = store.SectorsWithoutWarps(ctx, tx, fedSpaceMax); err != nil {
		return err
	}
	if len(dead) != 0 {
		return fmt.Errorf("%d sectors still have no outgoing warp", len(dead))
	}
	return nil
}

// repairTraps gives every open-graph sector a path back to FedSpace. Tunnel
// sectors are exempt: chains are sealed pockets by construction, and bridging
// them out would reopen the boundary that pruning just closed.
func (g *generator) repairTraps(ctx context.Context, tx *sql.Tx) error {
	// Walk reverse edges outward from FedSpace: everything reached can, by
	// following the forward edge, eventually enter sector 1's region.
	var inEdges = make(map[int64][]int64)
	for w := range g.edges {
		inEdges[w.To] = append(inEdges[w.To], w.From)
	}

	var canReach = make(map[int64]bool)
	var queue []int64
	for id := int64(1); id <= fedSpaceMax; id++ {
		canReach[id] = true
		queue = append(queue, id)
	}
	var bfs = func() {
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
	}
	bfs()

	var repaired int
	for s := int64(fedSpaceMax + 1); s <= int64(g.p.NumSectors); s++ {
		if canReach[s] || g.used[s] {
			continue
		}
		var f = int64(1 + g.rng.Intn(fedSpaceMax))
		if !g.hasEdge(s, f) {
			if err := g.insert(ctx, tx, s, f); err != nil {
				return err
			}
			inEdges[f] = append(inEdges[f], s)
		}
		canReach[s] = true
		queue = append(queue, s)
		bfs() // predecessors of s are now out of the trap too
		repaired++
	}
	if repaired != 0 {
		log.WithField("repaired", repaired).Debug("repaired trapped sectors")
	}
	return nil
}

func (g *generator) seedPorts(ctx context.Context, tx *sql.Tx) error {
	var ported = make(map[int64]bool)

	var pickOpenSector = func() int64 {
		for {
			var t = g.outer()
			if !g.used[t] && !ported[t] {
				return t
			}
		}
	}

	var stardockSector = pickOpenSector()
	if _, err := store.CreatePort(ctx, tx, stardockSector, "Stardock", 9, g.p.PortCredits*10); err != nil {
		return err
	}
	ported[stardockSector] = true

	for i := 0; i != g.p.MaxPorts; i++ {
		var sector = pickOpenSector()
		var portType = 1 + g.rng.Intn(8)
		var name = fmt.Sprintf("%s Station",
			namePrefixes[g.rng.Intn(len(namePrefixes))])
		if _, err := store.CreatePort(ctx, tx, sector, name, portType, g.p.PortCredits); err != nil {
			return err
		}
		ported[sector] = true
	}

	// The Black Market trades inside the Orion cluster, if one was dug.
	if g.orionSector != 0 {
		if _, err := store.CreatePort(ctx, tx, g.orionSector, "Black Market", 10, g.p.PortCredits); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) seedPlanets(ctx context.Context, tx *sql.Tx) error {
	if _, err := store.CreatePlanet(ctx, tx, 1, "Terra"); err != nil {
		return err
	}

	// Faction homeworlds hide at the heads of the two longest tunnels.
	if g.ferringhiSector != 0 {
		if _, err := store.CreatePlanet(ctx, tx, g.ferringhiSector, "Ferringhi Homeworld"); err != nil {
			return err
		}
	}
	if g.orionSector != 0 {
		if _, err := store.CreatePlanet(ctx, tx, g.orionSector, "Orion Hideout"); err != nil {
			return err
		}
	}

	for i := 0; i != g.p.MaxPlanets; i++ {
		var sector = g.outer()
		var name = fmt.Sprintf("%s %s",
			namePrefixes[g.rng.Intn(len(namePrefixes))],
			[]string{"Prime", "II", "III", "Minor", "Major"}[g.rng.Intn(5)])
		if _, err := store.CreatePlanet(ctx, tx, sector, name); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) seedNPCShips(ctx context.Context, tx *sql.Tx) error {
	type npc struct {
		sector  int64
		name    string
		typeID  int
		credits int64
	}
	var fleet = []npc{
		{1, "Federation Cruiser", 7, 100000},
	}
	if g.ferringhiSector != 0 {
		fleet = append(fleet, npc{g.ferringhiSector, "Ferringhi Trader", 5, 250000})
	}
	if g.orionSector != 0 {
		fleet = append(fleet, npc{g.orionSector, "Orion Raider", 6, 50000})
	}
	for _, n := range fleet {
		if _, err := store.CreateNPCShip(ctx, tx, n.sector, n.name, n.typeID, n.credits); err != nil {
			return err
		}
	}
	return nil
}
