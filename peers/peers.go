// Package peers tracks the inter-process peers this node will talk to, and
// enforces nonce uniqueness on their inbound traffic.
package peers

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/store"
)

// ErrReplay marks a nonce seen before within the retention window.
var ErrReplay = errors.New("peers: nonce replay")

// ErrDisabled marks a peer refused before authentication.
var ErrDisabled = errors.New("peers: peer disabled")

// DefaultNonceTTL is the nonce retention window.
const DefaultNonceTTL = time.Hour

const hotCacheSize = 4096

// Registry is the DB-backed peer directory with an LRU hot cache in front of
// the nonce table. The cache only short-circuits the common replay probe; the
// database primary key remains the source of truth.
type Registry struct {
	store    *store.Store
	nonceTTL time.Duration
	hot      *lru.Cache[string, int64]
}

// NewRegistry builds a Registry. A zero |nonceTTL| selects DefaultNonceTTL.
func NewRegistry(s *store.Store, nonceTTL time.Duration) (*Registry, error) {
	if nonceTTL == 0 {
		nonceTTL = DefaultNonceTTL
	}
	var hot, err = lru.New[string, int64](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building nonce cache: %w", err)
	}
	return &Registry{store: s, nonceTTL: nonceTTL, hot: hot}, nil
}

// List returns all registered peers.
func (r *Registry) List(ctx context.Context) ([]store.Peer, error) {
	return r.store.ListPeers(ctx)
}

// Get returns one peer or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, peerID string) (store.Peer, error) {
	return r.store.GetPeer(ctx, peerID)
}

// Upsert creates or replaces a peer record.
func (r *Registry) Upsert(ctx context.Context, p store.Peer) error {
	return r.store.UpsertPeer(ctx, p)
}

// SetEnabled flips a peer's enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, peerID string, enabled bool) error {
	return r.store.SetPeerEnabled(ctx, peerID, enabled)
}

// TouchLastSeen stamps the peer's last activity.
func (r *Registry) TouchLastSeen(ctx context.Context, peerID string) error {
	return r.store.TouchPeerLastSeen(ctx, peerID)
}

// CheckEnabled returns nil for an enabled peer, ErrDisabled for a known but
// disabled one, and store.ErrNotFound otherwise. It runs before any
// authentication of the peer's traffic.
func (r *Registry) CheckEnabled(ctx context.Context, peerID string) error {
	var p, err = r.store.GetPeer(ctx, peerID)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return ErrDisabled
	}
	return nil
}

// NonceCheckAndInsert admits (peer, nonce) exactly once per retention window.
// A repeat within the window returns ErrReplay.
func (r *Registry) NonceCheckAndInsert(ctx context.Context, peerID, nonce string, msgTS int64) error {
	var key = peerID + "\x00" + nonce

	if seenAt, ok := r.hot.Get(key); ok {
		if time.Since(time.Unix(seenAt, 0)) < r.nonceTTL {
			return ErrReplay
		}
		r.hot.Remove(key)
	}

	var err = r.store.InsertNonce(ctx, peerID, nonce, msgTS)
	if errors.Is(err, store.ErrConflict) {
		r.hot.Add(key, time.Now().Unix())
		return ErrReplay
	} else if err != nil {
		return err
	}
	r.hot.Add(key, time.Now().Unix())
	return nil
}

// NonceCleanup sweeps nonces older than the retention window.
func (r *Registry) NonceCleanup(ctx context.Context) error {
	var n, err = r.store.SweepNonces(ctx, r.nonceTTL)
	if err != nil {
		return err
	}
	if n != 0 {
		log.WithField("swept", n).Info("swept expired nonces")
	}
	return nil
}
