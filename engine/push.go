package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/keyring"
	"github.com/twclone/twclone/wire"
)

// Pusher is the engine's outbound link to the session server: a single
// persistent framed connection, re-dialed with bounded backoff when it drops.
type Pusher struct {
	nodeID    string
	serverID  string
	addr      string
	ring      *keyring.Ring
	frameCap  int
	ioTimeout time.Duration

	conn *wire.Conn
}

// NewPusher builds a Pusher targeting the session server at |addr|.
func NewPusher(nodeID, serverID, addr string, ring *keyring.Ring, frameCap int, ioTimeout time.Duration) *Pusher {
	return &Pusher{
		nodeID:    nodeID,
		serverID:  serverID,
		addr:      addr,
		ring:      ring,
		frameCap:  frameCap,
		ioTimeout: ioTimeout,
	}
}

func (p *Pusher) ensureConn(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	var nc, err = wire.Dial(ctx, p.addr)
	if err != nil {
		return err
	}
	p.conn = wire.NewConn(nc, p.ring, p.frameCap, p.ioTimeout)
	log.WithField("addr", p.addr).Info("engine connected to session server")
	return nil
}

func (p *Pusher) drop() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close tears down the connection.
func (p *Pusher) Close() { p.drop() }

// roundTrip sends |env| and waits for its ack or error reply.
func (p *Pusher) roundTrip(ctx context.Context, env envelope.S2S) (envelope.S2S, error) {
	if err := p.ensureConn(ctx); err != nil {
		return envelope.S2S{}, err
	}
	if err := p.conn.Send(env); err != nil {
		p.drop()
		return envelope.S2S{}, err
	}
	obj, err := p.conn.Recv()
	if err != nil {
		p.drop()
		return envelope.S2S{}, err
	}
	reply, err := envelope.DecodeS2S(obj)
	if err != nil {
		return envelope.S2S{}, err
	}
	if reply.AckOf != env.ID {
		return envelope.S2S{}, fmt.Errorf("reply acks %q, not %q", reply.AckOf, env.ID)
	}
	if reply.Err != nil {
		return envelope.S2S{}, reply.Err
	}
	return reply, nil
}

// HealthCheck probes the session server.
func (p *Pusher) HealthCheck(ctx context.Context, probe string) error {
	var env, err = envelope.NewS2S(p.nodeID, p.serverID, "s2s.health.check",
		envelope.HealthCheck{Probe: probe})
	if err != nil {
		return err
	}
	_, err = p.roundTrip(ctx, env)
	return err
}

// PushCommand asks the session server to run |cmdType| with |data| under the
// idempotency key |idemKey|. It reports whether the server had already run it.
func (p *Pusher) PushCommand(ctx context.Context, cmdType, idemKey string, data json.RawMessage) (duplicate bool, err error) {
	env, err := envelope.NewS2S(p.nodeID, p.serverID, "s2s.command.push",
		envelope.CommandPush{CmdType: cmdType, IdemKey: idemKey, Data: data})
	if err != nil {
		return false, err
	}
	reply, err := p.roundTrip(ctx, env)
	if err != nil {
		return false, err
	}

	var ack struct {
		Duplicate bool `json:"duplicate"`
	}
	if err = json.Unmarshal(reply.Payload, &ack); err != nil {
		return false, fmt.Errorf("parsing push ack: %w", err)
	}
	return ack.Duplicate, nil
}

// SweepBroadcasts asks the session server to deliver pending notices.
func (p *Pusher) SweepBroadcasts(ctx context.Context) (int, error) {
	var env, err = envelope.NewS2S(p.nodeID, p.serverID, "s2s.broadcast.sweep",
		envelope.BroadcastSweep{})
	if err != nil {
		return 0, err
	}
	reply, err := p.roundTrip(ctx, env)
	if err != nil {
		return 0, err
	}
	var ack struct {
		Delivered int `json:"delivered"`
	}
	if err = json.Unmarshal(reply.Payload, &ack); err != nil {
		return 0, fmt.Errorf("parsing sweep ack: %w", err)
	}
	return ack.Delivered, nil
}
