package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/wire"
)

// serveS2S owns one framed peer connection. The first envelope identifies
// the peer; disabled or unknown peers are cut off before any command runs.
func (s *Server) serveS2S(ctx context.Context, conn *wire.Conn) {
	var peerID string

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var obj, err = conn.Recv()
		if errors.Is(err, wire.ErrTimeout) {
			continue
		} else if err != nil {
			if !errors.Is(err, wire.ErrClosed) {
				log.WithFields(log.Fields{
					"remote": conn.RemoteAddr(), "err": err,
				}).Warn("s2s receive failed")
			}
			return
		}

		env, err := envelope.DecodeS2S(obj)
		if err != nil {
			var reply = envelope.ErrorReply(env, s.cfg.NodeID, envelope.CodeBadEnvelope, err.Error())
			if sendErr := conn.Send(reply); sendErr != nil {
				return
			}
			continue
		}

		if peerID == "" {
			peerID = env.Src
			if err = s.peers.CheckEnabled(ctx, peerID); err != nil {
				log.WithFields(log.Fields{
					"peer": peerID, "err": err,
				}).Warn("refusing s2s peer")
				return
			}
		} else if env.Src != peerID {
			log.WithFields(log.Fields{
				"peer": peerID, "src": env.Src,
			}).Warn("s2s envelope src changed mid-connection")
			return
		}

		// The envelope id doubles as the replay nonce.
		err = s.peers.NonceCheckAndInsert(ctx, peerID, env.ID, env.TS)
		if errors.Is(err, peers.ErrReplay) {
			s2sReplayCounter.Inc()
			log.WithFields(log.Fields{"peer": peerID, "id": env.ID}).
				Warn("dropping replayed s2s envelope")
			continue
		} else if err != nil {
			log.WithField("err", err).Error("nonce check failed")
			return
		}
		if err = s.peers.TouchLastSeen(ctx, peerID); err != nil {
			log.WithField("err", err).Warn("touching peer last_seen")
		}

		var reply envelope.S2S
		if err = envelope.ValidateS2SPayload(env.Type, env.Payload); err != nil {
			reply = envelope.ErrorReply(env, s.cfg.NodeID, envelope.CodeSchemaViolation, err.Error())
		} else if reply, err = s.dispatchS2S(ctx, env); err != nil {
			reply = envelope.ErrorReply(env, s.cfg.NodeID, envelope.CodeInternal, err.Error())
		}
		if err = conn.Send(reply); err != nil {
			log.WithFields(log.Fields{"peer": peerID, "err": err}).Warn("s2s send failed")
			return
		}
	}
}

func (s *Server) dispatchS2S(ctx context.Context, env envelope.S2S) (envelope.S2S, error) {
	switch env.Type {
	case "s2s.health.check":
		var p envelope.HealthCheck
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return envelope.S2S{}, err
		}
		return envelope.Ack(env, s.cfg.NodeID, map[string]interface{}{
			"status": "ok",
			"probe":  p.Probe,
		})

	case "s2s.broadcast.sweep":
		var delivered, err = s.sweepNotices(ctx)
		if err != nil {
			return envelope.S2S{}, err
		}
		return envelope.Ack(env, s.cfg.NodeID, map[string]interface{}{
			"delivered": delivered,
		})

	case "s2s.command.push":
		var p envelope.CommandPush
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return envelope.S2S{}, err
		}
		if _, dup := s.s2sIdem.Get(p.IdemKey); dup {
			return envelope.Ack(env, s.cfg.NodeID, map[string]interface{}{
				"duplicate": true,
			})
		}
		if err := s.runPushedCommand(ctx, p); err != nil {
			return envelope.S2S{}, err
		}
		s.s2sIdem.Add(p.IdemKey, true)
		return envelope.Ack(env, s.cfg.NodeID, map[string]interface{}{
			"duplicate": false,
		})

	default:
		// ValidateS2SPayload already closed the type set.
		return envelope.S2S{}, fmt.Errorf("unhandled s2s type %q", env.Type)
	}
}

// runPushedCommand executes an engine-pushed command with system authority.
func (s *Server) runPushedCommand(ctx context.Context, p envelope.CommandPush) error {
	switch p.CmdType {
	case "notice.publish":
		var body struct {
			Text      string `json:"text"`
			ExpiresAt *int64 `json:"expires_at"`
		}
		if err := json.Unmarshal(p.Data, &body); err != nil {
			return fmt.Errorf("parsing notice payload: %w", err)
		}
		var noticeID, err = s.store.PublishNotice(ctx, body.Text, body.ExpiresAt)
		if err != nil {
			return err
		}
		s.Broadcast("system.notice", map[string]interface{}{
			"notice_id": noticeID,
			"text":      body.Text,
		})
		return nil

	case "broadcast.sweep":
		var _, err = s.sweepNotices(ctx)
		return err

	default:
		return fmt.Errorf("push command %q is not supported", p.CmdType)
	}
}

// sweepNotices re-broadcasts unexpired system notices and marks them seen
// for every authenticated connection.
func (s *Server) sweepNotices(ctx context.Context) (int, error) {
	var notices, err = s.store.ActiveNotices(ctx)
	if err != nil {
		return 0, err
	}

	var players = s.ConnectedPlayers()
	for _, n := range notices {
		s.Broadcast("system.notice", map[string]interface{}{
			"notice_id": n.ID,
			"text":      n.Text,
		})
		for _, playerID := range players {
			if err = s.store.MarkNoticeSeen(ctx, n.ID, playerID); err != nil {
				log.WithFields(log.Fields{
					"notice": n.ID, "player": playerID, "err": err,
				}).Warn("marking notice seen")
			}
		}
	}
	return len(notices), nil
}
