package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/store"
)

func (s *Server) registerHandlers() {
	s.handlers["auth.register"] = s.handleAuthRegister
	s.handlers["auth.login"] = s.handleAuthLogin
	s.handlers["auth.resume"] = s.handleAuthResume
	s.handlers["auth.logout"] = s.handleAuthLogout
	s.handlers["session.ping"] = s.handlePing
	s.handlers["schema.describe"] = s.handleSchemaDescribe
	s.handlers["bulk.execute"] = s.handleBulkExecute
	s.handlers["move.warp"] = s.handleMoveWarp
	s.handlers["sector.info"] = s.handleSectorInfo
	s.handlers["sysop.peer.upsert"] = s.handlePeerUpsert
	s.handlers["sysop.peer.enable"] = s.handlePeerEnable
	s.handlers["sysop.notice.publish"] = s.handleNoticePublish
	s.handlers["sysop.shutdown"] = s.handleShutdown
}

type credentials struct {
	Username string `json:"username"`
	Passwd   string `json:"passwd"`
}

func (s *Server) handleAuthRegister(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var creds credentials
	if err := json.Unmarshal(req.Data, &creds); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	var player, err = s.store.CreatePlayer(ctx, creds.Username, creds.Passwd)
	if errors.Is(err, store.ErrConflict) {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeConflict,
			fmt.Sprintf("username %q is taken", creds.Username))
	} else if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "registration failed")
	}

	log.WithFields(log.Fields{"player": player.ID, "username": creds.Username}).
		Info("player registered")
	return envelope.OK(s.nextRespID(), req, "auth.registered", map[string]interface{}{
		"player_id": player.ID,
		"sector_id": player.SectorID,
	})
}

func (s *Server) handleAuthLogin(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var creds credentials
	if err := json.Unmarshal(req.Data, &creds); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	var player, err = s.store.AuthenticatePlayer(ctx, creds.Username, creds.Passwd)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeAuthRequired,
			"unknown username or bad password")
	} else if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "login failed")
	}

	var token string
	if token, err = s.mintToken(player.ID); err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "login failed")
	}
	if err = s.store.CreateSession(ctx, token, player.ID, s.cfg.SessionTTL); err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "login failed")
	}

	cc.bindSession(player, token)
	log.WithFields(log.Fields{"player": player.ID, "remote": cc.remote}).Info("player logged in")
	return envelope.OK(s.nextRespID(), req, "auth.session", map[string]interface{}{
		"token":     token,
		"player_id": player.ID,
		"sector_id": player.SectorID,
	})
}

// handleAuthResume re-binds a connection to a live session by its token.
func (s *Server) handleAuthResume(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}
	if err := s.verifyToken(body.Token); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeAuthRequired, "invalid token")
	}

	var playerID, err = s.store.SessionPlayer(ctx, body.Token)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeAuthRequired,
			"session expired or unknown")
	} else if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "resume failed")
	}
	player, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "resume failed")
	}

	cc.bindSession(player, body.Token)
	return envelope.OK(s.nextRespID(), req, "auth.session", map[string]interface{}{
		"player_id": player.ID,
		"sector_id": player.SectorID,
	})
}

func (s *Server) handleAuthLogout(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	if cc.token != "" {
		if err := s.store.DeleteSession(ctx, cc.token); err != nil {
			log.WithField("err", err).Warn("deleting session on logout")
		}
	}
	atomic.StoreInt64(&cc.playerID, 0)
	cc.sysop, cc.token = false, ""
	return envelope.OK(s.nextRespID(), req, "auth.loggedout", map[string]interface{}{})
}

func (cc *clientConn) bindSession(player store.Player, token string) {
	atomic.StoreInt64(&cc.playerID, player.ID)
	cc.sysop = player.Sysop
	cc.token = token
}

// handlePing echoes the request data back as a pong.
func (s *Server) handlePing(_ context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	return envelope.OK(s.nextRespID(), req, "session.pong", req.Data)
}

func (s *Server) handleSchemaDescribe(_ context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	if body.Type == "" {
		return envelope.OK(s.nextRespID(), req, "schema.listing", map[string]interface{}{
			"types": s.schemas.Types(),
		})
	}
	var src = s.schemas.Source(body.Type)
	if src == nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeNotFound,
			fmt.Sprintf("no schema registered for %q", body.Type))
	}
	return envelope.OK(s.nextRespID(), req, "schema.document", map[string]interface{}{
		"type":   body.Type,
		"schema": src,
	})
}

const bulkMaxRequests = 32

// handleBulkExecute dispatches each sub-request through the regular pipeline
// in capture mode and replies once with the captured responses in order.
// Every sub-request runs; failures surface in their own captured response.
func (s *Server) handleBulkExecute(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		Requests []envelope.Request `json:"requests"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}
	if len(body.Requests) == 0 || len(body.Requests) > bulkMaxRequests {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation,
			fmt.Sprintf("bulk accepts 1..%d requests", bulkMaxRequests))
	}
	if cc.capturing {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation,
			"bulk.execute does not nest")
	}

	cc.capturing = true
	cc.captured = cc.captured[:0]
	for _, sub := range body.Requests {
		var resp = s.dispatch(ctx, cc, sub)
		cc.captured = append(cc.captured, resp)
	}
	var captured = make([]envelope.Response, len(cc.captured))
	copy(captured, cc.captured)
	cc.capturing = false

	return envelope.OK(s.nextRespID(), req, "bulk.result", map[string]interface{}{
		"responses": captured,
	})
}

func (s *Server) handleMoveWarp(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		To int64 `json:"to"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	var playerID = atomic.LoadInt64(&cc.playerID)
	player, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "move failed")
	}

	warps, err := store.WarpsFrom(ctx, s.store.DB(), player.SectorID)
	if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "move failed")
	}
	var linked bool
	for _, to := range warps {
		if to == body.To {
			linked = true
			break
		}
	}
	if !linked {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeNotFound,
			fmt.Sprintf("no warp from sector %d to %d", player.SectorID, body.To))
	}

	if err = s.store.MovePlayer(ctx, playerID, body.To); err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "move failed")
	}
	var payload, _ = json.Marshal(map[string]interface{}{
		"from": player.SectorID, "to": body.To,
	})
	if _, err = store.AppendEvent(ctx, s.store.DB(), store.Event{
		Type:          "player.moved",
		ActorPlayerID: &playerID,
		SectorID:      &body.To,
		Payload:       payload,
	}); err != nil {
		log.WithField("err", err).Warn("recording move event")
	}

	return envelope.OK(s.nextRespID(), req, "move.result", map[string]interface{}{
		"sector_id": body.To,
	})
}

func (s *Server) handleSectorInfo(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		SectorID int64 `json:"sector_id"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}
	if body.SectorID == 0 {
		var player, err = s.store.GetPlayer(ctx, atomic.LoadInt64(&cc.playerID))
		if err != nil {
			return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "sector lookup failed")
		}
		body.SectorID = player.SectorID
	}

	var info, err = s.store.SectorInfoJSON(ctx, body.SectorID)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeNotFound,
			fmt.Sprintf("sector %d does not exist", body.SectorID))
	} else if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "sector lookup failed")
	}
	return envelope.OK(s.nextRespID(), req, "sector.info", json.RawMessage(info))
}

func (s *Server) handlePeerUpsert(ctx context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	var peer store.Peer
	var body struct {
		PeerID      string `json:"peer_id"`
		Host        string `json:"host"`
		Port        int    `json:"port"`
		Enabled     bool   `json:"enabled"`
		SharedKeyID string `json:"shared_key_id"`
		Notes       string `json:"notes"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}
	peer = store.Peer{
		PeerID: body.PeerID, Host: body.Host, Port: body.Port,
		Enabled: body.Enabled, SharedKeyID: body.SharedKeyID, Notes: body.Notes,
	}
	if err := s.peers.Upsert(ctx, peer); err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeConflict, "peer upsert failed")
	}
	return envelope.OK(s.nextRespID(), req, "peer.upserted", map[string]interface{}{
		"peer_id": peer.PeerID,
	})
}

func (s *Server) handlePeerEnable(ctx context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		PeerID  string `json:"peer_id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}
	var err = s.peers.SetEnabled(ctx, body.PeerID, body.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeNotFound,
			fmt.Sprintf("peer %q does not exist", body.PeerID))
	} else if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "peer update failed")
	}
	return envelope.OK(s.nextRespID(), req, "peer.updated", map[string]interface{}{
		"peer_id": body.PeerID,
		"enabled": body.Enabled,
	})
}

func (s *Server) handleNoticePublish(ctx context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	var body struct {
		Text      string `json:"text"`
		ExpiresAt *int64 `json:"expires_at"`
	}
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	var noticeID, err = s.store.PublishNotice(ctx, body.Text, body.ExpiresAt)
	if err != nil {
		return envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "publish failed")
	}
	s.Broadcast("system.notice", map[string]interface{}{
		"notice_id": noticeID,
		"text":      body.Text,
	})
	return envelope.OK(s.nextRespID(), req, "notice.published", map[string]interface{}{
		"notice_id": noticeID,
	})
}

func (s *Server) handleShutdown(_ context.Context, _ *clientConn, req envelope.Request) envelope.Response {
	log.Warn("shutdown requested by sysop")
	if s.tasks != nil {
		s.tasks.Cancel()
	}
	return envelope.OK(s.nextRespID(), req, "shutdown.ack", map[string]interface{}{})
}

func (s *Server) mintToken(playerID int64) (string, error) {
	var now = time.Now()
	var claims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   fmt.Sprintf("%d", playerID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionTTL)),
		Issuer:    s.cfg.NodeID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.JWTSecret)
}

func (s *Server) verifyToken(token string) error {
	var _, err = jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return s.cfg.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}
