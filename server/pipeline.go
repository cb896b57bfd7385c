package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/wire"
)

// Handler executes one validated, authorized command and returns its
// response. Handlers run on the connection's task; blocking work holds only
// that connection.
type Handler func(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response

// clientConn is the per-connection state owned by a single task. Responses
// are written in dispatch order because the task is the only reader of its
// socket; broadcasts interleave under writeMu.
type clientConn struct {
	srv    *Server
	nc     net.Conn
	remote string

	writeMu sync.Mutex
	w       *bufio.Writer

	// playerID is non-zero once authenticated; read by broadcast sweeps.
	playerID int64
	sysop    bool
	token    string

	limiter *rate.Limiter

	// capturing redirects handler responses into captured during
	// bulk.execute instead of the socket.
	capturing bool
	captured  []envelope.Response
}

func (s *Server) serveClient(ctx context.Context, nc net.Conn) {
	var cc = &clientConn{
		srv:     s,
		nc:      nc,
		remote:  nc.RemoteAddr().String(),
		w:       bufio.NewWriter(nc),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.RateLimit)), s.cfg.RateLimit),
	}
	s.addConn(cc)
	defer func() {
		s.removeConn(cc)
		nc.Close()
		log.WithField("remote", cc.remote).Debug("client disconnected")
	}()
	log.WithField("remote", cc.remote).Debug("client connected")

	var frameCap = s.cfg.FrameCap
	if frameCap == 0 {
		frameCap = wire.DefaultFrameCap
	}
	var scanner = bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), frameCap)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := nc.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			if scanner.Err() == bufio.ErrTooLong {
				// Same contract as the framed path: oversized input is
				// rejected without parsing and the connection dies.
				wire.CountTooLarge()
			}
			return
		}
		var line = scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req envelope.Request
		if err := json.Unmarshal(line, &req); err != nil {
			var resp = envelope.Refused(s.nextRespID(), req, envelope.CodeBadEnvelope,
				"request is not a JSON object")
			if err = cc.write(resp, false); err != nil {
				return
			}
			continue
		}

		var resp = s.dispatch(ctx, cc, req)
		if err := cc.write(resp, req.Type == "schema.describe"); err != nil {
			return
		}
	}
}

// dispatch runs the full pipeline for one request: envelope validation, auth
// gates, schema validation, idempotent replay, then the handler. It always
// returns exactly one response.
func (s *Server) dispatch(ctx context.Context, cc *clientConn, req envelope.Request) envelope.Response {
	requestCounter.Inc()

	if !cc.limiter.Allow() {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeRateLimited,
			"per-connection rate limit exceeded")
	}
	if err := envelope.ValidateRequest(&req); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeBadEnvelope, err.Error())
	}

	if !strings.HasPrefix(req.Type, "auth.") && atomic.LoadInt64(&cc.playerID) == 0 {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeAuthRequired,
			"command requires an authenticated session")
	}
	if strings.HasPrefix(req.Type, "sysop.") && !cc.sysop {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeForbidden,
			"command requires the SysOp role")
	}

	if err := s.schemas.Validate(req.Type, req.Data); err != nil {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeSchemaViolation, err.Error())
	}

	if req.IdempotencyKey != "" {
		if cached, ok := s.idem.Get(req.IdempotencyKey); ok {
			idemReplayCounter.Inc()
			return cached
		}
	}

	var handler, ok = s.handlers[req.Type]
	if !ok {
		return envelope.Refused(s.nextRespID(), req, envelope.CodeUnknownCommand,
			fmt.Sprintf("unknown command type %q", req.Type))
	}

	var resp = s.invoke(ctx, cc, handler, req)

	if req.IdempotencyKey != "" && resp.Status != envelope.StatusRefused {
		s.idem.Add(req.IdempotencyKey, resp)
	}
	return resp
}

// invoke traps handler panics: the connection survives and the client sees
// an opaque internal error.
func (s *Server) invoke(ctx context.Context, cc *clientConn, h Handler, req envelope.Request) (resp envelope.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"type": req.Type, "panic": r, "stack": string(debug.Stack()),
			}).Error("handler panicked")
			panicCounter.Inc()
			resp = envelope.Errored(s.nextRespID(), req, envelope.CodeInternal, "internal error")
		}
	}()
	return h(ctx, cc, req)
}

// write serializes |resp| with rate-limit meta attached, strips ANSI escapes
// from every string field unless |rawStrings|, and writes one line.
func (cc *clientConn) write(resp envelope.Response, rawStrings bool) error {
	resp.Meta = &envelope.ResponseMeta{RateLimit: envelope.RateLimitMeta{
		Limit:     cc.srv.cfg.RateLimit,
		Remaining: int(cc.limiter.Tokens()),
		Reset:     60,
	}}

	var bytes, err = json.Marshal(resp)
	if err != nil {
		return err
	}
	if !rawStrings {
		var tree interface{}
		if err = json.Unmarshal(bytes, &tree); err != nil {
			return err
		}
		if bytes, err = json.Marshal(envelope.StripANSI(tree)); err != nil {
			return err
		}
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()

	if err = cc.nc.SetWriteDeadline(time.Now().Add(cc.srv.cfg.IOTimeout)); err != nil {
		return err
	}
	if _, err = cc.w.Write(append(bytes, '\n')); err != nil {
		return err
	}
	responseCounter.Inc()
	return cc.w.Flush()
}
