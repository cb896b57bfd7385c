package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/keyring"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/store"
)

func newTestServer(t *testing.T) *Server {
	var st, err = store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := peers.NewRegistry(st, 0)
	require.NoError(t, err)

	var ring = keyring.NewRing()
	require.NoError(t, ring.Install(keyring.Key{ID: "test", Secret: []byte("0123456789abcdef")}))

	srv, err := New(Config{
		ClientAddr: "127.0.0.1:0",
		S2SAddr:    "127.0.0.1:0",
		JWTSecret:  []byte("test-secret"),
		IOTimeout:  2 * time.Second,
	}, st, ring, reg)
	require.NoError(t, err)
	return srv
}

func newTestConn(srv *Server) *clientConn {
	return &clientConn{
		srv:     srv,
		remote:  "test",
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func request(t *testing.T, id, cmdType, data string) envelope.Request {
	t.Helper()
	var req = envelope.Request{ID: id, Type: cmdType, Data: json.RawMessage(data)}
	return req
}

func TestLoginAndPing(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	var resp = srv.dispatch(ctx, cc,
		request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	require.Equal(t, envelope.StatusOK, resp.Status)

	resp = srv.dispatch(ctx, cc,
		request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))
	require.Equal(t, envelope.StatusOK, resp.Status)
	require.Equal(t, "auth.session", resp.Type)
	var data = resp.Data.(map[string]interface{})
	require.NotEmpty(t, data["token"])

	resp = srv.dispatch(ctx, cc, request(t, "c2", "session.ping", `{"echo":42}`))
	require.Equal(t, envelope.StatusOK, resp.Status)
	require.Equal(t, "session.pong", resp.Type)
	require.Equal(t, "c2", resp.ReplyTo)
	require.JSONEq(t, `{"echo":42}`, string(resp.Data.(json.RawMessage)))
}

func TestUnauthenticatedRefused(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)

	var resp = srv.dispatch(context.Background(), cc,
		request(t, "c1", "session.ping", `{}`))
	require.Equal(t, envelope.StatusRefused, resp.Status)
	require.Equal(t, envelope.CodeAuthRequired, resp.Error.Code)
}

func TestSysopGate(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var resp = srv.dispatch(ctx, cc, request(t, "c2", "sysop.notice.publish", `{"text":"hi"}`))
	require.Equal(t, envelope.StatusRefused, resp.Status)
	require.Equal(t, envelope.CodeForbidden, resp.Error.Code)

	cc.sysop = true
	resp = srv.dispatch(ctx, cc, request(t, "c3", "sysop.notice.publish", `{"text":"hi"}`))
	require.Equal(t, envelope.StatusOK, resp.Status)
}

func TestUnknownCommandRefused(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var resp = srv.dispatch(ctx, cc, request(t, "c3", "does.not.exist", `{}`))
	require.Equal(t, envelope.StatusRefused, resp.Status)
	require.Equal(t, envelope.CodeUnknownCommand, resp.Error.Code)
}

func TestSchemaViolationRefused(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)

	var resp = srv.dispatch(context.Background(), cc,
		request(t, "c1", "auth.login", `{"username":"u"}`))
	require.Equal(t, envelope.StatusRefused, resp.Status)
	require.Equal(t, envelope.CodeSchemaViolation, resp.Error.Code)
}

func TestIdempotencyCacheReplaysVerbatim(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	var calls int
	srv.handlers["test.count"] = func(_ context.Context, _ *clientConn, req envelope.Request) envelope.Response {
		calls++
		return envelope.OK(srv.nextRespID(), req, "test.counted", map[string]interface{}{
			"calls": calls,
			"at":    time.Now().UnixNano(),
		})
	}
	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var req1 = request(t, "c2", "test.count", `{}`)
	req1.Meta = json.RawMessage(`{"idempotency_key":"k-1"}`)
	var req2 = request(t, "c3", "test.count", `{}`)
	req2.Meta = json.RawMessage(`{"idempotency_key":"k-1"}`)

	var first = srv.dispatch(ctx, cc, req1)
	var second = srv.dispatch(ctx, cc, req2)
	require.Equal(t, 1, calls)

	a, err := json.Marshal(first.Data)
	require.NoError(t, err)
	b, err := json.Marshal(second.Data)
	require.NoError(t, err)
	var opts = jsondiff.DefaultConsoleOptions()
	diff, _ := jsondiff.Compare(a, b, &opts)
	require.Equal(t, jsondiff.FullMatch, diff)
}

func TestBulkCapture(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var resp = srv.dispatch(ctx, cc, request(t, "c4", "bulk.execute", `{
		"requests": [
			{"id": "b1", "type": "session.ping", "data": {"n": 1}},
			{"id": "b2", "type": "session.ping", "data": {"n": 2}},
			{"id": "b3", "type": "session.ping", "data": {"n": 3}}
		]
	}`))
	require.Equal(t, envelope.StatusOK, resp.Status)
	require.Equal(t, "bulk.result", resp.Type)

	var captured = resp.Data.(map[string]interface{})["responses"].([]envelope.Response)
	require.Len(t, captured, 3)
	for i, sub := range captured {
		require.Equal(t, envelope.StatusOK, sub.Status)
		require.Equal(t, "session.pong", sub.Type)
		require.Equal(t, []string{"b1", "b2", "b3"}[i], sub.ReplyTo)
	}
}

func TestBulkRunsAllEvenAfterFailure(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var resp = srv.dispatch(ctx, cc, request(t, "c4", "bulk.execute", `{
		"requests": [
			{"id": "b1", "type": "no.such.command", "data": {}},
			{"id": "b2", "type": "session.ping", "data": {}}
		]
	}`))
	require.Equal(t, envelope.StatusOK, resp.Status)

	var captured = resp.Data.(map[string]interface{})["responses"].([]envelope.Response)
	require.Len(t, captured, 2)
	require.Equal(t, envelope.StatusRefused, captured[0].Status)
	require.Equal(t, envelope.CodeUnknownCommand, captured[0].Error.Code)
	require.Equal(t, envelope.StatusOK, captured[1].Status)
}

func TestHandlerPanicIsTrapped(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	var ctx = context.Background()

	srv.handlers["test.panic"] = func(context.Context, *clientConn, envelope.Request) envelope.Response {
		panic("boom")
	}
	srv.dispatch(ctx, cc, request(t, "c0", "auth.register", `{"username":"u","passwd":"p"}`))
	srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))

	var resp = srv.dispatch(ctx, cc, request(t, "c2", "test.panic", `{}`))
	require.Equal(t, envelope.StatusError, resp.Status)
	require.Equal(t, envelope.CodeInternal, resp.Error.Code)

	// The pipeline survives for the next request.
	resp = srv.dispatch(ctx, cc, request(t, "c3", "session.ping", `{}`))
	require.Equal(t, envelope.StatusOK, resp.Status)
}

func TestRateLimitRefused(t *testing.T) {
	var srv = newTestServer(t)
	var cc = newTestConn(srv)
	cc.limiter = rate.NewLimiter(rate.Every(time.Minute), 2)
	var ctx = context.Background()

	var first = srv.dispatch(ctx, cc, request(t, "c1", "auth.login", `{"username":"u","passwd":"p"}`))
	require.NotEqual(t, envelope.CodeRateLimited, first.Error.Code)
	srv.dispatch(ctx, cc, request(t, "c2", "auth.login", `{"username":"u","passwd":"p"}`))

	var third = srv.dispatch(ctx, cc, request(t, "c3", "auth.login", `{"username":"u","passwd":"p"}`))
	require.Equal(t, envelope.StatusRefused, third.Status)
	require.Equal(t, envelope.CodeRateLimited, third.Error.Code)
}

func TestServeClientOverSocket(t *testing.T) {
	var srv = newTestServer(t)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var serverSide, clientSide = net.Pipe()
	var done = make(chan struct{})
	go func() {
		defer close(done)
		srv.serveClient(ctx, serverSide)
	}()

	var enc = json.NewEncoder(clientSide)
	var lines = bufio.NewScanner(clientSide)
	lines.Buffer(make([]byte, 4096), 1<<20)

	require.NoError(t, enc.Encode(map[string]interface{}{
		"id": "c0", "type": "auth.register",
		"data": map[string]interface{}{"username": "u", "passwd": "p"},
	}))
	require.True(t, lines.Scan())

	var resp envelope.Response
	require.NoError(t, json.Unmarshal(lines.Bytes(), &resp))
	require.Equal(t, envelope.StatusOK, resp.Status)
	require.Equal(t, "c0", resp.ReplyTo)
	require.NotNil(t, resp.Meta)
	require.Equal(t, 60, resp.Meta.RateLimit.Limit)

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection task did not exit")
	}
}

func TestOversizedLineClosesConnection(t *testing.T) {
	var srv = newTestServer(t)
	srv.cfg.FrameCap = 4096
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var serverSide, clientSide = net.Pipe()
	var done = make(chan struct{})
	go func() {
		defer close(done)
		srv.serveClient(ctx, serverSide)
	}()

	var big = make([]byte, 8192)
	for i := range big {
		big[i] = 'a'
	}
	clientSide.Write(big)
	clientSide.Write([]byte("\n"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("oversized line did not close the connection")
	}
	clientSide.Close()
}

func TestANSIStrippedFromResponses(t *testing.T) {
	var srv = newTestServer(t)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	srv.handlers["test.ansi"] = func(_ context.Context, _ *clientConn, req envelope.Request) envelope.Response {
		return envelope.OK(srv.nextRespID(), req, "test.ansi", map[string]interface{}{
			"text": "\x1b[31mred\x1b[0m alert",
		})
	}

	var serverSide, clientSide = net.Pipe()
	go srv.serveClient(ctx, serverSide)
	defer clientSide.Close()

	var enc = json.NewEncoder(clientSide)
	var lines = bufio.NewScanner(clientSide)

	require.NoError(t, enc.Encode(map[string]interface{}{
		"id": "c0", "type": "auth.register",
		"data": map[string]interface{}{"username": "u", "passwd": "p"},
	}))
	require.True(t, lines.Scan())
	require.NoError(t, enc.Encode(map[string]interface{}{
		"id": "c1", "type": "auth.login",
		"data": map[string]interface{}{"username": "u", "passwd": "p"},
	}))
	require.True(t, lines.Scan())
	require.NoError(t, enc.Encode(map[string]interface{}{
		"id": "c2", "type": "test.ansi", "data": map[string]interface{}{},
	}))
	require.True(t, lines.Scan())

	var resp envelope.Response
	require.NoError(t, json.Unmarshal(lines.Bytes(), &resp))
	require.Equal(t, "red alert", resp.Data.(map[string]interface{})["text"])
}

func TestS2SCommandPushIdempotency(t *testing.T) {
	var srv = newTestServer(t)
	var ctx = context.Background()

	var push, err = envelope.NewS2S("engine", "server", "s2s.command.push", envelope.CommandPush{
		CmdType: "notice.publish",
		IdemKey: "k1",
		Data:    json.RawMessage(`{"text":"engine says hi"}`),
	})
	require.NoError(t, err)

	ack, err := srv.dispatchS2S(ctx, push)
	require.NoError(t, err)
	require.Equal(t, "s2s.ack", ack.Type)
	require.Equal(t, push.ID, ack.AckOf)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	require.Equal(t, false, payload["duplicate"])

	// A second push with the same idem_key acks duplicate without effect.
	push2, err := envelope.NewS2S("engine", "server", "s2s.command.push", envelope.CommandPush{
		CmdType: "notice.publish",
		IdemKey: "k1",
		Data:    json.RawMessage(`{"text":"engine says hi"}`),
	})
	require.NoError(t, err)
	ack2, err := srv.dispatchS2S(ctx, push2)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(ack2.Payload, &payload))
	require.Equal(t, true, payload["duplicate"])

	var count int
	require.NoError(t, srv.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM system_notice`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestS2SHealthCheck(t *testing.T) {
	var srv = newTestServer(t)

	var env, err = envelope.NewS2S("engine", "server", "s2s.health.check",
		envelope.HealthCheck{Probe: "p-1"})
	require.NoError(t, err)

	ack, err := srv.dispatchS2S(context.Background(), env)
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "p-1", payload["probe"])
}
