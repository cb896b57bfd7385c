// Package server is the session-facing process: it accepts newline-JSON
// client connections and framed, HMAC-authenticated peer connections, and
// runs every command through a single validation and dispatch pipeline.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
	"golang.org/x/net/netutil"

	"github.com/twclone/twclone/envelope"
	"github.com/twclone/twclone/keyring"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/store"
	"github.com/twclone/twclone/wire"
)

// Config parameterizes a Server.
type Config struct {
	// ClientAddr is the newline-JSON client listener address.
	ClientAddr string
	// S2SAddr is the framed inter-process listener address.
	S2SAddr string
	// NodeID names this node in S2S envelopes.
	NodeID string

	FrameCap   int
	IOTimeout  time.Duration
	MaxClients int
	// RateLimit is requests per minute per connection.
	RateLimit int

	JWTSecret  []byte
	SessionTTL time.Duration
}

const (
	idemCacheSize    = 8192
	s2sIdemCacheSize = 8192
)

// Server owns the listeners, the connection set, and the dispatch tables.
type Server struct {
	cfg     Config
	store   *store.Store
	ring    *keyring.Ring
	peers   *peers.Registry
	schemas *envelope.Registry

	handlers map[string]Handler

	mu    sync.Mutex
	conns map[*clientConn]struct{}

	respSeq uint64

	// idem caches handler responses by idempotency key; s2sIdem records
	// inter-process command-push keys for duplicate acks.
	idem    *lru.Cache[string, envelope.Response]
	s2sIdem *lru.Cache[string, bool]

	// tasks is set by Serve; sysop.shutdown cancels it.
	tasks *task.Group
}

// New builds a Server. Defaults: frame cap per wire, 30s I/O timeout, 256
// clients, 60 requests/minute, 24h sessions.
func New(cfg Config, s *store.Store, ring *keyring.Ring, reg *peers.Registry) (*Server, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = "server"
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 256
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 60
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("server requires a JWT secret")
	}

	var idem, err = lru.New[string, envelope.Response](idemCacheSize)
	if err != nil {
		return nil, err
	}
	s2sIdem, err := lru.New[string, bool](s2sIdemCacheSize)
	if err != nil {
		return nil, err
	}

	var srv = &Server{
		cfg:      cfg,
		store:    s,
		ring:     ring,
		peers:    reg,
		schemas:  envelope.NewRegistry(),
		handlers: make(map[string]Handler),
		conns:    make(map[*clientConn]struct{}),
		idem:     idem,
		s2sIdem:  s2sIdem,
	}
	if err = srv.registerSchemas(); err != nil {
		return nil, err
	}
	srv.registerHandlers()
	return srv, nil
}

// Schemas exposes the command schema registry.
func (s *Server) Schemas() *envelope.Registry { return s.schemas }

// Serve queues the client and S2S listeners onto |tasks|. Listeners stop
// when the group's context is cancelled.
func (s *Server) Serve(tasks *task.Group) error {
	s.tasks = tasks

	clientL, err := net.Listen("tcp", s.cfg.ClientAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ClientAddr, err)
	}
	clientL = netutil.LimitListener(clientL, s.cfg.MaxClients)

	s2sL, err := net.Listen("tcp", s.cfg.S2SAddr)
	if err != nil {
		clientL.Close()
		return fmt.Errorf("listening on %s: %w", s.cfg.S2SAddr, err)
	}

	log.WithFields(log.Fields{
		"client": clientL.Addr(), "s2s": s2sL.Addr(),
	}).Info("session server listening")

	tasks.Queue("server.acceptClients", func() error {
		defer clientL.Close()
		return s.acceptLoop(tasks.Context(), clientL, s.serveClient)
	})
	tasks.Queue("server.acceptPeers", func() error {
		defer s2sL.Close()
		return s.acceptLoop(tasks.Context(), s2sL, s.servePeer)
	})
	return nil
}

// acceptLoop accepts until |ctx| is done, which closes the listener out from
// under Accept. Each accepted connection runs in its own goroutine for its
// lifetime; the loop drains them before returning.
func (s *Server) acceptLoop(ctx context.Context, l net.Listener, serve func(context.Context, net.Conn)) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var nc, err = l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, nc)
		}()
	}
}

func (s *Server) addConn(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[cc] = struct{}{}
}

func (s *Server) removeConn(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, cc)
}

// Broadcast writes a push envelope to every connected client. The connection
// set is snapshotted under the mutex; writes happen outside it.
func (s *Server) Broadcast(eventType string, payload interface{}) {
	var push = envelope.Response{
		ID:     s.nextRespID(),
		TS:     time.Now().UTC().Format(time.RFC3339),
		Status: envelope.StatusOK,
		Type:   eventType,
		Data:   payload,
	}

	s.mu.Lock()
	var targets = make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		targets = append(targets, cc)
	}
	s.mu.Unlock()

	for _, cc := range targets {
		if err := cc.write(push, false); err != nil {
			log.WithFields(log.Fields{
				"remote": cc.remote, "err": err,
			}).Debug("broadcast write failed")
		}
	}
	broadcastCounter.Inc()
}

// ConnectedPlayers lists the player ids of authenticated connections.
func (s *Server) ConnectedPlayers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for cc := range s.conns {
		if id := atomic.LoadInt64(&cc.playerID); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func (s *Server) nextRespID() string {
	return fmt.Sprintf("srv-%d", atomic.AddUint64(&s.respSeq, 1))
}

func (s *Server) servePeer(ctx context.Context, nc net.Conn) {
	var conn = wire.NewConn(nc, s.ring, s.cfg.FrameCap, s.cfg.IOTimeout)
	defer conn.Close()
	s.serveS2S(ctx, conn)
}
