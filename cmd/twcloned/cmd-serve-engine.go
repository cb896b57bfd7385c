package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/twclone/twclone/consumer"
	"github.com/twclone/twclone/engine"
	"github.com/twclone/twclone/keyring"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/store"
)

type cmdServeEngine struct {
	Database   string        `long:"database" env:"TWCLONE_DB" default:"twclone.db" description:"Path of the sqlite database"`
	ServerAddr string        `long:"server.addr" env:"S2S_ADDR" default:"127.0.0.1:4321" description:"Session server inter-process address"`
	NodeID     string        `long:"node-id" default:"engine-1" description:"Node name used in inter-process envelopes"`
	ServerID   string        `long:"server-id" default:"session-1" description:"Peer name of the session server"`

	Tick          time.Duration `long:"tick" default:"1s" description:"Tick interval"`
	BatchSize     int           `long:"batch-size" default:"64" description:"Events consumed per tick"`
	PrioThreshold int64         `long:"priority-threshold" default:"128" description:"Backlog lag at which priority events are promoted"`
	SweepEvery    time.Duration `long:"sweep-every" default:"30s" description:"Interval between broadcast sweeps pushed to the session server"`

	FrameCap  int           `long:"frame-cap" default:"65536" description:"Per-frame payload ceiling in bytes"`
	IOTimeout time.Duration `long:"io-timeout" default:"30s" description:"Per-operation socket deadline"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeEngine) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// fd 3 is the read end of the shutdown pipe, passed by "serve session".
	// os.NewFile does not validate the descriptor, so probe it: a missing fd
	// would otherwise read EBADF and masquerade as an immediate quiesce.
	var shutdown = os.NewFile(3, "shutdown-pipe")
	if _, err := shutdown.Stat(); err != nil {
		log.WithField("err", err).
			Error("no shutdown pipe on fd 3; the engine must be spawned by the session server")
		os.Exit(2)
	}
	defer shutdown.Close()

	st, err := store.Open(cmd.Database)
	startupFatal(err, "opening database")
	defer st.Close()

	var ring = keyring.NewRing()
	fromEnv, err := ring.InstallFromEnv()
	startupFatal(err, "installing keyring from environment")
	if fromEnv {
		startupFatal(st.InstallKey(ctx,
			os.Getenv(keyring.EnvKeyID), os.Getenv(keyring.EnvKeyB64), true),
			"persisting environment key")
	} else {
		startupFatal(ring.InstallDefaultFromDB(ctx, st), "installing keyring from database")
	}

	reg, err := peers.NewRegistry(st, 0)
	startupFatal(err, "building peer registry")

	var e = engine.New(engine.Config{
		TickInterval: cmd.Tick,
		Consumer: consumer.Config{
			BatchSize:            cmd.BatchSize,
			BacklogPrioThreshold: cmd.PrioThreshold,
			PriorityTypes:        consumer.DefaultPriorityTypes(),
		},
	}, st, reg, shutdown)

	var pusher = engine.NewPusher(cmd.NodeID, cmd.ServerID, cmd.ServerAddr,
		ring, cmd.FrameCap, cmd.IOTimeout)
	defer pusher.Close()

	e.AddJob("broadcast.sweep", cmd.SweepEvery, func(ctx context.Context) error {
		var n, err = pusher.SweepBroadcasts(ctx)
		if err != nil {
			// The server may simply not be accepting yet; the dialer
			// re-establishes on the next due time.
			log.WithField("err", err).Warn("broadcast sweep failed")
			return nil
		}
		if n != 0 {
			log.WithField("delivered", n).Info("swept broadcasts")
		}
		return nil
	})
	e.AddJob("server.health", time.Minute, func(ctx context.Context) error {
		if err := pusher.HealthCheck(ctx, "engine-tick"); err != nil {
			log.WithField("err", err).Warn("session server health check failed")
		}
		return nil
	})

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("caught signal; stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	switch err = e.Run(ctx); {
	case err == nil, err == context.Canceled:
		log.Info("engine exiting")
		return nil
	default:
		log.WithField("err", err).Error("engine failed")
		os.Exit(1)
		return nil // not reached
	}
}
