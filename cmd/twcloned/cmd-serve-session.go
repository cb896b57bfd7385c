package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/twclone/twclone/keyring"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/server"
	"github.com/twclone/twclone/store"
)

type cmdServeSession struct {
	Database   string        `long:"database" env:"TWCLONE_DB" default:"twclone.db" description:"Path of the sqlite database"`
	ClientAddr string        `long:"client.addr" env:"CLIENT_ADDR" default:":2002" description:"Client listener address"`
	S2SAddr    string        `long:"s2s.addr" env:"S2S_ADDR" default:"127.0.0.1:4321" description:"Inter-process listener address"`
	NodeID     string        `long:"node-id" default:"session-1" description:"Node name used in inter-process envelopes"`
	FrameCap   int           `long:"frame-cap" default:"65536" description:"Per-frame payload ceiling in bytes"`
	IOTimeout  time.Duration `long:"io-timeout" default:"30s" description:"Per-operation socket deadline"`
	MaxClients int           `long:"max-clients" default:"256" description:"Concurrent client connection limit"`
	RateLimit  int           `long:"rate-limit" default:"60" description:"Requests per minute per connection"`
	JWTSecret  string        `long:"jwt-secret" env:"JWT_SECRET" required:"true" description:"HMAC secret for session tokens"`
	SessionTTL time.Duration `long:"session-ttl" default:"24h" description:"Lifetime of an issued session"`

	NoEngine   bool          `long:"no-engine" description:"Do not spawn the engine child process"`
	EngineTick time.Duration `long:"engine.tick" default:"1s" description:"Engine tick interval"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeSession) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var ctx = context.Background()

	st, err := store.Open(cmd.Database)
	startupFatal(err, "opening database")
	defer st.Close()

	var ring = keyring.NewRing()
	fromEnv, err := ring.InstallFromEnv()
	startupFatal(err, "installing keyring from environment")
	if fromEnv {
		// Persist the override so the engine and future boots agree on it.
		startupFatal(st.InstallKey(ctx,
			os.Getenv(keyring.EnvKeyID), os.Getenv(keyring.EnvKeyB64), true),
			"persisting environment key")
	} else {
		startupFatal(ring.InstallDefaultFromDB(ctx, st), "installing keyring from database")
	}

	reg, err := peers.NewRegistry(st, 0)
	startupFatal(err, "building peer registry")

	srv, err := server.New(server.Config{
		ClientAddr: cmd.ClientAddr,
		S2SAddr:    cmd.S2SAddr,
		NodeID:     cmd.NodeID,
		FrameCap:   cmd.FrameCap,
		IOTimeout:  cmd.IOTimeout,
		MaxClients: cmd.MaxClients,
		RateLimit:  cmd.RateLimit,
		JWTSecret:  []byte(cmd.JWTSecret),
		SessionTTL: cmd.SessionTTL,
	}, st, ring, reg)
	startupFatal(err, "building session server")

	// The engine child holds the read end of the shutdown pipe as fd 3.
	// Closing the write end after server teardown is the quiesce signal.
	var engineProc *exec.Cmd
	var shutdownW *os.File
	if !cmd.NoEngine {
		engineProc, shutdownW, err = cmd.spawnEngine()
		startupFatal(err, "spawning engine")
	}

	var tasks = task.NewGroup(ctx)
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("caught signal; stopping")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
	}()

	startupFatal(srv.Serve(tasks), "starting listeners")
	tasks.GoRun()

	err = tasks.Wait()
	if err != nil && err != context.Canceled {
		log.WithField("err", err).Error("session server failed")
	} else {
		err = nil
	}

	if engineProc != nil {
		if quiesceErr := quiesceEngine(engineProc, shutdownW); quiesceErr != nil && err == nil {
			err = quiesceErr
		}
	}
	return err
}

// spawnEngine re-executes this binary as "serve engine" with the read end of
// a fresh pipe at fd 3.
func (cmd cmdServeSession) spawnEngine() (*exec.Cmd, *os.File, error) {
	var self, err = os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("locating executable: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating shutdown pipe: %w", err)
	}

	var child = exec.Command(self,
		"serve", "engine",
		"--database", cmd.Database,
		"--server.addr", cmd.S2SAddr,
		"--tick", cmd.EngineTick.String(),
		"--frame-cap", fmt.Sprintf("%d", cmd.FrameCap),
		"--io-timeout", cmd.IOTimeout.String(),
		"--log.format", cmd.Log.Format,
		"--log.level", cmd.Log.Level,
	)
	child.Env = os.Environ()
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{pr} // becomes fd 3 in the child.
	child.SysProcAttr = SysProcAttr()

	log.WithField("args", child.Args).Info("starting engine child")
	if err = child.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, nil, err
	}
	pr.Close() // the child holds its own descriptor.
	return child, pw, nil
}

// quiesceEngine closes the shutdown pipe and waits for the child to exit,
// escalating to SIGKILL if it lingers.
func quiesceEngine(child *exec.Cmd, shutdownW *os.File) error {
	shutdownW.Close()

	var done = make(chan error, 1)
	go func() { done <- child.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("engine exited uncleanly: %w", err)
		}
		log.Info("engine quiesced")
		return nil
	case <-time.After(10 * time.Second):
		log.Warn("engine did not quiesce; killing")
		_ = child.Process.Kill()
		<-done
		return fmt.Errorf("engine killed after quiesce timeout")
	}
}

// startupFatal exits with status 2: the configuration or database is unusable
// and a restart without operator intervention will not help.
func startupFatal(err error, msg string) {
	if err == nil {
		return
	}
	log.WithField("err", err).Error(msg)
	os.Exit(2)
}
