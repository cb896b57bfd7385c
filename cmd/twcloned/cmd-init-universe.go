package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/twclone/twclone/store"
	"github.com/twclone/twclone/universe"
)

type cmdInitUniverse struct {
	Database string `long:"database" env:"TWCLONE_DB" default:"twclone.db" description:"Path of the sqlite database"`

	NumSectors   int     `long:"sectors" default:"500" description:"Number of sectors"`
	Density      int     `long:"density" default:"4" description:"Maximum random warps per sector"`
	PDeadend     float64 `long:"p-deadend" default:"0.05" description:"Chance a sector gets no random warps"`
	POneway      float64 `long:"p-oneway" default:"0.05" description:"Chance a warp gets no return edge"`
	MinTunnels   int     `long:"min-tunnels" default:"3" description:"Minimum tunnel count"`
	MinTunnelLen int     `long:"min-tunnel-len" default:"5" description:"Minimum tunnel length"`
	MaxPorts     int     `long:"max-ports" description:"Ordinary port count (0 derives from sector count)"`
	MaxPlanets   int     `long:"max-planets" description:"Planet count (0 derives from sector count)"`
	PortCredits  int64   `long:"port-credits" default:"50000" description:"Starting credits per port"`
	Seed         int64   `long:"seed" description:"Generation seed (0 selects a time-derived seed)"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdInitUniverse) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var ctx = context.Background()

	st, err := store.Open(cmd.Database)
	startupFatal(err, "opening database")
	defer st.Close()

	var p = universe.DefaultParams(cmd.NumSectors, cmd.Density)
	p.PDeadend = cmd.PDeadend
	p.POneway = cmd.POneway
	p.MinTunnels = cmd.MinTunnels
	p.MinTunnelLen = cmd.MinTunnelLen
	p.PortCredits = cmd.PortCredits
	if cmd.MaxPorts != 0 {
		p.MaxPorts = cmd.MaxPorts
	}
	if cmd.MaxPlanets != 0 {
		p.MaxPlanets = cmd.MaxPlanets
	}
	p.Seed = cmd.Seed
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}
	// Log the seed so any run can be reproduced exactly.
	log.WithFields(log.Fields{
		"sectors": p.NumSectors,
		"density": p.Density,
		"seed":    p.Seed,
	}).Info("generating universe")

	if err = universe.Generate(ctx, st, p); err != nil {
		return err
	}
	report, err := universe.Validate(ctx, st, p)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"sectors":      report.Sectors,
		"warps":        report.Warps,
		"fedExits":     report.FedExits,
		"tunnelChains": report.TunnelChains,
	}).Info("universe validated")
	return nil
}
