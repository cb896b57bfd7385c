package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "twclone.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	serve, err := parser.Command.AddCommand("serve", "Serve a component of twclone", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(serve, "session", "Serve the session server", `
Serve the session server: the client listener, the inter-process listener,
and (unless disabled) a spawned engine child process. The server runs until
signaled to exit (via SIGTERM or SIGINT), or until a sysop issues a shutdown
command. On exit the engine child is quiesced through its shutdown pipe
before the server returns.
`, &cmdServeSession{})

	addCmd(serve, "engine", "Serve the game engine", `
Serve the game engine: the event consumer tick loop and the cron scan.
The engine is normally spawned by "serve session" with its shutdown pipe on
file descriptor 3, and quiesces when that pipe becomes readable.

Exit status is 0 after an ordered quiesce, 1 on a runtime failure, and 2 on
a configuration or database failure at startup.
`, &cmdServeEngine{})

	addCmd(parser, "init-universe", "Generate the initial universe", `
Create the database schema and generate the initial universe: sectors,
warps, tunnels, FedSpace exits, ports, planets, and NPC ships. Generation
is deterministic for a given seed. The database must not already contain
sectors.
`, &cmdInitUniverse{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
