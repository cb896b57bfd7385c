package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_requests_total",
	Help: "counter of client requests entering the pipeline",
})

var responseCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_responses_total",
	Help: "counter of responses written to client sockets",
})

var idemReplayCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_idem_replays_total",
	Help: "counter of responses replayed from the idempotency cache",
})

var panicCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_handler_panics_total",
	Help: "counter of handler panics trapped by the pipeline",
})

var broadcastCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_broadcasts_total",
	Help: "counter of broadcast sweeps over the connection set",
})

var s2sReplayCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_server_s2s_replays_total",
	Help: "counter of inter-process envelopes dropped for nonce replay",
})
