package wire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_wire_sent_total",
	Help: "counter of frames successfully signed and written",
})

var recvCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_wire_recv_total",
	Help: "counter of frames successfully read and authenticated",
})

var authFailCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_wire_auth_fail_total",
	Help: "counter of frames rejected for missing or invalid signatures",
})

var tooLargeCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twclone_wire_too_large_total",
	Help: "counter of frames rejected for exceeding the size cap",
})

// CountTooLarge increments the oversize counter on behalf of callers that
// enforce the frame cap on other byte streams, like the newline client path.
func CountTooLarge() { tooLargeCounter.Inc() }
