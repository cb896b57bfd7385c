package wire

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	backoffFloor = 100 * time.Millisecond
	backoffCeil  = 5 * time.Second
)

// Dial connects to |addr| with bounded exponential backoff, doubling from a
// 100ms floor to a 5s ceiling, until the context deadline elapses.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	var backoff = backoffFloor

	for {
		var nc, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return nc, nil
		}
		log.WithFields(log.Fields{"addr": addr, "backoff": backoff, "err": err}).
			Debug("dial failed; backing off")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dialing %s: %s", ErrTimeout, addr, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffCeil {
			backoff = backoffCeil
		}
	}
}
