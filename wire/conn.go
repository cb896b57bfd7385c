package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/twclone/twclone/keyring"
)

// Conn frames, signs, and authenticates JSON objects over a net.Conn.
// I/O is blocking with a per-call deadline.
type Conn struct {
	nc       net.Conn
	ring     *keyring.Ring
	frameCap int
	ioEach   time.Duration
}

// NewConn wraps |nc|. A zero |frameCap| selects DefaultFrameCap and caps
// below MinFrameCap are raised to it.
func NewConn(nc net.Conn, ring *keyring.Ring, frameCap int, ioTimeout time.Duration) *Conn {
	if frameCap == 0 {
		frameCap = DefaultFrameCap
	} else if frameCap < MinFrameCap {
		frameCap = MinFrameCap
	}
	if ioTimeout == 0 {
		ioTimeout = 30 * time.Second
	}
	return &Conn{nc: nc, ring: ring, frameCap: frameCap, ioEach: ioTimeout}
}

// Send serializes |obj|, injects key_id and sig under the default sender key,
// and writes one frame.
func (c *Conn) Send(obj interface{}) error {
	var key, ok = c.ring.DefaultSenderKey()
	if !ok {
		return fmt.Errorf("%w: no default sender key", ErrAuthRequired)
	}

	var bytes, err = json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadJSON, err)
	}
	var m map[string]interface{}
	if err = json.Unmarshal(bytes, &m); err != nil {
		return fmt.Errorf("%w: not an object: %s", ErrBadJSON, err)
	}
	if err = sign(m, key); err != nil {
		return err
	}
	if bytes, err = json.Marshal(m); err != nil {
		return fmt.Errorf("%w: %s", ErrBadJSON, err)
	}

	if err = c.nc.SetWriteDeadline(time.Now().Add(c.ioEach)); err != nil {
		return mapIOError(err)
	}
	if err = WriteFrame(c.nc, bytes, c.frameCap); err != nil {
		return err
	}
	sentCounter.Inc()
	return nil
}

// Recv reads one frame, parses it, and verifies its signature. The returned
// object retains key_id and sig; handlers ignore them.
func (c *Conn) Recv() (map[string]interface{}, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.ioEach)); err != nil {
		return nil, mapIOError(err)
	}
	var payload, err = ReadFrame(c.nc, c.frameCap)
	if err != nil {
		return nil, err
	}

	var obj map[string]interface{}
	if err = json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadJSON, err)
	}
	if err = verify(obj, c.ring); err != nil {
		authFailCounter.Inc()
		return nil, err
	}
	recvCounter.Inc()
	return obj, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr exposes the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
