package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twclone/twclone/keyring"
)

func testRing(t *testing.T, id string, secret []byte) *keyring.Ring {
	var ring = keyring.NewRing()
	require.NoError(t, ring.Install(keyring.Key{ID: id, Secret: secret}))
	return ring
}

func connPair(t *testing.T, a, b *keyring.Ring, frameCap int) (*Conn, *Conn) {
	var p1, p2 = net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	return NewConn(p1, a, frameCap, time.Second), NewConn(p2, b, frameCap, time.Second)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"a":1}`), DefaultFrameCap))

	var out, err = ReadFrame(&buf, DefaultFrameCap)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), out)
}

func TestFrameCapRejectedBeforeParse(t *testing.T) {
	var before = testutil.ToFloat64(tooLargeCounter)

	// A header declaring a frame beyond the cap is rejected without
	// reading or parsing the payload.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(MinFrameCap+1))
	var _, err = ReadFrame(bytes.NewReader(header[:]), MinFrameCap)
	require.ErrorIs(t, err, ErrTooLarge)

	require.Equal(t, before+1, testutil.ToFloat64(tooLargeCounter))

	// Oversized writes are refused locally as well.
	var big = make([]byte, MinFrameCap+1)
	require.ErrorIs(t, WriteFrame(&bytes.Buffer{}, big, MinFrameCap), ErrTooLarge)
}

func TestHMACRoundTrip(t *testing.T) {
	var ring = testRing(t, "k", []byte("shared-secret"))
	var tx, rx = connPair(t, ring, ring, 0)

	var recvErr = make(chan error, 1)
	var got map[string]interface{}
	go func() {
		var err error
		got, err = rx.Recv()
		recvErr <- err
	}()

	require.NoError(t, tx.Send(map[string]interface{}{"type": "s2s.health.check", "seq": 7}))
	require.NoError(t, <-recvErr)

	require.Equal(t, "s2s.health.check", got["type"])
	require.Equal(t, "k", got["key_id"])
	require.NotEmpty(t, got["sig"])
}

func TestHMACKeyMismatch(t *testing.T) {
	var before = testutil.ToFloat64(authFailCounter)

	var txRing = testRing(t, "k", []byte("sender-secret"))
	var rxRing = testRing(t, "k", []byte("different-secret"))
	var tx, rx = connPair(t, txRing, rxRing, 0)

	var recvErr = make(chan error, 1)
	go func() {
		var _, err = rx.Recv()
		recvErr <- err
	}()

	require.NoError(t, tx.Send(map[string]interface{}{"type": "s2s.health.check"}))
	require.ErrorIs(t, <-recvErr, ErrAuthBad)
	require.Equal(t, before+1, testutil.ToFloat64(authFailCounter))
}

func TestUnsignedFrameRequiresAuth(t *testing.T) {
	var ring = testRing(t, "k", []byte("secret"))
	var p1, p2 = net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	var rx = NewConn(p2, ring, 0, time.Second)

	var recvErr = make(chan error, 1)
	go func() {
		var _, err = rx.Recv()
		recvErr <- err
	}()
	require.NoError(t, WriteFrame(p1, []byte(`{"type":"x"}`), DefaultFrameCap))
	require.ErrorIs(t, <-recvErr, ErrAuthRequired)
}

func TestRecvTimeout(t *testing.T) {
	var ring = testRing(t, "k", []byte("secret"))
	var p1, p2 = net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })

	var rx = NewConn(p2, ring, 0, 20*time.Millisecond)
	var _, err = rx.Recv()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDialRespectsDeadline(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	// Nothing listens here; Dial must back off and then give up at the deadline.
	var start = time.Now()
	var _, err = Dial(ctx, "127.0.0.1:1")
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDialSucceedsAfterBackoff(t *testing.T) {
	var l, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		var nc, err = l.Accept()
		if err == nil {
			nc.Close()
		}
	}()

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nc, err := Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	nc.Close()
}

func TestErrorMapping(t *testing.T) {
	require.True(t, errors.Is(mapIOError(context.DeadlineExceeded), ErrTimeout))
	var _, err = ReadFrame(bytes.NewReader(nil), DefaultFrameCap)
	require.ErrorIs(t, err, ErrClosed)
}
