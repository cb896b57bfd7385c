package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

const (
	// DefaultFrameCap is the default per-frame payload ceiling.
	DefaultFrameCap = 64 * 1024
	// MinFrameCap is the smallest practical configurable cap.
	MinFrameCap = 4 * 1024
)

// WriteFrame writes a 4-byte big-endian length header followed by |payload|.
func WriteFrame(w io.Writer, payload []byte, frameCap int) error {
	if len(payload) == 0 || len(payload) > frameCap {
		return fmt.Errorf("%w: payload of %d bytes (cap %d)", ErrTooLarge, len(payload), frameCap)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return mapIOError(err)
	}
	if _, err := w.Write(payload); err != nil {
		return mapIOError(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A length outside (0, frameCap]
// is rejected before any payload byte is read or parsed.
func ReadFrame(r io.Reader, frameCap int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, mapIOError(err)
	}
	var length = binary.BigEndian.Uint32(header[:])
	if length == 0 || length > uint32(frameCap) {
		tooLargeCounter.Inc()
		return nil, fmt.Errorf("%w: header length %d (cap %d)", ErrTooLarge, length, frameCap)
	}
	var payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, mapIOError(err)
	}
	return payload, nil
}

func mapIOError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	if isClosed(err) {
		return fmt.Errorf("%w: %s", ErrClosed, err)
	}
	return fmt.Errorf("%w: %s", ErrIO, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
