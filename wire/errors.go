// Package wire carries JSON objects over a byte stream as length-prefixed,
// HMAC-authenticated frames. It owns framing, size caps, signing, and the
// bounded-backoff connect contract; envelope semantics live one layer up.
package wire

import "errors"

// The transport error taxonomy. Callers distinguish these with errors.Is.
var (
	ErrTimeout      = errors.New("wire: i/o deadline exceeded")
	ErrClosed       = errors.New("wire: connection closed")
	ErrIO           = errors.New("wire: i/o failure")
	ErrTooLarge     = errors.New("wire: frame exceeds size cap")
	ErrBadJSON      = errors.New("wire: frame is not a JSON object")
	ErrAuthRequired = errors.New("wire: frame carries no signature")
	ErrAuthBad      = errors.New("wire: frame signature verification failed")
)
