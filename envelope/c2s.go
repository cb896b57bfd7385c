package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is a client-to-server command envelope, one JSON object per line.
type Request struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Meta json.RawMessage `json:"meta,omitempty"`

	// IdempotencyKey is lifted out of Meta during validation.
	IdempotencyKey string `json:"-"`
}

// Response statuses. Exactly one response is written per request, and it
// carries either Data or Error.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusRefused = "refused"
)

// RateLimitMeta mirrors the per-connection rate limiter state.
type RateLimitMeta struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
	Reset     int `json:"reset"`
}

// ResponseMeta is the meta block attached to every response.
type ResponseMeta struct {
	RateLimit RateLimitMeta `json:"rate_limit"`
}

// Response is the server-to-client reply envelope.
type Response struct {
	ID      string        `json:"id"`
	ReplyTo string        `json:"reply_to"`
	TS      string        `json:"ts"`
	Status  string        `json:"status"`
	Type    string        `json:"type"`
	Data    interface{}   `json:"data"`
	Error   *Error        `json:"error"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

// ValidateRequest applies the minimal C2S envelope contract and lifts the
// idempotency key, if present, out of meta.
func ValidateRequest(req *Request) error {
	if req.ID == "" {
		return fmt.Errorf("request id is empty")
	} else if req.Type == "" {
		return fmt.Errorf("request type is empty")
	} else if len(req.Data) == 0 {
		return fmt.Errorf("request data is missing")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(req.Data, &probe); err != nil {
		return fmt.Errorf("request data is not an object: %w", err)
	}
	if len(req.Meta) != 0 {
		var meta struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.Unmarshal(req.Meta, &meta); err != nil {
			return fmt.Errorf("request meta is not an object: %w", err)
		}
		req.IdempotencyKey = meta.IdempotencyKey
	}
	return nil
}

// OK builds an "ok" response for |req| with response type |typ|.
func OK(id string, req Request, typ string, data interface{}) Response {
	return Response{
		ID:      id,
		ReplyTo: req.ID,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Status:  StatusOK,
		Type:    typ,
		Data:    data,
	}
}

// Refused builds a "refused" response: the request was structurally or
// administratively rejected and may succeed if the client fixes it.
func Refused(id string, req Request, code int, reason string) Response {
	return Response{
		ID:      id,
		ReplyTo: req.ID,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Status:  StatusRefused,
		Type:    req.Type,
		Error:   &Error{Code: code, Message: reason},
	}
}

// Errored builds an "error" response: the command was understood but failed.
func Errored(id string, req Request, code int, message string) Response {
	return Response{
		ID:      id,
		ReplyTo: req.ID,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Status:  StatusError,
		Type:    req.Type,
		Error:   &Error{Code: code, Message: message},
	}
}
