// Package envelope defines the JSON envelopes exchanged on the client and
// inter-process wire paths, the per-command schema registry, and the closed
// error-code table shared by both.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// S2S is an inter-process envelope. Authentication fields KeyID and Sig are
// attached and verified by the wire layer only; dispatch code never reads them.
type S2S struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Src     string          `json:"src"`
	Dst     string          `json:"dst"`
	Payload json.RawMessage `json:"payload"`
	AckOf   string          `json:"ack_of,omitempty"`
	Err     *Error          `json:"error,omitempty"`

	KeyID string `json:"key_id,omitempty"`
	Sig   string `json:"sig,omitempty"`
}

// Error is the error object carried by error envelopes and C2S responses.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("code %d: %s", e.Code, e.Message) }

// NewS2S builds an envelope with a fresh UUID v4 id and the current UTC time.
func NewS2S(src, dst, typ string, payload interface{}) (S2S, error) {
	var raw, err = json.Marshal(payload)
	if err != nil {
		return S2S{}, fmt.Errorf("marshaling payload: %w", err)
	}
	return S2S{
		V:       1,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC().Unix(),
		Src:     src,
		Dst:     dst,
		Payload: raw,
	}, nil
}

// Ack builds a reply envelope acknowledging |of|.
func Ack(of S2S, src string, payload interface{}) (S2S, error) {
	var env, err = NewS2S(src, of.Src, "s2s.ack", payload)
	if err != nil {
		return S2S{}, err
	}
	env.AckOf = of.ID
	return env, nil
}

// ErrorReply builds an error envelope acknowledging |of|.
func ErrorReply(of S2S, src string, code int, message string) S2S {
	return S2S{
		V:       1,
		Type:    "s2s.error",
		ID:      uuid.NewString(),
		TS:      time.Now().UTC().Unix(),
		Src:     src,
		Dst:     of.Src,
		Payload: json.RawMessage(`{}`),
		AckOf:   of.ID,
		Err:     &Error{Code: code, Message: message},
	}
}

// Validate applies the minimal S2S envelope contract.
func (e S2S) Validate() error {
	if e.V != 1 {
		return fmt.Errorf("unsupported envelope version %d", e.V)
	} else if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	} else if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	} else if e.TS <= 0 {
		return fmt.Errorf("envelope ts %d is not positive", e.TS)
	} else if e.Src == "" {
		return fmt.Errorf("envelope src is empty")
	} else if e.Dst == "" {
		return fmt.Errorf("envelope dst is empty")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return fmt.Errorf("envelope payload is not an object: %w", err)
	}
	return nil
}

// DecodeS2S decodes a wire object (as returned by wire.Conn.Recv) into an S2S
// envelope and validates it.
func DecodeS2S(obj map[string]interface{}) (S2S, error) {
	var bytes, err = json.Marshal(obj)
	if err != nil {
		return S2S{}, fmt.Errorf("re-marshaling wire object: %w", err)
	}
	var env S2S
	if err = json.Unmarshal(bytes, &env); err != nil {
		return S2S{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, env.Validate()
}
