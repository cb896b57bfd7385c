package envelope

import (
	"encoding/json"
	"fmt"
)

// The small fixed set of inter-process command payloads is checked by hand
// rather than through the schema registry.

// HealthCheck is the payload of "s2s.health.check".
type HealthCheck struct {
	Probe string `json:"probe"`
}

// BroadcastSweep is the payload of "s2s.broadcast.sweep": deliver pending
// system notices to connected players.
type BroadcastSweep struct {
	NoticeID int64 `json:"notice_id,omitempty"`
}

// CommandPush is the payload of "s2s.command.push": the engine asks the
// session server to execute a command on its behalf.
type CommandPush struct {
	CmdType string          `json:"cmd_type"`
	IdemKey string          `json:"idem_key"`
	Data    json.RawMessage `json:"data"`
}

// ValidateS2SPayload checks the payload shape of the named inter-process
// command type. Unknown types are an error here: the S2S surface is closed.
func ValidateS2SPayload(typ string, payload json.RawMessage) error {
	switch typ {
	case "s2s.health.check":
		var p HealthCheck
		return strictDecode(payload, &p)

	case "s2s.broadcast.sweep":
		var p BroadcastSweep
		return strictDecode(payload, &p)

	case "s2s.command.push":
		var p CommandPush
		if err := strictDecode(payload, &p); err != nil {
			return err
		} else if p.CmdType == "" {
			return fmt.Errorf("command push cmd_type is empty")
		} else if p.IdemKey == "" {
			return fmt.Errorf("command push idem_key is empty")
		}
		var probe map[string]json.RawMessage
		if len(p.Data) != 0 {
			if err := json.Unmarshal(p.Data, &probe); err != nil {
				return fmt.Errorf("command push data is not an object: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown s2s command type %q", typ)
	}
}

func strictDecode(raw json.RawMessage, into interface{}) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("payload is not an object: %w", err)
	}
	return json.Unmarshal(raw, into)
}
