package server

import "fmt"

// Command schemas describe each request's data sub-object. Registration is
// additive at startup; adding a command means adding an entry here.
var commandSchemas = map[string]string{
	"auth.register": `{
		"type": "object",
		"required": ["username", "passwd"],
		"properties": {
			"username": {"type": "string", "minLength": 1, "maxLength": 32},
			"passwd":   {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`,
	"auth.login": `{
		"type": "object",
		"required": ["username", "passwd"],
		"properties": {
			"username": {"type": "string", "minLength": 1},
			"passwd":   {"type": "string", "minLength": 1}
		}
	}`,
	"auth.resume": `{
		"type": "object",
		"required": ["token"],
		"properties": {"token": {"type": "string", "minLength": 1}}
	}`,
	"auth.logout": `{"type": "object"}`,
	"session.ping": `{"type": "object"}`,
	"schema.describe": `{
		"type": "object",
		"properties": {"type": {"type": "string"}}
	}`,
	"bulk.execute": `{
		"type": "object",
		"required": ["requests"],
		"properties": {
			"requests": {"type": "array", "minItems": 1, "maxItems": 32}
		}
	}`,
	"move.warp": `{
		"type": "object",
		"required": ["to"],
		"properties": {"to": {"type": "integer", "minimum": 1}}
	}`,
	"sector.info": `{
		"type": "object",
		"properties": {"sector_id": {"type": "integer", "minimum": 1}}
	}`,
	"sysop.peer.upsert": `{
		"type": "object",
		"required": ["peer_id", "host", "port"],
		"properties": {
			"peer_id":       {"type": "string", "minLength": 1},
			"host":          {"type": "string", "minLength": 1},
			"port":          {"type": "integer", "minimum": 1, "maximum": 65535},
			"enabled":       {"type": "boolean"},
			"shared_key_id": {"type": "string"},
			"notes":         {"type": "string"}
		}
	}`,
	"sysop.peer.enable": `{
		"type": "object",
		"required": ["peer_id", "enabled"],
		"properties": {
			"peer_id": {"type": "string", "minLength": 1},
			"enabled": {"type": "boolean"}
		}
	}`,
	"sysop.notice.publish": `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text":       {"type": "string", "minLength": 1, "maxLength": 1024},
			"expires_at": {"type": "integer"}
		}
	}`,
	"sysop.shutdown": `{"type": "object"}`,
}

func (s *Server) registerSchemas() error {
	for cmdType, src := range commandSchemas {
		if err := s.schemas.Register(cmdType, src); err != nil {
			return fmt.Errorf("registering schema %q: %w", cmdType, err)
		}
	}
	return nil
}
