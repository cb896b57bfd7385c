package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry maps dotted command types (e.g. "trade.buy") to compiled JSON
// Schemas describing the request's data sub-object. Validation at the edge is
// advisory: unknown types pass through to dispatch, which refuses them.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	sources map[string]json.RawMessage
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		sources: make(map[string]json.RawMessage),
	}
}

// Register compiles |src| and binds it to |cmdType|. Registration is additive
// and happens at startup; it is not an online mutation path.
func (r *Registry) Register(cmdType, src string) error {
	var compiler = jsonschema.NewCompiler()
	var url = "twclone://schema/" + cmdType
	if err := compiler.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
		return fmt.Errorf("adding schema for %q: %w", cmdType, err)
	}
	var schema, err = compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compiling schema for %q: %w", cmdType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[cmdType] = schema
	r.sources[cmdType] = json.RawMessage(src)
	return nil
}

// Validate checks |data| against the schema registered for |cmdType|.
// A nil return for an unregistered type is deliberate: dispatch decides
// whether the type itself is known.
func (r *Registry) Validate(cmdType string, data json.RawMessage) error {
	r.mu.RLock()
	var schema = r.schemas[cmdType]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("data is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("data violates schema for %q: %w", cmdType, err)
	}
	return nil
}

// Source returns the registered schema document for |cmdType|, or nil.
// It backs the schema.describe command.
func (r *Registry) Source(cmdType string) json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[cmdType]
}

// Types returns all registered command types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]string, 0, len(r.sources))
	for t := range r.sources {
		out = append(out, t)
	}
	return out
}
