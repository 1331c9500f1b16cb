package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry resolves tool descriptors by (tool_name, server_id) and validates
// arguments against each descriptor's compiled JSON Schema, grounded on the
// teacher's validatePayloadJSONAgainstSchema compile-then-validate pattern.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]entry
}

type entry struct {
	descriptor Descriptor
	schema     *jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]entry)}
}

func key(toolName, serverID string) string { return toolName + "@" + serverID }

// Register compiles descriptor's input schema (if any) and adds it to the
// registry, replacing any descriptor previously registered under the same
// (tool_name, server_id).
func (r *Registry) Register(descriptor Descriptor) error {
	var schema *jsonschema.Schema
	if len(descriptor.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(descriptor.InputSchema, &doc); err != nil {
			return fmt.Errorf("tool: unmarshal schema for %s: %w", descriptor.Name, err)
		}
		resourceID := fmt.Sprintf("%s.json", key(descriptor.Name, descriptor.ServerID))
		c := jsonschema.NewCompiler()
		if err := c.AddResource(resourceID, doc); err != nil {
			return fmt.Errorf("tool: add schema resource for %s: %w", descriptor.Name, err)
		}
		compiled, err := c.Compile(resourceID)
		if err != nil {
			return fmt.Errorf("tool: compile schema for %s: %w", descriptor.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key(descriptor.Name, descriptor.ServerID)] = entry{descriptor: descriptor, schema: schema}
	return nil
}

// Resolve returns the descriptor for (toolName, serverID).
func (r *Registry) Resolve(toolName, serverID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key(toolName, serverID)]
	return e.descriptor, ok
}

// Validate checks arguments against the descriptor's compiled schema. A
// descriptor with no schema always validates.
func (r *Registry) Validate(toolName, serverID string, arguments map[string]any) error {
	r.mu.RLock()
	e, ok := r.byKey[key(toolName, serverID)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool: no descriptor for %s@%s", toolName, serverID)
	}
	if e.schema == nil {
		return nil
	}
	return e.schema.Validate(toAnyMap(arguments))
}

func toAnyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
