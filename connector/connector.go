// Package connector defines the external-provider connector surface used by
// integration-operation nodes: operation discovery, execution with classified
// errors, and AES-GCM sealing for stored credentials.
package connector

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowmaestro/flowmaestro/fault"
)

type (
	// Operation describes one invocable operation of a connector.
	Operation struct {
		// ID is the operation identifier referenced by node configs.
		ID string `json:"id"`
		// Description is a human-readable summary.
		Description string `json:"description,omitempty"`
		// Schema is the JSON Schema for the operation parameters.
		Schema json.RawMessage `json:"schema,omitempty"`
		// Retryable marks operations safe to retry on transient failure.
		Retryable bool `json:"retryable"`
	}

	// Credentials is the decrypted credential payload for one connection.
	Credentials map[string]any

	// Connector executes operations against one external provider.
	// Execute errors must be classified with fault kinds so the engine can
	// apply retry policy.
	Connector interface {
		// Provider returns the provider identifier (e.g. "slack", "rest").
		Provider() string
		// ListOperations enumerates the operations the connector exposes.
		ListOperations() []Operation
		// Execute runs one operation with interpolated params and decrypted
		// credentials.
		Execute(ctx context.Context, operationID string, params map[string]any, creds Credentials) (any, error)
	}

	// Registry maps provider names to connectors.
	Registry struct {
		mu         sync.RWMutex
		connectors map[string]Connector
	}
)

// NewRegistry constructs an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector under its provider name, replacing any previous
// binding.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Provider()] = c
}

// Get returns the connector for a provider.
func (r *Registry) Get(provider string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[provider]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown integration provider %q", provider)
	}
	return c, nil
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// FindOperation looks an operation up by ID on a connector.
func FindOperation(c Connector, operationID string) (Operation, error) {
	for _, op := range c.ListOperations() {
		if op.ID == operationID {
			return op, nil
		}
	}
	return Operation{}, fault.Newf(fault.KindValidation, "provider %q has no operation %q", c.Provider(), operationID)
}
