// Package node defines the node executor surface and the built-in executors
// behind the workflow node types. Executors receive fully interpolated
// configuration and return a JSON-shaped output value; errors must carry
// fault kinds so the engine can apply retry and error policies.
package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowmaestro/flowmaestro/connector"
	"github.com/flowmaestro/flowmaestro/model"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/telemetry"
)

// DefaultTimeout bounds node execution when metadata does not override it.
const DefaultTimeout = 30 * time.Second

type (
	// Metadata describes an executor to the registry and the definition
	// validator.
	Metadata struct {
		// Type is the node type tag matched against workflow definitions.
		Type string `json:"type"`
		// Description is a human-readable summary.
		Description string `json:"description,omitempty"`
		// Category groups the node in the builder palette.
		Category string `json:"category,omitempty"`
		// InputSchema is the JSON Schema for the node config. Definitions
		// are validated against it at save and snapshot time.
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
		// OutputSchema documents the output shape.
		OutputSchema json.RawMessage `json:"output_schema,omitempty"`
		// Retryable marks node failures as safe to retry by default.
		Retryable bool `json:"retryable"`
		// Timeout bounds one execution attempt. Zero means DefaultTimeout.
		Timeout time.Duration `json:"-"`
	}

	// Services exposes platform facilities to executors. Fields an executor
	// does not need may be nil; executors must fail with a classified error
	// when a required service is missing.
	Services struct {
		Logger     telemetry.Logger
		Store      store.Store
		Models     *model.Registry
		Connectors *connector.Registry
		Sealer     *connector.Sealer
		HTTPClient *http.Client
	}

	// Request is one node invocation. Config is already interpolated; Env
	// is the flattened variable scope for executors that evaluate
	// expressions (conditional, transform).
	Request struct {
		ExecutionID string
		WorkflowID  string
		UserID      string
		NodeName    string
		Config      map[string]any
		Env         map[string]any
	}

	// Executor runs one node type.
	Executor interface {
		Metadata() Metadata
		Execute(ctx context.Context, req Request) (any, error)
	}
)

// TimeoutOf returns the effective attempt timeout for an executor.
func TimeoutOf(e Executor) time.Duration {
	if t := e.Metadata().Timeout; t > 0 {
		return t
	}
	return DefaultTimeout
}
