package node

import (
	"context"
	"encoding/json"

	"github.com/flowmaestro/flowmaestro/connector"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
)

// IntegrationExecutor invokes an operation of an external-provider connector
// using credentials referenced by connection id. Credentials are unsealed on
// demand and never appear in node outputs or logs.
type IntegrationExecutor struct {
	connectors *connector.Registry
	store      store.Store
	sealer     *connector.Sealer
}

// NewIntegration constructs the integration-operation executor.
func NewIntegration(connectors *connector.Registry, st store.Store, sealer *connector.Sealer) *IntegrationExecutor {
	return &IntegrationExecutor{connectors: connectors, store: st, sealer: sealer}
}

// Metadata implements Executor.
func (e *IntegrationExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "integration-operation",
		Description: "Invoke an operation of an external provider connector",
		Category:    "integration",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["connection_id", "operation"],
			"properties": {
				"connection_id": {"type": "string", "minLength": 1},
				"operation": {"type": "string", "minLength": 1},
				"params": {"type": "object"}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *IntegrationExecutor) Execute(ctx context.Context, req Request) (any, error) {
	if e.connectors == nil || e.store == nil || e.sealer == nil {
		return nil, fault.New(fault.KindServer, "integrations are not configured")
	}
	connID, _ := req.Config["connection_id"].(string)
	operation, _ := req.Config["operation"].(string)
	if connID == "" || operation == "" {
		return nil, fault.New(fault.KindValidation, "integration node requires connection_id and operation")
	}
	conn, err := e.store.Connections().GetIntegration(ctx, req.UserID, connID)
	if err != nil {
		return nil, err
	}
	connectorImpl, err := e.connectors.Get(conn.Provider)
	if err != nil {
		return nil, err
	}
	if _, err := connector.FindOperation(connectorImpl, operation); err != nil {
		return nil, err
	}
	creds, err := e.sealer.Open(conn.Sealed)
	if err != nil {
		return nil, err
	}
	params, _ := req.Config["params"].(map[string]any)
	return connectorImpl.Execute(ctx, operation, params, creds)
}
