package node

import (
	"context"
	"encoding/json"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
)

// Variable scopes. Workflow-scoped writes live in the execution's variables
// frame and are invisible to other executions; global writes persist per user
// with last-write-wins; temporary values do not outlive the owning node.
const (
	ScopeWorkflow  = "workflow"
	ScopeGlobal    = "global"
	ScopeTemporary = "temporary"
)

// VariableExecutor sets or reads variables. Global scope is backed by the
// store; workflow scope is applied to the execution's variable frame by the
// engine from the node output.
type VariableExecutor struct {
	store store.Store
}

// NewVariable constructs the variable executor.
func NewVariable(st store.Store) *VariableExecutor {
	return &VariableExecutor{store: st}
}

// Metadata implements Executor.
func (e *VariableExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "variable",
		Description: "Set or read a variable in the workflow, global or temporary scope",
		Category:    "data",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["name"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"value": {},
				"scope": {"enum": ["workflow", "global", "temporary"]},
				"operation": {"enum": ["set", "get"]}
			}
		}`),
	}
}

// Execute implements Executor. The output carries the scope directive so the
// engine can apply workflow-scope writes to its variable frame.
func (e *VariableExecutor) Execute(ctx context.Context, req Request) (any, error) {
	name, _ := req.Config["name"].(string)
	if name == "" {
		return nil, fault.New(fault.KindValidation, "variable node requires a name")
	}
	scope, _ := req.Config["scope"].(string)
	if scope == "" {
		scope = ScopeWorkflow
	}
	switch scope {
	case ScopeWorkflow, ScopeGlobal, ScopeTemporary:
	default:
		return nil, fault.Newf(fault.KindValidation, "unknown variable scope %q", scope)
	}
	operation, _ := req.Config["operation"].(string)
	if operation == "" {
		operation = "set"
	}

	if operation == "get" {
		if scope == ScopeGlobal {
			if e.store == nil {
				return nil, fault.New(fault.KindServer, "global variables are not configured")
			}
			value, err := e.store.Variables().Get(ctx, req.UserID, name)
			if err != nil {
				return nil, err
			}
			return map[string]any{"name": name, "scope": scope, "value": value}, nil
		}
		return map[string]any{"name": name, "scope": scope, "value": req.Env[name]}, nil
	}

	value := req.Config["value"]
	if scope == ScopeGlobal {
		if e.store == nil {
			return nil, fault.New(fault.KindServer, "global variables are not configured")
		}
		if err := e.store.Variables().Set(ctx, req.UserID, name, value); err != nil {
			return nil, err
		}
	}
	return map[string]any{"name": name, "scope": scope, "value": value}, nil
}
