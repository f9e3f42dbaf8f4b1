package node

import (
	"context"
	"encoding/json"

	"github.com/flowmaestro/flowmaestro/fault"
)

type (
	// LoopExecutor is a marker type: the engine expands loop nodes into per
	// iteration dispatches of the body nodes and never invokes Execute.
	LoopExecutor struct{}

	// UserInputExecutor is a marker type: the engine suspends the execution
	// until a user_input signal arrives and never invokes Execute.
	UserInputExecutor struct{}

	// DelayExecutor is a marker type: the engine suspends the execution on
	// a durable timer and never invokes Execute.
	DelayExecutor struct{}
)

// NewLoop constructs the loop marker executor.
func NewLoop() *LoopExecutor { return &LoopExecutor{} }

// Metadata implements Executor.
func (e *LoopExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "loop",
		Description: "Iterate body nodes over a collection",
		Category:    "logic",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["items", "body"],
			"properties": {
				"items": {},
				"body": {"type": "object"},
				"parallel": {"type": "boolean"},
				"maxConcurrency": {"type": "integer", "minimum": 1}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *LoopExecutor) Execute(context.Context, Request) (any, error) {
	return nil, fault.New(fault.KindDeadlock, "loop nodes are expanded by the engine")
}

// NewUserInput constructs the user-input marker executor.
func NewUserInput() *UserInputExecutor { return &UserInputExecutor{} }

// Metadata implements Executor.
func (e *UserInputExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "user-input",
		Description: "Suspend until a user submits input",
		Category:    "human",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string"},
				"timeout": {"type": "integer", "minimum": 0}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *UserInputExecutor) Execute(context.Context, Request) (any, error) {
	return nil, fault.New(fault.KindDeadlock, "user-input nodes are suspended by the engine")
}

// NewDelay constructs the delay marker executor.
func NewDelay() *DelayExecutor { return &DelayExecutor{} }

// Metadata implements Executor.
func (e *DelayExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "delay",
		Description: "Pause the execution for a duration",
		Category:    "logic",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["duration"],
			"properties": {
				"duration": {"type": ["integer", "string"]}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *DelayExecutor) Execute(context.Context, Request) (any, error) {
	return nil, fault.New(fault.KindDeadlock, "delay nodes are suspended by the engine")
}
