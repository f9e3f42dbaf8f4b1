// Package events defines the execution event model and the fan-out machinery
// that carries node and execution lifecycle changes to in-process subscribers,
// WebSocket clients and the Redis stream sink.
package events

import "time"

// Type identifies an execution event kind.
type Type string

// Execution lifecycle event types.
const (
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
	ExecutionCancelled Type = "execution.cancelled"
	ExecutionWaiting   Type = "execution.waiting_for_input"
	NodeStarted        Type = "node.started"
	NodeCompleted      Type = "node.completed"
	NodeFailed         Type = "node.failed"
	LogAppended        Type = "log.appended"
)

// Event is one execution lifecycle change. Node-scoped events carry the node
// name; execution-scoped events leave it empty.
type Event struct {
	// Type is the event kind.
	Type Type `json:"type"`
	// ExecutionID identifies the execution the event belongs to.
	ExecutionID string `json:"execution_id"`
	// WorkflowID identifies the workflow being executed.
	WorkflowID string `json:"workflow_id"`
	// UserID is the owner of the workflow; the hub filters on it.
	UserID string `json:"user_id,omitempty"`
	// Node is the node name for node-scoped events.
	Node string `json:"node,omitempty"`
	// Timestamp is when the event was produced (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Payload carries event-specific data: node outputs, failure details,
	// log entries.
	Payload map[string]any `json:"payload,omitempty"`
}
