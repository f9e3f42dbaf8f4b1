// Package exec defines the wire types exchanged between the durable engine,
// the workflow runtime and the API layer: workflow run payloads, activity
// payloads, signals and queries. All types are JSON-serializable so engine
// adapters can persist them in workflow histories.
package exec

// Signal and query names understood by execution workflows.
const (
	// SignalUserInput resumes an execution waiting on a user-input node.
	SignalUserInput = "user_input"
	// SignalCancel requests cooperative cancellation of an execution.
	SignalCancel = "cancel"
	// QueryDescribe returns the live DescribeState of an execution.
	QueryDescribe = "describe"
)

type (
	// RunInput starts one workflow execution. Definition is the pinned
	// version snapshot, not the mutable workflow document.
	RunInput struct {
		ExecutionID   string         `json:"execution_id"`
		WorkflowID    string         `json:"workflow_id"`
		UserID        string         `json:"user_id"`
		VersionNumber int            `json:"version_number"`
		Definition    []byte         `json:"definition"`
		Inputs        map[string]any `json:"inputs,omitempty"`
		TriggerKind   string         `json:"trigger_kind,omitempty"`
		TriggerID     string         `json:"trigger_id,omitempty"`
	}

	// RunOutput is the terminal result of one workflow execution.
	RunOutput struct {
		Status     string         `json:"status"`
		Outputs    map[string]any `json:"outputs,omitempty"`
		Error      string         `json:"error,omitempty"`
		FailedNode string         `json:"failed_node,omitempty"`
	}

	// NodeInput is one node activity invocation. Config is the raw template
	// from the definition; the activity interpolates it against Env.
	NodeInput struct {
		ExecutionID string         `json:"execution_id"`
		WorkflowID  string         `json:"workflow_id"`
		UserID      string         `json:"user_id"`
		Node        string         `json:"node"`
		Type        string         `json:"type"`
		Config      map[string]any `json:"config,omitempty"`
		Env         map[string]any `json:"env,omitempty"`
		Attempt     int            `json:"attempt"`
	}

	// NodeOutput carries the result of one node attempt. Failures travel
	// in-band so fault kinds survive the activity boundary; the workflow
	// decides retry and error policy from Kind and Retryable. Warnings lists
	// config references that resolved to nothing and were substituted empty;
	// the workflow journals them so the run record explains surprising blanks.
	NodeOutput struct {
		Output    any      `json:"output,omitempty"`
		Error     string   `json:"error,omitempty"`
		Kind      string   `json:"kind,omitempty"`
		Retryable bool     `json:"retryable,omitempty"`
		Warnings  []string `json:"warnings,omitempty"`
	}

	// RecordInput asks the record activity to persist execution progress:
	// a status transition, a journal entry, a node result, an event, or any
	// combination. Zero-valued sections are skipped.
	RecordInput struct {
		ExecutionID string `json:"execution_id"`
		WorkflowID  string `json:"workflow_id"`
		UserID      string `json:"user_id"`

		Status     string         `json:"status,omitempty"`
		Outputs    map[string]any `json:"outputs,omitempty"`
		Error      string         `json:"error,omitempty"`
		FailedNode string         `json:"failed_node,omitempty"`

		Log       *LogEntry   `json:"log,omitempty"`
		NodeState *NodeState  `json:"node_state,omitempty"`
		Event     *EventEntry `json:"event,omitempty"`
	}

	// LogEntry is one journal line appended idempotently by sequence.
	LogEntry struct {
		Sequence int64          `json:"sequence"`
		Level    string         `json:"level"`
		Node     string         `json:"node,omitempty"`
		Message  string         `json:"message"`
		Fields   map[string]any `json:"fields,omitempty"`
	}

	// NodeState records the outcome of one node attempt.
	NodeState struct {
		Node     string `json:"node"`
		Status   string `json:"status"`
		Output   any    `json:"output,omitempty"`
		Error    string `json:"error,omitempty"`
		Attempts int    `json:"attempts"`
	}

	// EventEntry is one real-time event to fan out to subscribers.
	EventEntry struct {
		Type    string         `json:"type"`
		Node    string         `json:"node,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// UserInputSignal resumes a waiting user-input node. Nonce orders
	// duplicate deliveries; the workflow keeps the highest nonce seen.
	UserInputSignal struct {
		Node   string         `json:"node"`
		Values map[string]any `json:"values,omitempty"`
		Nonce  int64          `json:"nonce"`
	}

	// CancelSignal requests cooperative cancellation.
	CancelSignal struct {
		Reason string `json:"reason,omitempty"`
		Nonce  int64  `json:"nonce"`
	}

	// DescribeState is the answer to the describe query.
	DescribeState struct {
		Status         string   `json:"status"`
		RunningNodes   []string `json:"running_nodes,omitempty"`
		CompletedNodes []string `json:"completed_nodes,omitempty"`
		WaitingNode    string   `json:"waiting_node,omitempty"`
	}
)
