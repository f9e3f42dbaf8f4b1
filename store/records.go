package store

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

// Execution lifecycle states. Terminal states are completed, failed and
// cancelled; terminal rows always carry a completed_at stamp.
const (
	StatusPending         ExecutionStatus = "pending"
	StatusRunning         ExecutionStatus = "running"
	StatusWaitingForInput ExecutionStatus = "waiting_for_input"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TriggerKind is the trigger mechanism.
type TriggerKind string

// Trigger kinds.
const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerEvent    TriggerKind = "event"
	TriggerManual   TriggerKind = "manual"
)

// Log levels for execution logs.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

type (
	// Workflow is the mutable workflow row. Definition holds the current
	// wire-format bytes; Version counts definition revisions and seeds
	// snapshot numbering.
	Workflow struct {
		bun.BaseModel `bun:"table:flowmaestro.workflows,alias:w"`

		ID          string          `bun:"id,pk" json:"id"`
		UserID      string          `bun:"user_id,notnull" json:"user_id"`
		Name        string          `bun:"name,notnull" json:"name"`
		Description string          `bun:"description" json:"description,omitempty"`
		Definition  json.RawMessage `bun:"definition,type:jsonb" json:"definition"`
		IsActive    bool            `bun:"is_active" json:"is_active"`
		Version     int             `bun:"version,notnull" json:"version"`
		CreatedAt   time.Time       `bun:"created_at,notnull" json:"created_at"`
		UpdatedAt   time.Time       `bun:"updated_at,notnull" json:"updated_at"`
		DeletedAt   *time.Time      `bun:"deleted_at,soft_delete" json:"-"`
	}

	// Version is an immutable definition snapshot.
	Version struct {
		bun.BaseModel `bun:"table:flowmaestro.workflow_versions,alias:wv"`

		ID         string          `bun:"id,pk" json:"id"`
		WorkflowID string          `bun:"workflow_id,notnull" json:"workflow_id"`
		UserID     string          `bun:"user_id,notnull" json:"user_id"`
		Number     int             `bun:"number,notnull" json:"number"`
		Label      string          `bun:"label" json:"label,omitempty"`
		Definition json.RawMessage `bun:"definition,type:jsonb" json:"definition"`
		CreatedAt  time.Time       `bun:"created_at,notnull" json:"created_at"`
	}

	// Execution is one run of a workflow. VersionNumber pins the snapshot
	// the run loaded its definition from.
	Execution struct {
		bun.BaseModel `bun:"table:flowmaestro.executions,alias:e"`

		ID            string          `bun:"id,pk" json:"id"`
		WorkflowID    string          `bun:"workflow_id,notnull" json:"workflow_id"`
		UserID        string          `bun:"user_id,notnull" json:"user_id"`
		VersionNumber int             `bun:"version_number,notnull" json:"version_number"`
		Status        ExecutionStatus `bun:"status,notnull" json:"status"`
		TriggerKind   TriggerKind     `bun:"trigger_kind" json:"trigger_kind,omitempty"`
		TriggerID     string          `bun:"trigger_id" json:"trigger_id,omitempty"`
		Inputs        map[string]any  `bun:"inputs,type:jsonb" json:"inputs,omitempty"`
		Outputs       map[string]any  `bun:"outputs,type:jsonb" json:"outputs,omitempty"`
		Error         string          `bun:"error" json:"error,omitempty"`
		FailedNode    string          `bun:"failed_node" json:"failed_node,omitempty"`
		CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
		StartedAt     *time.Time      `bun:"started_at" json:"started_at,omitempty"`
		CompletedAt   *time.Time      `bun:"completed_at" json:"completed_at,omitempty"`
	}

	// ExecutionLog is one append-only journal line. Sequence numbers are
	// assigned by the engine, strictly increasing per execution.
	ExecutionLog struct {
		bun.BaseModel `bun:"table:flowmaestro.execution_logs,alias:el"`

		ID          int64          `bun:"id,pk,autoincrement" json:"id"`
		ExecutionID string         `bun:"execution_id,notnull" json:"execution_id"`
		Sequence    int64          `bun:"sequence,notnull" json:"sequence"`
		Level       string         `bun:"level,notnull" json:"level"`
		Node        string         `bun:"node" json:"node,omitempty"`
		Message     string         `bun:"message,notnull" json:"message"`
		Data        map[string]any `bun:"data,type:jsonb" json:"data,omitempty"`
		CreatedAt   time.Time      `bun:"created_at,notnull" json:"created_at"`
	}

	// NodeResult is the latest outcome of one node within an execution.
	NodeResult struct {
		bun.BaseModel `bun:"table:flowmaestro.node_results,alias:nr"`

		ExecutionID string     `bun:"execution_id,pk" json:"execution_id"`
		Node        string     `bun:"node,pk" json:"node"`
		Status      string     `bun:"status,notnull" json:"status"`
		Output      any        `bun:"output,type:jsonb" json:"output,omitempty"`
		Error       string     `bun:"error" json:"error,omitempty"`
		Attempts    int        `bun:"attempts" json:"attempts"`
		StartedAt   time.Time  `bun:"started_at,notnull" json:"started_at"`
		CompletedAt *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
	}

	// Trigger is a persisted trigger configuration. Config is
	// kind-specific: cron expression and timezone for schedules, secret and
	// response format for webhooks, topic and filters for event triggers.
	Trigger struct {
		bun.BaseModel `bun:"table:flowmaestro.workflow_triggers,alias:t"`

		ID              string         `bun:"id,pk" json:"id"`
		WorkflowID      string         `bun:"workflow_id,notnull" json:"workflow_id"`
		UserID          string         `bun:"user_id,notnull" json:"user_id"`
		Kind            TriggerKind    `bun:"kind,notnull" json:"kind"`
		Name            string         `bun:"name" json:"name,omitempty"`
		Config          map[string]any `bun:"config,type:jsonb" json:"config"`
		IsActive        bool           `bun:"is_active" json:"is_active"`
		FireCount       int64          `bun:"fire_count" json:"fire_count"`
		LastTriggeredAt *time.Time     `bun:"last_triggered_at" json:"last_triggered_at,omitempty"`
		CreatedAt       time.Time      `bun:"created_at,notnull" json:"created_at"`
		UpdatedAt       time.Time      `bun:"updated_at,notnull" json:"updated_at"`
		DeletedAt       *time.Time     `bun:"deleted_at,soft_delete" json:"-"`
	}

	// TriggerExecution records one trigger fire and the execution it
	// produced, if any.
	TriggerExecution struct {
		bun.BaseModel `bun:"table:flowmaestro.trigger_executions,alias:te"`

		ID          string    `bun:"id,pk" json:"id"`
		TriggerID   string    `bun:"trigger_id,notnull" json:"trigger_id"`
		ExecutionID string    `bun:"execution_id" json:"execution_id,omitempty"`
		Status      string    `bun:"status,notnull" json:"status"`
		Error       string    `bun:"error" json:"error,omitempty"`
		CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
	}

	// WebhookLog records one inbound webhook request. Exactly one row is
	// written per request, success or failure.
	WebhookLog struct {
		bun.BaseModel `bun:"table:flowmaestro.webhook_logs,alias:wl"`

		ID             string            `bun:"id,pk" json:"id"`
		WorkflowID     string            `bun:"workflow_id,notnull" json:"workflow_id"`
		TriggerID      string            `bun:"trigger_id,notnull" json:"trigger_id"`
		Method         string            `bun:"method,notnull" json:"method"`
		Path           string            `bun:"path" json:"path,omitempty"`
		SourceIP       string            `bun:"source_ip" json:"source_ip,omitempty"`
		Headers        map[string]string `bun:"headers,type:jsonb" json:"headers,omitempty"`
		Query          map[string]string `bun:"query,type:jsonb" json:"query,omitempty"`
		Body           []byte            `bun:"body" json:"body,omitempty"`
		ResponseStatus int               `bun:"response_status,notnull" json:"response_status"`
		ResponseBody   []byte            `bun:"response_body" json:"response_body,omitempty"`
		ExecutionID    string            `bun:"execution_id" json:"execution_id,omitempty"`
		Error          string            `bun:"error" json:"error,omitempty"`
		Duration       time.Duration     `bun:"duration" json:"duration"`
		CreatedAt      time.Time         `bun:"created_at,notnull" json:"created_at"`
	}

	// DatabaseConnection references an external database usable by
	// database-query nodes. Sealed holds the AES-GCM encrypted DSN.
	DatabaseConnection struct {
		bun.BaseModel `bun:"table:flowmaestro.database_connections,alias:dc"`

		ID        string    `bun:"id,pk" json:"id"`
		UserID    string    `bun:"user_id,notnull" json:"user_id"`
		Name      string    `bun:"name,notnull" json:"name"`
		Driver    string    `bun:"driver,notnull" json:"driver"`
		Sealed    []byte    `bun:"sealed,notnull" json:"-"`
		CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
		UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
	}

	// IntegrationConnection references external-provider credentials usable
	// by integration-operation nodes. Sealed holds the AES-GCM encrypted
	// credential payload.
	IntegrationConnection struct {
		bun.BaseModel `bun:"table:flowmaestro.integration_connections,alias:ic"`

		ID        string    `bun:"id,pk" json:"id"`
		UserID    string    `bun:"user_id,notnull" json:"user_id"`
		Provider  string    `bun:"provider,notnull" json:"provider"`
		Name      string    `bun:"name,notnull" json:"name"`
		Sealed    []byte    `bun:"sealed,notnull" json:"-"`
		CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
		UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
	}

	// GlobalVariable is one user-scoped variable with global lifetime.
	GlobalVariable struct {
		bun.BaseModel `bun:"table:flowmaestro.global_variables,alias:gv"`

		UserID    string    `bun:"user_id,pk" json:"user_id"`
		Key       string    `bun:"key,pk" json:"key"`
		Value     any       `bun:"value,type:jsonb" json:"value"`
		UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
	}
)
