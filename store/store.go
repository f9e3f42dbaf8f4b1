// Package store defines the persistence interfaces and domain records shared
// by the API, engine and trigger supervisor. Two implementations exist:
// store/inmem for tests and development, and store/postgres backed by bun
// under the flowmaestro schema.
package store

import (
	"context"
	"time"

	"github.com/flowmaestro/flowmaestro/fault"
)

// ErrNotFound is the sentinel returned when a record does not exist or is not
// visible to the requesting user.
var ErrNotFound = fault.New(fault.KindNotFound, "record not found")

type (
	// Store aggregates the per-resource stores. Implementations back them
	// with a single connection pool so cross-store operations share
	// transactional context where it matters.
	Store interface {
		Workflows() WorkflowStore
		Versions() VersionStore
		Executions() ExecutionStore
		Triggers() TriggerStore
		Connections() ConnectionStore
		Variables() VariableStore
	}

	// ListOptions pages list queries. Zero Limit means the implementation
	// default.
	ListOptions struct {
		Offset int
		Limit  int
	}

	// WorkflowStore persists workflow rows. All reads are scoped to the
	// owning user; a row owned by someone else reads as not found.
	WorkflowStore interface {
		Create(ctx context.Context, w *Workflow) error
		Get(ctx context.Context, userID, id string) (*Workflow, error)
		List(ctx context.Context, userID string, opts ListOptions) ([]*Workflow, error)
		// Update persists name, description, definition, active flag and
		// version counter. The definition bytes replace the stored ones.
		Update(ctx context.Context, w *Workflow) error
		// SoftDelete marks the workflow deleted without removing history.
		SoftDelete(ctx context.Context, userID, id string) error
	}

	// VersionStore persists immutable definition snapshots. Definition bytes
	// never change after Create; only the label may be renamed.
	VersionStore interface {
		Create(ctx context.Context, v *Version) error
		Get(ctx context.Context, userID, id string) (*Version, error)
		// GetByNumber loads the snapshot a running execution pinned.
		GetByNumber(ctx context.Context, workflowID string, number int) (*Version, error)
		ListByWorkflow(ctx context.Context, userID, workflowID string, opts ListOptions) ([]*Version, error)
		Rename(ctx context.Context, userID, id, label string) error
		Delete(ctx context.Context, userID, id string) error
	}

	// ExecutionStore persists executions, their append-only logs and
	// per-node results. Log sequence numbers are assigned by the engine and
	// are unique per execution; re-appending an existing sequence is a
	// no-op so journal writes stay idempotent under replay.
	ExecutionStore interface {
		Create(ctx context.Context, e *Execution) error
		Get(ctx context.Context, userID, id string) (*Execution, error)
		List(ctx context.Context, userID string, f ExecutionFilter, opts ListOptions) ([]*Execution, error)
		// UpdateStatus records a state transition with its side fields.
		UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error

		AppendLog(ctx context.Context, l *ExecutionLog) error
		// ListLogs returns matching logs in sequence order. The limit bounds
		// matching rows, so filtered pages stay full.
		ListLogs(ctx context.Context, executionID string, f LogFilter, limit int) ([]*ExecutionLog, error)

		UpsertNodeResult(ctx context.Context, r *NodeResult) error
		ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error)
	}

	// ExecutionFilter narrows execution lists.
	ExecutionFilter struct {
		WorkflowID string
		Status     ExecutionStatus
	}

	// LogFilter narrows log listings. AfterSequence pages by the
	// engine-assigned sequence; Level and Node match exactly when set.
	LogFilter struct {
		AfterSequence int64
		Level         string
		Node          string
	}

	// StatusUpdate carries the fields of an execution state transition.
	StatusUpdate struct {
		Status      ExecutionStatus
		Outputs     map[string]any
		Error       string
		FailedNode  string
		StartedAt   *time.Time
		CompletedAt *time.Time
	}

	// TriggerStore persists trigger configs, their per-fire records and the
	// webhook request log.
	TriggerStore interface {
		Create(ctx context.Context, t *Trigger) error
		Get(ctx context.Context, userID, id string) (*Trigger, error)
		// GetForWebhook loads an active trigger by its webhook path identity
		// without user scoping; the HMAC check is the auth boundary.
		GetForWebhook(ctx context.Context, workflowID, triggerID string) (*Trigger, error)
		List(ctx context.Context, userID string, f TriggerFilter, opts ListOptions) ([]*Trigger, error)
		Update(ctx context.Context, t *Trigger) error
		SoftDelete(ctx context.Context, userID, id string) error
		// ListActive returns every non-deleted enabled trigger across users,
		// used by the supervisor to rebuild schedule state on boot.
		ListActive(ctx context.Context, kind TriggerKind) ([]*Trigger, error)

		// IncrementFireCount bumps the trigger counter by exactly one and
		// stamps last_triggered_at.
		IncrementFireCount(ctx context.Context, id string, at time.Time) error
		AppendTriggerExecution(ctx context.Context, te *TriggerExecution) error
		ListTriggerExecutions(ctx context.Context, triggerID string, opts ListOptions) ([]*TriggerExecution, error)

		AppendWebhookLog(ctx context.Context, wl *WebhookLog) error
		ListWebhookLogs(ctx context.Context, triggerID string, opts ListOptions) ([]*WebhookLog, error)
	}

	// TriggerFilter narrows trigger lists.
	TriggerFilter struct {
		WorkflowID string
		Kind       TriggerKind
	}

	// ConnectionStore persists database and integration connections. The
	// credential payloads are sealed with AES-GCM before they reach the
	// store; implementations never see plaintext.
	ConnectionStore interface {
		CreateDatabase(ctx context.Context, c *DatabaseConnection) error
		GetDatabase(ctx context.Context, userID, id string) (*DatabaseConnection, error)
		ListDatabases(ctx context.Context, userID string, opts ListOptions) ([]*DatabaseConnection, error)
		DeleteDatabase(ctx context.Context, userID, id string) error

		CreateIntegration(ctx context.Context, c *IntegrationConnection) error
		GetIntegration(ctx context.Context, userID, id string) (*IntegrationConnection, error)
		ListIntegrations(ctx context.Context, userID string, opts ListOptions) ([]*IntegrationConnection, error)
		DeleteIntegration(ctx context.Context, userID, id string) error
	}

	// VariableStore persists user-scoped global variables with
	// last-write-wins semantics keyed by name.
	VariableStore interface {
		Set(ctx context.Context, userID, key string, value any) error
		Get(ctx context.Context, userID, key string) (any, error)
		List(ctx context.Context, userID string) (map[string]any, error)
		Delete(ctx context.Context, userID, key string) error
	}
)
