// Package engine defines the durable execution abstractions behind workflow
// runs. It provides pluggable interfaces so the runtime can target Temporal,
// in-memory, or custom backends without modification.
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. WorkflowContext enforces this by
// providing Now() instead of time.Now() for workflow time, requiring
// activities for all I/O, and using replay-safe signal channels. Activities
// (node execution, journaling, event publication) are not deterministic and
// may perform arbitrary I/O; the engine records their inputs and outputs and
// replays them during recovery.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flowmaestro/flowmaestro/exec"
)

// RunStatus represents the lifecycle state of a workflow execution as seen by
// the engine.
type RunStatus string

const (
	// RunStatusPending indicates the workflow has been accepted but not started yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

// ErrWorkflowNotFound indicates that no workflow execution exists for the
// given identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

type (
	// Engine abstracts workflow registration and execution so adapters can
	// be swapped without touching runtime code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterNodeActivity registers the typed activity that executes one
		// workflow node outside the deterministic workflow thread.
		RegisterNodeActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *exec.NodeInput) (*exec.NodeOutput, error)) error

		// RegisterRecordActivity registers the typed activity that persists
		// execution progress (status, journal, node results, events).
		RegisterRecordActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *exec.RecordInput) error) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique for the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the current lifecycle status for a workflow
		// execution. The engine is the source of truth for workflow status.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// Signaler provides direct signaling by workflow ID without relying on
	// in-process handles, so signals survive process restarts.
	Signaler interface {
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// Canceler requests cancellation of a workflow by ID.
	Canceler interface {
		CancelByID(ctx context.Context, workflowID, runID string) error
	}

	// Querier runs a read-only query against a live workflow by ID and
	// decodes the answer into result.
	Querier interface {
		QueryByID(ctx context.Context, workflowID, runID, name string, result any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. Implementations must be
	// deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *exec.RunInput) (*exec.RunOutput, error)

	// WorkflowContext exposes engine operations to workflow handlers within
	// the deterministic execution environment of a workflow.
	//
	// Thread-safety: a WorkflowContext is bound to a single workflow
	// execution and must not be shared across goroutines. Lifecycle: valid
	// from workflow start until it completes or fails.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In deterministic
		// engines this is a replay-aware context.
		Context() context.Context

		// SetQueryHandler registers a read-only query handler. Handlers must
		// be deterministic and side-effect free.
		SetQueryHandler(name string, handler any) error

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteNodeActivity schedules a node activity and blocks until it
		// completes.
		ExecuteNodeActivity(ctx context.Context, call NodeActivityCall) (*exec.NodeOutput, error)

		// ExecuteNodeActivityAsync schedules a node activity and returns a
		// Future so workflows can run independent nodes concurrently.
		ExecuteNodeActivityAsync(ctx context.Context, call NodeActivityCall) (Future[*exec.NodeOutput], error)

		// Record schedules the record activity and waits for completion so
		// journal appends and status transitions land before the workflow
		// advances.
		Record(ctx context.Context, call RecordActivityCall) error

		// UserInputs returns a typed receiver for user-input signals.
		UserInputs() Receiver[exec.UserInputSignal]

		// Cancellations returns a typed receiver for cancel signals.
		Cancellations() Receiver[exec.CancelSignal]

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces a ready Future.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done.
		// Condition must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error

		// WithCancel returns a derived WorkflowContext whose cancellation can
		// be triggered independently of the parent workflow scope. Used to
		// cooperatively cancel in-flight activities during the grace window.
		WithCancel() (WorkflowContext, func())
	}

	// Future represents a pending activity result. Get may be called
	// multiple times and returns the same value or error each call.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the result.
		Get(ctx context.Context) (T, error)

		// IsReady returns true once Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued means the engine
		// default. The runtime manages node retries itself, so node
		// activities register with MaxAttempts 1.
		RetryPolicy RetryPolicy
		// Timeout bounds one activity execution. Zero means the engine
		// default.
		Timeout time.Duration
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// NodeActivityCall describes one invocation of the node activity from
	// inside workflow code.
	NodeActivityCall struct {
		// Name identifies the registered node activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *exec.NodeInput
		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// RecordActivityCall describes one invocation of the record activity.
	RecordActivityCall struct {
		// Name identifies the registered record activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *exec.RecordInput
		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		// The runtime uses the execution ID.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *exec.RunInput
		// RunTimeout bounds the total workflow execution time. Zero means
		// the engine default.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// RetryPolicy controls restarts of the start attempt, not activity
		// retries.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the result.
		Wait(ctx context.Context) (*exec.RunOutput, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}
)
