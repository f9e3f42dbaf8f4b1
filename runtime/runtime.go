// Package runtime orchestrates workflow executions on the durable engine. It
// registers the execution workflow and its activities, starts executions
// against pinned definition snapshots, and relays signals and queries from
// the API layer to running workflows.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowmaestro/flowmaestro/engine"
	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/exec"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/telemetry"
	"github.com/flowmaestro/flowmaestro/workflow"
)

// Workflow and activity names registered with the engine.
const (
	WorkflowExecution   = "FlowExecution"
	ActivityExecuteNode = "execute_node"
	ActivityRecord      = "record"
)

// DefaultTaskQueue is used when no queue is configured.
const DefaultTaskQueue = "flowmaestro"

const (
	// defaultMaxAttempts is the retry budget per node: a retryable failure is
	// retried up to this many times, so a node runs at most budget+1 times.
	defaultMaxAttempts  = 3
	defaultBackoffBase  = time.Second
	defaultGraceWindow  = 5 * time.Second
	nodeActivityTimeout = 2 * time.Minute
	recordTimeout       = 30 * time.Second
)

type (
	// Runtime wires the durable engine, the store, the node registry and the
	// event bus into a workflow execution service.
	Runtime struct {
		eng     engine.Engine
		store   store.Store
		nodes   *node.Registry
		bus     events.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics

		taskQueue     string
		maxAttempts   int
		backoffBase   time.Duration
		graceWindow   time.Duration
		maxConcurrent int
	}

	// Option configures a Runtime.
	Option func(*Runtime)

	// StartRequest describes one execution start.
	StartRequest struct {
		WorkflowID  string
		UserID      string
		Inputs      map[string]any
		TriggerKind string
		TriggerID   string
	}

	// Description combines the persisted execution row with the live state
	// reported by the workflow, when it is still reachable.
	Description struct {
		Execution *store.Execution    `json:"execution"`
		Live      *exec.DescribeState `json:"live,omitempty"`
	}
)

// WithLogger sets the runtime logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithMetrics sets the runtime metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithEventBus sets the bus execution events are published on.
func WithEventBus(b events.Bus) Option {
	return func(r *Runtime) { r.bus = b }
}

// WithTaskQueue overrides the default engine task queue.
func WithTaskQueue(q string) Option {
	return func(r *Runtime) { r.taskQueue = q }
}

// WithMaxConcurrentNodes caps parallel node dispatch when a definition does
// not set its own limit. Zero means unbounded.
func WithMaxConcurrentNodes(n int) Option {
	return func(r *Runtime) { r.maxConcurrent = n }
}

// WithGraceWindow sets how long cancellation waits for in-flight nodes
// before abandoning them.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Runtime) { r.graceWindow = d }
}

// WithRetryBackoff sets the base delay before the first node retry. Later
// attempts double it, plus deterministic jitter.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Runtime) { r.backoffBase = d }
}

// WithMaxAttempts sets the retry budget for retryable node failures. A node
// runs at most n+1 times before its error policy applies.
func WithMaxAttempts(n int) Option {
	return func(r *Runtime) { r.maxAttempts = n }
}

// New constructs a Runtime. Register must be called before starting
// executions.
func New(eng engine.Engine, st store.Store, nodes *node.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		eng:         eng,
		store:       st,
		nodes:       nodes,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		taskQueue:   DefaultTaskQueue,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		graceWindow: defaultGraceWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register registers the execution workflow and its activities with the
// engine. Node activities disable engine-level retries: the workflow manages
// attempts itself so error policies see every failure.
func (r *Runtime) Register(ctx context.Context) error {
	if err := r.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowExecution,
		TaskQueue: r.taskQueue,
		Handler:   r.executionWorkflow,
	}); err != nil {
		return err
	}
	if err := r.eng.RegisterNodeActivity(ctx, ActivityExecuteNode, engine.ActivityOptions{
		Timeout:     nodeActivityTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, r.executeNode); err != nil {
		return err
	}
	return r.eng.RegisterRecordActivity(ctx, ActivityRecord, engine.ActivityOptions{
		Timeout:     recordTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2},
	}, r.record)
}

// Start creates an execution pinned to the workflow's current version and
// launches it on the engine.
func (r *Runtime) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	wf, err := r.store.Workflows().Get(ctx, req.UserID, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	// run against the immutable snapshot, not the mutable workflow row, so a
	// concurrent definition update cannot leak into an already started run
	ver, err := r.store.Versions().GetByNumber(ctx, wf.ID, wf.Version)
	if err != nil {
		return nil, err
	}
	def, err := workflow.Decode(ver.Definition)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "workflow definition is invalid")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ex := &store.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		UserID:        req.UserID,
		VersionNumber: ver.Number,
		Status:        store.StatusPending,
		Inputs:        req.Inputs,
		TriggerKind:   store.TriggerKind(req.TriggerKind),
		TriggerID:     req.TriggerID,
	}
	if err := r.store.Executions().Create(ctx, ex); err != nil {
		return nil, err
	}

	_, err = r.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        ex.ID,
		Workflow:  WorkflowExecution,
		TaskQueue: r.taskQueue,
		Input: &exec.RunInput{
			ExecutionID:   ex.ID,
			WorkflowID:    wf.ID,
			UserID:        req.UserID,
			VersionNumber: ver.Number,
			Definition:    ver.Definition,
			Inputs:        req.Inputs,
			TriggerKind:   req.TriggerKind,
			TriggerID:     req.TriggerID,
		},
	})
	if err != nil {
		now := time.Now()
		_ = r.store.Executions().UpdateStatus(ctx, ex.ID, store.StatusUpdate{
			Status:      store.StatusFailed,
			Error:       "engine start failed: " + err.Error(),
			CompletedAt: &now,
		})
		return nil, fault.Wrap(fault.KindServer, err, "start execution")
	}
	r.metrics.IncCounter("executions_started_total", 1, "trigger_kind", req.TriggerKind)
	return ex, nil
}

// SubmitUserInput delivers a user-input signal to a waiting execution.
func (r *Runtime) SubmitUserInput(ctx context.Context, userID, executionID, nodeName string, values map[string]any) error {
	ex, err := r.store.Executions().Get(ctx, userID, executionID)
	if err != nil {
		return err
	}
	if ex.Status != store.StatusWaitingForInput {
		return fault.Newf(fault.KindConflict, "execution %s is %s, not waiting for input", executionID, ex.Status)
	}
	sig, ok := r.eng.(engine.Signaler)
	if !ok {
		return fault.New(fault.KindServer, "engine does not support signaling")
	}
	return sig.SignalByID(ctx, executionID, "", exec.SignalUserInput, exec.UserInputSignal{
		Node:   nodeName,
		Values: values,
		Nonce:  time.Now().UnixNano(),
	})
}

// Cancel requests cooperative cancellation of a running execution.
func (r *Runtime) Cancel(ctx context.Context, userID, executionID, reason string) error {
	ex, err := r.store.Executions().Get(ctx, userID, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return fault.Newf(fault.KindConflict, "execution %s already %s", executionID, ex.Status)
	}
	sig, ok := r.eng.(engine.Signaler)
	if !ok {
		return fault.New(fault.KindServer, "engine does not support signaling")
	}
	return sig.SignalByID(ctx, executionID, "", exec.SignalCancel, exec.CancelSignal{
		Reason: reason,
		Nonce:  time.Now().UnixNano(),
	})
}

// Describe returns the persisted execution row plus, best effort, the live
// workflow state for non-terminal executions.
func (r *Runtime) Describe(ctx context.Context, userID, executionID string) (*Description, error) {
	ex, err := r.store.Executions().Get(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	desc := &Description{Execution: ex}
	if ex.Status.Terminal() {
		return desc, nil
	}
	if q, ok := r.eng.(engine.Querier); ok {
		var live exec.DescribeState
		if err := q.QueryByID(ctx, executionID, "", exec.QueryDescribe, &live); err == nil {
			desc.Live = &live
		}
	}
	return desc, nil
}
