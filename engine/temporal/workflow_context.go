package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/flowmaestro/flowmaestro/engine"
	"github.com/flowmaestro/flowmaestro/exec"
)

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *workflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *workflowContext) RunID() string {
	return w.runID
}

func (w *workflowContext) ExecuteNodeActivity(ctx context.Context, call engine.NodeActivityCall) (*exec.NodeOutput, error) {
	fut, err := w.ExecuteNodeActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *workflowContext) ExecuteNodeActivityAsync(_ context.Context, call engine.NodeActivityCall) (engine.Future[*exec.NodeOutput], error) {
	if call.Name == "" {
		return nil, errors.New("node activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("node activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &future[*exec.NodeOutput]{future: fut, ctx: actx}, nil
}

func (w *workflowContext) Record(_ context.Context, call engine.RecordActivityCall) error {
	if call.Name == "" {
		return errors.New("record activity name is required")
	}
	if call.Input == nil {
		return errors.New("record activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	return workflow.ExecuteActivity(actx, call.Name, call.Input).Get(actx, nil)
}

func (w *workflowContext) UserInputs() engine.Receiver[exec.UserInputSignal] {
	return &receiver[exec.UserInputSignal]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, exec.SignalUserInput),
	}
}

func (w *workflowContext) Cancellations() engine.Receiver[exec.CancelSignal] {
	return &receiver[exec.CancelSignal]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, exec.SignalCancel),
	}
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	return &timerFuture{ctx: w.ctx, future: workflow.NewTimer(w.ctx, d)}, nil
}

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *workflowContext) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := workflow.WithCancel(w.ctx)
	derived := &workflowContext{
		engine:     w.engine,
		ctx:        cctx,
		workflowID: w.workflowID,
		runID:      w.runID,
	}
	return derived, func() { cancel() }
}

func (w *workflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type future[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *future[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (f *future[T]) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	ctx    workflow.Context
	future workflow.Future
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type receiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *receiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *receiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
