// Package inmem provides an in-memory implementation of the workflow engine
// for development and tests. Workflows run in their own goroutine with no
// durability or replay; signals, cancellation and queries work in-process so
// runtime behavior can be exercised without a Temporal server.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowmaestro/flowmaestro/engine"
	"github.com/flowmaestro/flowmaestro/exec"
)

const signalBuffer = 16

type (
	eng struct {
		mu sync.RWMutex

		workflows        map[string]engine.WorkflowDefinition
		nodeActivities   map[string]nodeActivityDef
		recordActivities map[string]recordActivityDef

		statuses map[string]engine.RunStatus
		handles  map[string]*handle
	}

	nodeActivityDef struct {
		handler func(context.Context, *exec.NodeInput) (*exec.NodeOutput, error)
		opts    engine.ActivityOptions
	}

	recordActivityDef struct {
		handler func(context.Context, *exec.RecordInput) error
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *exec.RunOutput
		wfCtx  *wfCtx
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng

		userInputCh chan exec.UserInputSignal
		cancelCh    chan exec.CancelSignal

		queryMu       *sync.RWMutex
		queryHandlers map[string]any
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns an in-memory Engine suitable for local development, tests, and
// single-process runs. It is not deterministic or replay-safe and must not
// back production workloads.
func New() *Engine {
	return &Engine{eng: &eng{
		workflows:        make(map[string]engine.WorkflowDefinition),
		nodeActivities:   make(map[string]nodeActivityDef),
		recordActivities: make(map[string]recordActivityDef),
		statuses:         make(map[string]engine.RunStatus),
		handles:          make(map[string]*handle),
	}}
}

// Engine wraps the in-memory implementation so it satisfies engine.Engine,
// engine.Signaler, engine.Canceler and engine.Querier.
type Engine struct {
	*eng
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterNodeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *exec.NodeInput) (*exec.NodeOutput, error)) error {
	if name == "" || fn == nil {
		return errors.New("invalid node activity registration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.nodeActivities[name]; dup {
		return fmt.Errorf("node activity %q already registered", name)
	}
	e.nodeActivities[name] = nodeActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) RegisterRecordActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *exec.RecordInput) error) error {
	if name == "" || fn == nil {
		return errors.New("invalid record activity registration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.recordActivities[name]; dup {
		return fmt.Errorf("record activity %q already registered", name)
	}
	e.recordActivities[name] = recordActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	wfContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{
		ctx:   wfContext,
		id:    req.ID,
		runID: req.ID, // in-memory assigns the workflow ID as the run ID
		eng:   e,

		userInputCh: make(chan exec.UserInputSignal, signalBuffer),
		cancelCh:    make(chan exec.CancelSignal, signalBuffer),

		queryMu:       &sync.RWMutex{},
		queryHandlers: make(map[string]any),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx, cancel: cancel}

	e.mu.Lock()
	if _, dup := e.handles[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("workflow %q already started", req.ID)
	}
	e.handles[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			e.statuses[req.ID] = engine.RunStatusCanceled
		case err != nil:
			e.statuses[req.ID] = engine.RunStatusFailed
		default:
			e.statuses[req.ID] = engine.RunStatusCompleted
		}
		e.mu.Unlock()
	}()

	return h, nil
}

func (e *eng) QueryRunStatus(_ context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[runID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// SignalByID implements engine.Signaler for in-process workflows.
func (e *eng) SignalByID(ctx context.Context, workflowID, _, name string, payload any) error {
	h, err := e.handleFor(workflowID)
	if err != nil {
		return err
	}
	return h.Signal(ctx, name, payload)
}

// CancelByID implements engine.Canceler.
func (e *eng) CancelByID(ctx context.Context, workflowID, _ string) error {
	h, err := e.handleFor(workflowID)
	if err != nil {
		return err
	}
	return h.Cancel(ctx)
}

// QueryByID implements engine.Querier by invoking the registered handler and
// JSON round-tripping its answer into result.
func (e *eng) QueryByID(_ context.Context, workflowID, _, name string, result any) error {
	h, err := e.handleFor(workflowID)
	if err != nil {
		return err
	}
	h.wfCtx.queryMu.RLock()
	fn, ok := h.wfCtx.queryHandlers[name]
	h.wfCtx.queryMu.RUnlock()
	if !ok {
		return fmt.Errorf("query %q not registered", name)
	}
	out := reflect.ValueOf(fn).Call(nil)
	if len(out) != 2 {
		return fmt.Errorf("query handler %q must return (value, error)", name)
	}
	if errVal := out[1].Interface(); errVal != nil {
		return errVal.(error)
	}
	data, err := json.Marshal(out[0].Interface())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (e *eng) handleFor(workflowID string) (*handle, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[workflowID]
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return h, nil
}

func (h *handle) Wait(ctx context.Context) (*exec.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case exec.SignalUserInput:
		sig, ok := payload.(exec.UserInputSignal)
		if !ok {
			return fmt.Errorf("signal %q expects exec.UserInputSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.userInputCh, sig)
	case exec.SignalCancel:
		sig, ok := payload.(exec.CancelSignal)
		if !ok {
			return fmt.Errorf("signal %q expects exec.CancelSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.cancelCh, sig)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

// Cancel delivers a cancel signal so the workflow can wind down
// cooperatively, then cancels the workflow context.
func (h *handle) Cancel(ctx context.Context) error {
	select {
	case h.wfCtx.cancelCh <- exec.CancelSignal{Reason: "canceled"}:
	default:
	}
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) SetQueryHandler(name string, handler any) error {
	if name == "" || handler == nil {
		return errors.New("invalid query handler registration")
	}
	w.queryMu.Lock()
	defer w.queryMu.Unlock()
	w.queryHandlers[name] = handler
	return nil
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) ExecuteNodeActivity(ctx context.Context, call engine.NodeActivityCall) (*exec.NodeOutput, error) {
	fut, err := w.ExecuteNodeActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteNodeActivityAsync(_ context.Context, call engine.NodeActivityCall) (engine.Future[*exec.NodeOutput], error) {
	if call.Name == "" {
		return nil, errors.New("node activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("node activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.nodeActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node activity %q not registered", call.Name)
	}

	fut := &future[*exec.NodeOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		timeout := call.Options.Timeout
		if timeout == 0 {
			timeout = def.opts.Timeout
		}
		actCtx, cancel := withOptionalTimeout(w.ctx, timeout)
		defer cancel()
		fut.result, fut.err = def.handler(actCtx, call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) Record(_ context.Context, call engine.RecordActivityCall) error {
	if call.Name == "" {
		return errors.New("record activity name is required")
	}
	if call.Input == nil {
		return errors.New("record activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.recordActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("record activity %q not registered", call.Name)
	}
	timeout := call.Options.Timeout
	if timeout == 0 {
		timeout = def.opts.Timeout
	}
	// record runs even while the workflow context is cancelled so terminal
	// status transitions still land
	actCtx, cancel := withOptionalTimeout(context.WithoutCancel(w.ctx), timeout)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) UserInputs() engine.Receiver[exec.UserInputSignal] {
	return receiver[exec.UserInputSignal]{ch: w.userInputCh}
}

func (w *wfCtx) Cancellations() engine.Receiver[exec.CancelSignal] {
	return receiver[exec.CancelSignal]{ch: w.cancelCh}
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	go func() {
		defer close(fut.ready)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case t := <-timer.C:
			fut.result = t
		case <-w.ctx.Done():
			fut.err = w.ctx.Err()
		}
	}()
	return fut, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	derived := *w
	derived.ctx = cctx
	return &derived, cancel
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
