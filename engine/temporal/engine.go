// Package temporal adapts the engine abstractions to Temporal for durable,
// replay-safe workflow execution. The adapter manages one worker per task
// queue, wires OTEL instrumentation into the client and workers, and exposes
// signal, cancel and query operations by workflow ID so callers can reach
// executions across process restarts.
package temporal

import (
	"context"
	"fmt"
	"sync"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowmaestro/flowmaestro/engine"
	"github.com/flowmaestro/flowmaestro/exec"
	"github.com/flowmaestro/flowmaestro/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation automatically and manages per-queue workers, auto-starting
// them on first workflow execution unless DisableWorkerAutoStart is set.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client from ClientOptions so OTEL interceptors
	// can be installed automatically.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil. Only connection fields need to be set.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults. TaskQueue is required and is
	// the default queue when workflow or activity definitions omit one.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics. Both are enabled by
	// default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution.
	DisableWorkerAutoStart bool

	// Logger emits worker lifecycle logs. Nil means no output.
	Logger telemetry.Logger
}

// WorkerOptions configures the shared worker settings applied to every task
// queue managed by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue name. Required.
	TaskQueue string

	// Options are forwarded to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry into
// the Temporal client and workers.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. All methods are safe for
// concurrent use. Construct via New, register workflows and activities, then
// either let workers auto-start or call Worker().Start(). Call Close during
// shutdown after stopping workers.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided along with a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow implements engine.Engine. The handler is wrapped to
// provide the engine's WorkflowContext abstraction. Registration must
// complete before StartWorkflow.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *exec.RunInput) (*exec.RunOutput, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterNodeActivity implements engine.Engine.
func (e *Engine) RegisterNodeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *exec.NodeInput) (*exec.NodeOutput, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	return e.registerActivity(name, opts, fn)
}

// RegisterRecordActivity implements engine.Engine.
func (e *Engine) RegisterRecordActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *exec.RecordInput) error) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	return e.registerActivity(name, opts, fn)
}

func (e *Engine) registerActivity(name string, opts engine.ActivityOptions, fn any) error {
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, fn)

	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow implements engine.Engine. The task queue resolves in order
// req.TaskQueue, definition queue, engine default.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		Memo:               req.Memo,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryRunStatus implements engine.Engine by describing the workflow
// execution via the Temporal visibility API.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", engine.ErrWorkflowNotFound
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.RunStatusRunning, nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.RunStatusCanceled, nil
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED,
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	default:
		return engine.RunStatusPending, nil
	}
}

// SignalByID implements engine.Signaler.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.SignalWorkflow(ctx, workflowID, runID, name, payload)
}

// CancelByID implements engine.Canceler.
func (e *Engine) CancelByID(ctx context.Context, workflowID, runID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.CancelWorkflow(ctx, workflowID, runID)
}

// QueryByID implements engine.Querier.
func (e *Engine) QueryByID(ctx context.Context, workflowID, runID, name string, result any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, runID, name)
	if err != nil {
		return err
	}
	return val.Get(result)
}

// Worker returns a controller for manual worker lifecycle management. With
// auto-start enabled (default) calling it is optional.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. A
// pre-configured Client stays open for its owner to close.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController manages worker lifecycle for all task queues managed by
// the engine. Start and Stop are safe to call concurrently; controllers for
// the same engine share state.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards start
// automatically.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*exec.RunOutput, error) {
	var out exec.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
