package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/flowmaestro/flowmaestro/engine"
	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/exec"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/interp"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/workflow"
)

type (
	// runState is the deterministic state of one execution workflow.
	runState struct {
		rt   *Runtime
		wctx engine.WorkflowContext
		// actx is a cancelable scope node activities run under, so
		// cancellation reaches in-flight executors.
		actx       engine.WorkflowContext
		cancelActs func()
		in         *exec.RunInput

		seq       int64
		variables map[string]any

		userInputs engine.Receiver[exec.UserInputSignal]
		cancels    engine.Receiver[exec.CancelSignal]

		cancelled     bool
		cancelReason  string
		pendingInputs map[string]exec.UserInputSignal

		// desc is read by the describe query handler, which may run on
		// another goroutine in the in-memory engine.
		descMu sync.Mutex
		desc   exec.DescribeState
	}

	taskKind int

	// task tracks one dispatched node through its attempts.
	task struct {
		name    string
		node    *workflow.Node
		kind    taskKind
		attempt int
		env     map[string]any

		fut     engine.Future[*exec.NodeOutput]
		backoff engine.Future[time.Time]
		timer   engine.Future[time.Time]
	}

	edgeState int

	// graphResult is the outcome of walking one graph (the top-level
	// definition or a loop body).
	graphResult struct {
		outputs    map[string]any
		failed     bool
		failedNode string
		failError  string
		failKind   string
		cancelled  bool
	}
)

const (
	taskActivity taskKind = iota
	taskInput
	taskDelay

	edgeUnresolved edgeState = iota
	edgeSatisfied
	edgePruned
)

// executionWorkflow is the durable workflow behind every execution. It must
// stay deterministic: all I/O goes through activities and all time through
// the workflow context.
func (r *Runtime) executionWorkflow(wctx engine.WorkflowContext, in *exec.RunInput) (*exec.RunOutput, error) {
	actx, cancelActs := wctx.WithCancel()
	s := &runState{
		rt:            r,
		wctx:          wctx,
		actx:          actx,
		cancelActs:    cancelActs,
		in:            in,
		variables:     make(map[string]any),
		userInputs:    wctx.UserInputs(),
		cancels:       wctx.Cancellations(),
		pendingInputs: make(map[string]exec.UserInputSignal),
	}
	s.setStatus(string(store.StatusRunning), "", "")
	if err := wctx.SetQueryHandler(exec.QueryDescribe, s.describeQuery); err != nil {
		return nil, err
	}

	def, err := workflow.Decode(in.Definition)
	if err != nil {
		msg := "definition rejected: " + err.Error()
		s.recordStatus(string(store.StatusFailed), nil, msg, "")
		s.event(events.ExecutionFailed, "", map[string]any{"error": msg})
		return &exec.RunOutput{Status: string(store.StatusFailed), Error: msg}, nil
	}

	s.recordStatus(string(store.StatusRunning), nil, "", "")
	s.event(events.ExecutionStarted, "", map[string]any{"version": in.VersionNumber})
	s.log("info", "", "execution started", map[string]any{"trigger_kind": in.TriggerKind})

	env := map[string]any{
		interp.FrameInputs:    valueOr(in.Inputs),
		interp.FrameTrigger:   map[string]any{"kind": in.TriggerKind, "id": in.TriggerID},
		interp.FrameVariables: s.variables,
		interp.FrameOutputs:   map[string]any{},
	}
	res := s.runGraph(def, env)

	switch {
	case res.cancelled:
		s.recordStatus(string(store.StatusCancelled), res.outputs, s.cancelReason, "")
		s.event(events.ExecutionCancelled, "", map[string]any{"reason": s.cancelReason})
		s.log("info", "", "execution cancelled", nil)
		return &exec.RunOutput{Status: string(store.StatusCancelled), Outputs: res.outputs}, nil
	case res.failed:
		s.recordStatus(string(store.StatusFailed), res.outputs, res.failError, res.failedNode)
		s.event(events.ExecutionFailed, res.failedNode, map[string]any{"error": res.failError, "kind": res.failKind})
		s.log("error", res.failedNode, "execution failed", map[string]any{"error": res.failError})
		return &exec.RunOutput{
			Status:     string(store.StatusFailed),
			Outputs:    res.outputs,
			Error:      res.failError,
			FailedNode: res.failedNode,
		}, nil
	default:
		s.recordStatus(string(store.StatusCompleted), res.outputs, "", "")
		s.event(events.ExecutionCompleted, "", map[string]any{"outputs": res.outputs})
		s.log("info", "", "execution completed", nil)
		return &exec.RunOutput{Status: string(store.StatusCompleted), Outputs: res.outputs}, nil
	}
}

// runGraph walks one definition to completion. The outputs frame of env
// collects node outputs as they land; loop bodies call back in with forked
// frames.
func (s *runState) runGraph(def *workflow.Definition, env map[string]any) graphResult {
	outputs := env[interp.FrameOutputs].(map[string]any)

	edges := make([]edgeState, len(def.Edges))
	inbound := make(map[string][]int, len(def.Nodes))
	outbound := make(map[string][]int, len(def.Nodes))
	for i, e := range def.Edges {
		inbound[e.Target] = append(inbound[e.Target], i)
		outbound[e.Source] = append(outbound[e.Source], i)
	}

	const (
		statePending = iota
		stateRunning
		stateDone
		stateSkipped
		stateFailed
	)
	state := make(map[string]int, len(def.Nodes))
	forceReady := make(map[string]bool)
	for name := range def.Nodes {
		state[name] = statePending
	}

	maxConc := s.rt.maxConcurrent
	if def.Settings != nil && def.Settings.MaxConcurrentNodes > 0 {
		maxConc = def.Settings.MaxConcurrentNodes
	}

	var tasks []*task
	var failure *graphResult

	resolveOutgoing := func(name, handle string) {
		for _, i := range outbound[name] {
			e := def.Edges[i]
			if e.SourceHandle == "" || e.SourceHandle == handle {
				edges[i] = edgeSatisfied
			} else {
				edges[i] = edgePruned
			}
		}
	}
	pruneOutgoing := func(name string) {
		for _, i := range outbound[name] {
			edges[i] = edgePruned
		}
	}

	// skip propagation: a pending node whose inbound edges are all pruned
	// never runs and prunes its own outgoing edges
	propagateSkips := func() {
		for changed := true; changed; {
			changed = false
			for _, name := range sortedNodes(def) {
				if state[name] != statePending || forceReady[name] {
					continue
				}
				ins := inbound[name]
				if len(ins) == 0 {
					continue
				}
				pruned := 0
				for _, i := range ins {
					if edges[i] == edgePruned {
						pruned++
					}
				}
				if pruned == len(ins) {
					state[name] = stateSkipped
					s.markCompleted(name)
					pruneOutgoing(name)
					changed = true
				}
			}
		}
	}

	readyNodes := func() []string {
		var ready []string
		for _, name := range sortedNodes(def) {
			if state[name] != statePending {
				continue
			}
			if forceReady[name] {
				ready = append(ready, name)
				continue
			}
			ins := inbound[name]
			ok := true
			satisfied := len(ins) == 0
			for _, i := range ins {
				switch edges[i] {
				case edgeUnresolved:
					ok = false
				case edgeSatisfied:
					satisfied = true
				}
			}
			if ok && satisfied {
				ready = append(ready, name)
			}
		}
		return ready
	}

	complete := func(t *task, output any) {
		state[t.name] = stateDone
		outputs[t.name] = output
		s.applyVariable(t.node, output)
		s.recordNode(t.name, "completed", output, "", t.attempt)
		s.event(events.NodeCompleted, t.name, map[string]any{"output": output})
		s.markCompleted(t.name)
		resolveOutgoing(t.name, takenHandle(t.node, output))
	}

	fail := func(t *task, msg, kind string) {
		policy := t.node.OnError
		strategy := workflow.StrategyFail
		if policy != nil && policy.Strategy != "" {
			strategy = policy.Strategy
		}
		switch strategy {
		case workflow.StrategyContinue:
			s.log("warn", t.name, "node failed, continuing", map[string]any{"error": msg, "kind": kind})
			complete(t, map[string]any{"error": msg, "kind": kind})
		case workflow.StrategyFallback:
			s.log("warn", t.name, "node failed, using fallback value", map[string]any{"error": msg, "kind": kind})
			complete(t, policy.FallbackValue)
		case workflow.StrategyGoto:
			state[t.name] = stateFailed
			s.recordNode(t.name, "failed", nil, msg, t.attempt)
			s.event(events.NodeFailed, t.name, map[string]any{"error": msg, "kind": kind})
			s.log("warn", t.name, "node failed, jumping", map[string]any{"goto": policy.GotoNode})
			pruneOutgoing(t.name)
			forceReady[policy.GotoNode] = true
		default:
			state[t.name] = stateFailed
			s.recordNode(t.name, "failed", nil, msg, t.attempt)
			s.event(events.NodeFailed, t.name, map[string]any{"error": msg, "kind": kind})
			if failure != nil {
				// first failure wins; later ones only land in node results
				return
			}
			failure = &graphResult{
				outputs:    outputs,
				failed:     true,
				failedNode: t.name,
				failError:  msg,
				failKind:   kind,
			}
		}
	}

	for {
		s.drainSignals()
		if s.cancelled {
			s.cancelActs()
			s.awaitGrace(tasks)
			return graphResult{outputs: outputs, cancelled: true}
		}

		if failure == nil {
			for _, name := range readyNodes() {
				if maxConc > 0 && len(tasks) >= maxConc {
					break
				}
				t, res := s.dispatch(def, name, env, outputs)
				state[name] = stateRunning
				if res != nil {
					// loop nodes run their body synchronously
					if res.cancelled || res.failed {
						if res.failed {
							fail(&task{name: name, node: def.Nodes[name], attempt: 1}, res.failError, res.failKind)
						}
						if res.cancelled {
							s.cancelActs()
							return graphResult{outputs: outputs, cancelled: true}
						}
						if failure != nil {
							break
						}
						continue
					}
					lt := &task{name: name, node: def.Nodes[name], attempt: 1}
					complete(lt, res.outputs[name])
					continue
				}
				tasks = append(tasks, t)
			}
			propagateSkips()
		}

		// advance tasks: start queued attempts, collect completed ones
		remaining := tasks[:0]
		for _, t := range tasks {
			if !s.advance(t, complete, fail) {
				remaining = append(remaining, t)
			}
		}
		tasks = remaining
		propagateSkips()

		if failure != nil {
			if len(tasks) == 0 {
				return *failure
			}
		} else if len(tasks) == 0 {
			pending := 0
			for _, st := range state {
				if st == statePending {
					pending++
				}
			}
			if pending == 0 {
				return graphResult{outputs: outputs}
			}
			if len(readyNodes()) == 0 {
				msg := fmt.Sprintf("%d nodes can never become ready", pending)
				s.log("error", "", "scheduling deadlock", map[string]any{"pending": pending})
				return graphResult{
					outputs:   outputs,
					failed:    true,
					failError: msg,
					failKind:  string(fault.KindDeadlock),
				}
			}
			continue
		}

		if len(tasks) > 0 {
			cond := func() bool {
				s.drainSignals()
				if s.cancelled {
					return true
				}
				for _, t := range tasks {
					if t.ready(s) {
						return true
					}
				}
				return false
			}
			if err := s.wctx.Await(s.wctx.Context(), cond); err != nil {
				s.drainSignals()
				if !s.cancelled {
					s.cancelled = true
					s.cancelReason = "workflow context cancelled"
				}
			}
		}
	}
}

// dispatch starts one node. Loop nodes run synchronously and return a
// graphResult; every other kind returns a task.
func (s *runState) dispatch(def *workflow.Definition, name string, env, outputs map[string]any) (*task, *graphResult) {
	n := def.Nodes[name]
	t := &task{name: name, node: n, attempt: 1, env: cloneEnv(env)}

	s.markRunning(name)
	s.recordNode(name, "running", nil, "", 0)
	s.event(events.NodeStarted, name, map[string]any{"type": n.Type})
	s.log("info", name, "node started", nil)

	switch n.Type {
	case workflow.TypeUserInput:
		t.kind = taskInput
		s.setWaiting(name)
		s.recordStatus(string(store.StatusWaitingForInput), nil, "", "")
		prompt, _ := n.Config["prompt"].(string)
		s.event(events.ExecutionWaiting, name, map[string]any{"prompt": prompt})
		return t, nil
	case workflow.TypeDelay:
		t.kind = taskDelay
		d, err := s.delayDuration(n, env)
		if err != nil {
			// surface through the normal failure path
			t.kind = taskActivity
			t.fut = failedFuture(err)
			return t, nil
		}
		timer, err := s.wctx.NewTimer(s.wctx.Context(), d)
		if err != nil {
			t.kind = taskActivity
			t.fut = failedFuture(err)
			return t, nil
		}
		t.timer = timer
		return t, nil
	case workflow.TypeLoop:
		res := s.runLoop(n, env, outputs)
		return nil, &res
	default:
		t.kind = taskActivity
		s.startAttempt(t)
		return t, nil
	}
}

// advance moves one task forward. Returns true when the task reached a
// terminal state and was handed to complete or fail.
func (s *runState) advance(t *task, complete func(*task, any), fail func(*task, string, string)) bool {
	switch t.kind {
	case taskInput:
		sig, ok := s.pendingInputs[t.name]
		if !ok {
			return false
		}
		delete(s.pendingInputs, t.name)
		s.clearWaiting()
		s.recordStatus(string(store.StatusRunning), nil, "", "")
		complete(t, map[string]any{"values": sig.Values})
		return true

	case taskDelay:
		if t.timer == nil || !t.timer.IsReady() {
			return false
		}
		if _, err := t.timer.Get(s.wctx.Context()); err != nil {
			fail(t, err.Error(), string(fault.KindCancelled))
			return true
		}
		complete(t, map[string]any{"done": true})
		return true

	default:
		if t.backoff != nil {
			if !t.backoff.IsReady() {
				return false
			}
			t.backoff = nil
			t.attempt++
			s.startAttempt(t)
			return false
		}
		if t.fut == nil || !t.fut.IsReady() {
			return false
		}
		out, err := t.fut.Get(s.wctx.Context())
		t.fut = nil
		if err != nil {
			kind := fault.KindOf(err)
			retryable := fault.IsRetryable(err)
			if kind == fault.KindUnknown {
				// unclassified errors here are activity infrastructure
				// failures (timeout, worker loss), worth retrying
				kind = fault.KindTimeout
				retryable = true
			}
			out = &exec.NodeOutput{Error: err.Error(), Kind: string(kind), Retryable: retryable}
		}
		for _, path := range out.Warnings {
			s.log("warn", t.name, "unresolved reference substituted empty", map[string]any{"path": path})
		}
		if out.Error == "" {
			complete(t, out.Output)
			return true
		}
		// maxAttempts is the retry budget, so attempt maxAttempts+1 is the last
		if out.Retryable && t.attempt <= s.rt.maxAttempts {
			s.log("warn", t.name, "node attempt failed, retrying", map[string]any{
				"attempt": t.attempt, "kind": out.Kind, "error": out.Error,
			})
			backoff, timerErr := s.wctx.NewTimer(s.wctx.Context(), s.backoffDelay(t.name, t.attempt))
			if timerErr == nil {
				t.backoff = backoff
				return false
			}
		}
		fail(t, out.Error, out.Kind)
		return true
	}
}

func (t *task) ready(s *runState) bool {
	switch t.kind {
	case taskInput:
		_, ok := s.pendingInputs[t.name]
		return ok
	case taskDelay:
		return t.timer != nil && t.timer.IsReady()
	default:
		if t.backoff != nil {
			return t.backoff.IsReady()
		}
		return t.fut != nil && t.fut.IsReady()
	}
}

func (s *runState) startAttempt(t *task) {
	fut, err := s.actx.ExecuteNodeActivityAsync(s.actx.Context(), engine.NodeActivityCall{
		Name: ActivityExecuteNode,
		Input: &exec.NodeInput{
			ExecutionID: s.in.ExecutionID,
			WorkflowID:  s.in.WorkflowID,
			UserID:      s.in.UserID,
			Node:        t.name,
			Type:        t.node.Type,
			Config:      t.node.Config,
			Env:         t.env,
			Attempt:     t.attempt,
		},
	})
	if err != nil {
		fut = failedFuture(err)
	}
	t.fut = fut
}

// runLoop iterates the loop body subgraph once per item, in input order.
// Each iteration forks the outputs frame and binds item and index in a loop
// frame; iteration outputs aggregate into results.
func (s *runState) runLoop(n *workflow.Node, env, outputs map[string]any) graphResult {
	fid := func(msg string, kind fault.Kind) graphResult {
		return graphResult{outputs: outputs, failed: true, failedNode: n.Name, failError: msg, failKind: string(kind)}
	}

	ev := interp.New(scopeFromEnv(env))
	itemsVal, err := ev.EvalValue(n.Config["items"])
	if err != nil {
		return fid("loop items: "+err.Error(), fault.KindValidation)
	}
	items, ok := itemsVal.([]any)
	if !ok {
		return fid(fmt.Sprintf("loop items resolved to %T, want array", itemsVal), fault.KindValidation)
	}

	bodyRaw, ok := n.Config["body"]
	if !ok {
		return fid("loop body is required", fault.KindValidation)
	}
	data, err := json.Marshal(bodyRaw)
	if err != nil {
		return fid("loop body: "+err.Error(), fault.KindValidation)
	}
	bodyDef, err := workflow.Decode(data)
	if err != nil {
		return fid("loop body: "+err.Error(), fault.KindValidation)
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		iterOutputs := make(map[string]any, len(outputs))
		for k, v := range outputs {
			iterOutputs[k] = v
		}
		iterEnv := map[string]any{
			interp.FrameInputs:    env[interp.FrameInputs],
			interp.FrameTrigger:   env[interp.FrameTrigger],
			interp.FrameVariables: s.variables,
			interp.FrameOutputs:   iterOutputs,
			interp.FrameLoop:      map[string]any{"item": item, "index": i},
		}
		res := s.runGraph(bodyDef, iterEnv)
		if res.cancelled || res.failed {
			res.outputs = outputs
			return res
		}
		iteration := make(map[string]any, len(bodyDef.Nodes))
		for name := range bodyDef.Nodes {
			if v, ok := iterOutputs[name]; ok {
				iteration[name] = v
			}
		}
		results = append(results, iteration)
	}
	outputs[n.Name] = map[string]any{"results": results, "count": len(items)}
	return graphResult{outputs: outputs}
}

// drainSignals folds pending signals into run state, deduplicating by nonce:
// user inputs keep the highest nonce per node, cancellation latches.
func (s *runState) drainSignals() {
	for {
		sig, ok := s.userInputs.ReceiveAsync()
		if !ok {
			break
		}
		if prev, exists := s.pendingInputs[sig.Node]; exists && prev.Nonce >= sig.Nonce {
			continue
		}
		s.pendingInputs[sig.Node] = sig
	}
	for {
		sig, ok := s.cancels.ReceiveAsync()
		if !ok {
			break
		}
		if !s.cancelled {
			s.cancelled = true
			s.cancelReason = sig.Reason
			if s.cancelReason == "" {
				s.cancelReason = "cancelled"
			}
		}
	}
}

// awaitGrace lets in-flight nodes observe cancellation for the grace window,
// then abandons them. Their outputs are ignored either way.
func (s *runState) awaitGrace(tasks []*task) {
	if len(tasks) == 0 {
		return
	}
	timer, err := s.wctx.NewTimer(s.wctx.Context(), s.rt.graceWindow)
	if err != nil {
		return
	}
	_ = s.wctx.Await(s.wctx.Context(), func() bool {
		if timer.IsReady() {
			return true
		}
		for _, t := range tasks {
			if t.kind == taskActivity && t.fut != nil && !t.fut.IsReady() {
				return false
			}
		}
		return true
	})
}

func (s *runState) backoffDelay(nodeName string, attempt int) time.Duration {
	base := s.rt.backoffBase << (attempt - 1)
	// deterministic jitter in [0,100%) derived from stable identifiers
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d", s.in.ExecutionID, nodeName, attempt)
	frac := float64(h.Sum32()%1000) / 1000
	return base + time.Duration(float64(base)*frac)
}

func (s *runState) delayDuration(n *workflow.Node, env map[string]any) (time.Duration, error) {
	ev := interp.New(scopeFromEnv(env))
	raw, err := ev.EvalValue(n.Config["duration"])
	if err != nil {
		return 0, err
	}
	switch d := raw.(type) {
	case float64:
		return time.Duration(d) * time.Second, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fault.Wrap(fault.KindValidation, err, "delay duration")
		}
		return parsed, nil
	default:
		return 0, fault.Newf(fault.KindValidation, "delay duration resolved to %T", raw)
	}
}

// applyVariable folds workflow-scoped variable writes into the variables
// frame. Global writes already persisted in the activity; temporary values
// die with the node.
func (s *runState) applyVariable(n *workflow.Node, output any) {
	if n.Type != workflow.TypeVariable {
		return
	}
	m, ok := output.(map[string]any)
	if !ok {
		return
	}
	scope, _ := m["scope"].(string)
	name, _ := m["name"].(string)
	if scope != "workflow" || name == "" {
		return
	}
	s.variables[name] = m["value"]
}

// takenHandle names the output handle a completed node emitted on.
// Conditional nodes route true or false; every other type uses the default
// handle.
func takenHandle(n *workflow.Node, output any) string {
	if n.Type != workflow.TypeConditional {
		return ""
	}
	if m, ok := output.(map[string]any); ok {
		if result, ok := m["result"].(bool); ok {
			if result {
				return workflow.HandleTrue
			}
			return workflow.HandleFalse
		}
	}
	return ""
}

// record helpers

func (s *runState) recordStatus(status string, outputs map[string]any, errMsg, failedNode string) {
	s.setStatus(status, errMsg, failedNode)
	_ = s.wctx.Record(s.wctx.Context(), engine.RecordActivityCall{
		Name: ActivityRecord,
		Input: &exec.RecordInput{
			ExecutionID: s.in.ExecutionID,
			WorkflowID:  s.in.WorkflowID,
			UserID:      s.in.UserID,
			Status:      status,
			Outputs:     outputs,
			Error:       errMsg,
			FailedNode:  failedNode,
		},
	})
}

func (s *runState) recordNode(name, status string, output any, errMsg string, attempts int) {
	_ = s.wctx.Record(s.wctx.Context(), engine.RecordActivityCall{
		Name: ActivityRecord,
		Input: &exec.RecordInput{
			ExecutionID: s.in.ExecutionID,
			WorkflowID:  s.in.WorkflowID,
			UserID:      s.in.UserID,
			NodeState: &exec.NodeState{
				Node:     name,
				Status:   status,
				Output:   output,
				Error:    errMsg,
				Attempts: attempts,
			},
		},
	})
}

func (s *runState) event(typ events.Type, nodeName string, payload map[string]any) {
	_ = s.wctx.Record(s.wctx.Context(), engine.RecordActivityCall{
		Name: ActivityRecord,
		Input: &exec.RecordInput{
			ExecutionID: s.in.ExecutionID,
			WorkflowID:  s.in.WorkflowID,
			UserID:      s.in.UserID,
			Event: &exec.EventEntry{
				Type:    string(typ),
				Node:    nodeName,
				Payload: payload,
			},
		},
	})
}

func (s *runState) log(level, nodeName, msg string, fields map[string]any) {
	s.seq++
	_ = s.wctx.Record(s.wctx.Context(), engine.RecordActivityCall{
		Name: ActivityRecord,
		Input: &exec.RecordInput{
			ExecutionID: s.in.ExecutionID,
			WorkflowID:  s.in.WorkflowID,
			UserID:      s.in.UserID,
			Log: &exec.LogEntry{
				Sequence: s.seq,
				Level:    level,
				Node:     nodeName,
				Message:  msg,
				Fields:   fields,
			},
		},
	})
}

// describe snapshot maintenance

func (s *runState) describeQuery() (*exec.DescribeState, error) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	snap := s.desc
	snap.RunningNodes = append([]string(nil), s.desc.RunningNodes...)
	snap.CompletedNodes = append([]string(nil), s.desc.CompletedNodes...)
	return &snap, nil
}

func (s *runState) setStatus(status, errMsg, failedNode string) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	s.desc.Status = status
}

func (s *runState) markRunning(name string) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	s.desc.RunningNodes = append(s.desc.RunningNodes, name)
}

func (s *runState) markCompleted(name string) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	for i, r := range s.desc.RunningNodes {
		if r == name {
			s.desc.RunningNodes = append(s.desc.RunningNodes[:i], s.desc.RunningNodes[i+1:]...)
			break
		}
	}
	s.desc.CompletedNodes = append(s.desc.CompletedNodes, name)
}

func (s *runState) setWaiting(name string) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	s.desc.WaitingNode = name
}

func (s *runState) clearWaiting() {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	s.desc.WaitingNode = ""
}

// helpers

func sortedNodes(def *workflow.Definition) []string {
	names := make([]string, 0, len(def.Nodes))
	for name := range def.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneEnv(env map[string]any) map[string]any {
	out := make(map[string]any, len(env))
	for name, frame := range env {
		if m, ok := frame.(map[string]any); ok {
			c := make(map[string]any, len(m))
			for k, v := range m {
				c[k] = v
			}
			out[name] = c
			continue
		}
		out[name] = frame
	}
	return out
}

func valueOr(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type readyFailedFuture struct {
	err error
}

func (f readyFailedFuture) Get(context.Context) (*exec.NodeOutput, error) {
	return nil, f.err
}

func (f readyFailedFuture) IsReady() bool { return true }

func failedFuture(err error) engine.Future[*exec.NodeOutput] {
	return readyFailedFuture{err: err}
}
