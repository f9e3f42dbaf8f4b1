package runtime

import (
	"context"
	"time"

	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/exec"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/interp"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/workflow"
)

// executeNode runs one node attempt. Failures are returned in-band on the
// output so fault kinds survive the activity boundary; an error return is
// reserved for payload problems the workflow cannot act on.
func (r *Runtime) executeNode(ctx context.Context, in *exec.NodeInput) (*exec.NodeOutput, error) {
	executor, err := r.nodes.Get(in.Type)
	if err != nil {
		return failureOutput(err), nil
	}

	cfg, warns, err := r.interpolateConfig(in)
	if err != nil {
		return failureOutput(err), nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, node.TimeoutOf(executor))
	defer cancel()

	started := time.Now()
	out, err := executor.Execute(attemptCtx, node.Request{
		ExecutionID: in.ExecutionID,
		WorkflowID:  in.WorkflowID,
		UserID:      in.UserID,
		NodeName:    in.Node,
		Config:      cfg,
		Env:         flattenEnv(in.Env),
	})
	r.metrics.RecordTimer("node_execution_duration", time.Since(started), "type", in.Type)
	if err != nil {
		r.logger.Warn(ctx, "node attempt failed",
			"execution_id", in.ExecutionID, "node", in.Node, "attempt", in.Attempt,
			"kind", string(fault.KindOf(err)), "err", err)
		retryable := fault.IsRetryable(err) && executor.Metadata().Retryable
		return &exec.NodeOutput{
			Error:     err.Error(),
			Kind:      string(fault.KindOf(err)),
			Retryable: retryable,
			Warnings:  warns,
		}, nil
	}
	return &exec.NodeOutput{Output: out, Warnings: warns}, nil
}

// failureOutput converts a pre-execution error (unknown type, interpolation
// failure) into an in-band node failure.
func failureOutput(err error) *exec.NodeOutput {
	return &exec.NodeOutput{
		Error:     err.Error(),
		Kind:      string(fault.KindOf(err)),
		Retryable: fault.IsRetryable(err),
	}
}

// interpolateConfig resolves ${...} references in the node config template.
// Expression-bearing keys are passed through untouched so typed references
// reach the expression evaluator instead of coerced text. Unresolved paths
// substitute empty and come back as warnings.
func (r *Runtime) interpolateConfig(in *exec.NodeInput) (map[string]any, []string, error) {
	var warns []string
	ev := interp.New(scopeFromEnv(in.Env), interp.WithWarn(func(path string) {
		warns = append(warns, path)
	}))
	cfg := make(map[string]any, len(in.Config))
	for k, v := range in.Config {
		if skipInterpolation(in.Type, k) {
			cfg[k] = v
			continue
		}
		resolved, err := ev.EvalValue(v)
		if err != nil {
			return nil, nil, err
		}
		cfg[k] = resolved
	}
	return cfg, warns, nil
}

func skipInterpolation(nodeType, key string) bool {
	switch nodeType {
	case workflow.TypeConditional:
		return key == "condition"
	case workflow.TypeTransform:
		return key == "expression"
	}
	return false
}

// record persists execution progress. Every section is idempotent so the
// engine may retry the activity: status updates are last-write, journal
// appends dedupe by sequence and node results upsert by (execution, node).
func (r *Runtime) record(ctx context.Context, in *exec.RecordInput) error {
	execs := r.store.Executions()

	if in.Status != "" {
		upd := store.StatusUpdate{
			Status:     store.ExecutionStatus(in.Status),
			Outputs:    in.Outputs,
			Error:      in.Error,
			FailedNode: in.FailedNode,
		}
		now := time.Now()
		switch upd.Status {
		case store.StatusRunning:
			upd.StartedAt = &now
		case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
			upd.CompletedAt = &now
		}
		if err := execs.UpdateStatus(ctx, in.ExecutionID, upd); err != nil {
			return err
		}
	}

	if in.NodeState != nil {
		ns := in.NodeState
		res := &store.NodeResult{
			ExecutionID: in.ExecutionID,
			Node:        ns.Node,
			Status:      ns.Status,
			Output:      ns.Output,
			Error:       ns.Error,
			Attempts:    ns.Attempts,
			StartedAt:   time.Now(),
		}
		if ns.Status != "running" {
			now := time.Now()
			res.CompletedAt = &now
		}
		if err := execs.UpsertNodeResult(ctx, res); err != nil {
			return err
		}
	}

	if in.Log != nil {
		entry := &store.ExecutionLog{
			ExecutionID: in.ExecutionID,
			Sequence:    in.Log.Sequence,
			Level:       in.Log.Level,
			Node:        in.Log.Node,
			Message:     in.Log.Message,
			Data:        in.Log.Fields,
		}
		if err := execs.AppendLog(ctx, entry); err != nil {
			return err
		}
	}

	if in.Event != nil && r.bus != nil {
		ev := events.Event{
			Type:        events.Type(in.Event.Type),
			ExecutionID: in.ExecutionID,
			WorkflowID:  in.WorkflowID,
			UserID:      in.UserID,
			Node:        in.Event.Node,
			Timestamp:   time.Now().UTC(),
			Payload:     in.Event.Payload,
		}
		if err := r.bus.Publish(ctx, ev); err != nil {
			// fan-out is best effort; never fail the workflow over it
			r.logger.Warn(ctx, "event publish failed", "execution_id", in.ExecutionID, "type", in.Event.Type, "err", err)
		}
	}
	return nil
}

// scopeFromEnv rebuilds the interpolation scope from the frames the workflow
// snapshot carries. Frame order matters: later frames shadow earlier ones.
func scopeFromEnv(env map[string]any) *interp.Scope {
	s := interp.NewScope()
	for _, name := range []string{
		interp.FrameInputs,
		interp.FrameTrigger,
		interp.FrameVariables,
		interp.FrameOutputs,
		interp.FrameLoop,
	} {
		if frame, ok := env[name].(map[string]any); ok {
			s.Push(name, frame)
		}
	}
	return s
}

// flattenEnv builds the expression environment: frames are reachable by name
// and every frame key is hoisted to the top level, newest frame first.
func flattenEnv(env map[string]any) map[string]any {
	flat := make(map[string]any)
	names := []string{
		interp.FrameInputs,
		interp.FrameTrigger,
		interp.FrameVariables,
		interp.FrameOutputs,
		interp.FrameLoop,
	}
	for _, name := range names {
		frame, ok := env[name].(map[string]any)
		if !ok {
			continue
		}
		flat[name] = frame
	}
	// hoist newest-first so loop shadows outputs shadows variables
	for i := len(names) - 1; i >= 0; i-- {
		frame, ok := env[names[i]].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range frame {
			if _, exists := flat[k]; !exists {
				flat[k] = v
			}
		}
	}
	return flat
}
