package node

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/flowmaestro/flowmaestro/fault"
)

type (
	// TransformExecutor shapes data between nodes. Two modes: a "template"
	// value emitted as-is after interpolation, or an "expression" compiled
	// with expr-lang and evaluated against the execution scope.
	TransformExecutor struct{}

	// ConditionalExecutor evaluates a boolean predicate against the
	// execution scope. The engine routes successors over the true or false
	// handle based on the result.
	ConditionalExecutor struct{}
)

// NewTransform constructs the transform executor.
func NewTransform() *TransformExecutor { return &TransformExecutor{} }

// Metadata implements Executor.
func (e *TransformExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "transform",
		Description: "Shape data with a template or expression",
		Category:    "data",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"template": {},
				"expression": {"type": "string"}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *TransformExecutor) Execute(_ context.Context, req Request) (any, error) {
	if src, ok := req.Config["expression"].(string); ok && src != "" {
		return evalExpr(src, req.Env)
	}
	if tmpl, ok := req.Config["template"]; ok {
		return tmpl, nil
	}
	// a bare config acts as the template, matching how the builder saves
	// simple mapping nodes
	out := make(map[string]any, len(req.Config))
	for k, v := range req.Config {
		out[k] = v
	}
	return out, nil
}

// NewConditional constructs the conditional executor.
func NewConditional() *ConditionalExecutor { return &ConditionalExecutor{} }

// Metadata implements Executor.
func (e *ConditionalExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "conditional",
		Description: "Route execution over the true or false handle",
		Category:    "logic",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["condition"],
			"properties": {
				"condition": {"type": "string", "minLength": 1}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"result": {"type": "boolean"}}
		}`),
	}
}

// Execute implements Executor. The engine leaves the condition string
// un-interpolated so ${path} references are rewritten to typed selectors
// instead of coerced text.
func (e *ConditionalExecutor) Execute(_ context.Context, req Request) (any, error) {
	src, _ := req.Config["condition"].(string)
	if src == "" {
		return nil, fault.New(fault.KindValidation, "conditional node requires a condition")
	}
	out, err := evalExpr(src, req.Env)
	if err != nil {
		return nil, err
	}
	result, ok := out.(bool)
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "condition evaluated to %T, want bool", out)
	}
	return map[string]any{"result": result}, nil
}

// evalExpr compiles and runs an expr-lang program against the scope env.
// ${path} references are rewritten to parenthesized selectors first so
// conditions can use the same syntax as interpolated config strings.
func evalExpr(src string, env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}
	program, err := expr.Compile(rewritePlaceholders(src), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "compile expression")
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "evaluate expression")
	}
	return out, nil
}

// rewritePlaceholders turns ${a.b} into (a.b) so expr resolves the path
// against the env instead of treating the marker as syntax.
func rewritePlaceholders(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); {
		if i+1 < len(src) && src[i] == '$' && src[i+1] == '{' {
			if end := strings.IndexByte(src[i+2:], '}'); end >= 0 {
				b.WriteString("(")
				b.WriteString(src[i+2 : i+2+end])
				b.WriteString(")")
				i += end + 3
				continue
			}
		}
		b.WriteByte(src[i])
		i++
	}
	return b.String()
}
