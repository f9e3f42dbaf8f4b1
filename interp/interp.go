// Package interp resolves ${path.to.value} placeholders in node configuration
// against a layered variable scope. The language is pure lookup: dotted
// selectors with array indexing, no function calls, no side effects, and
// case-sensitive resolution.
//
// Evaluation follows the two-phase design of the builder: a scanner finds
// placeholders, and each placeholder's path is compiled once into a sequence
// of field/index steps applied to the scope.
package interp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowmaestro/flowmaestro/fault"
)

type (
	// Evaluator resolves placeholder strings against a scope.
	Evaluator struct {
		scope *Scope
		// strict fails resolution on unresolved paths instead of
		// substituting an empty string.
		strict bool
		// warn is invoked for each unresolved path in lax mode.
		warn func(path string)
	}

	// Option configures an Evaluator.
	Option func(*Evaluator)

	// step is one compiled selector operation.
	step struct {
		field string
		index int
		isIdx bool
	}
)

// Strict makes unresolved paths fail evaluation with a validation fault.
func Strict() Option {
	return func(e *Evaluator) { e.strict = true }
}

// WithWarn registers a callback invoked once per unresolved path when the
// evaluator runs in the default lax mode.
func WithWarn(fn func(path string)) Option {
	return func(e *Evaluator) { e.warn = fn }
}

// New constructs an evaluator over the given scope.
func New(scope *Scope, opts ...Option) *Evaluator {
	e := &Evaluator{scope: scope}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval resolves a single string. A string that is exactly one placeholder
// evaluates to the referenced value with its type preserved; a string mixing
// text and placeholders evaluates to the concatenation with each substitution
// coerced to its canonical textual form.
func (e *Evaluator) Eval(s string) (any, error) {
	spans := scan(s)
	if len(spans) == 0 {
		return s, nil
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(s) {
		v, ok, err := e.resolve(spans[0].path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return "", nil
		}
		return v, nil
	}
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(s[prev:sp.start])
		v, ok, err := e.resolve(sp.path)
		if err != nil {
			return nil, err
		}
		if ok {
			b.WriteString(Stringify(v))
		}
		prev = sp.end
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

// EvalValue deep-resolves a config value: strings are interpolated, maps and
// slices are walked recursively, and every other type passes through.
func (e *Evaluator) EvalValue(v any) (any, error) {
	switch tv := v.(type) {
	case string:
		return e.Eval(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			r, err := e.EvalValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			r, err := e.EvalValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolve evaluates one compiled path against the scope. The boolean reports
// whether the path resolved; in strict mode unresolved paths return an error
// instead.
func (e *Evaluator) resolve(path string) (any, bool, error) {
	steps, err := compile(path)
	if err != nil {
		return nil, false, err
	}
	cur, ok := e.scope.lookup(steps[0].field)
	if ok {
		for _, st := range steps[1:] {
			if st.isIdx {
				cur, ok = indexInto(cur, st.index)
			} else {
				cur, ok = fieldOf(cur, st.field)
			}
			if !ok {
				break
			}
		}
	}
	if !ok {
		if e.strict {
			return nil, false, fault.Newf(fault.KindValidation, "unresolved reference %q", path)
		}
		if e.warn != nil {
			e.warn(path)
		}
		return nil, false, nil
	}
	return cur, true, nil
}

type span struct {
	start, end int
	path       string
}

// scan locates ${...} placeholders. Unterminated placeholders are treated as
// literal text.
func scan(s string) []span {
	var spans []span
	for i := 0; i+1 < len(s); {
		if s[i] == '$' && s[i+1] == '{' {
			close := strings.IndexByte(s[i+2:], '}')
			if close < 0 {
				break
			}
			end := i + 2 + close + 1
			spans = append(spans, span{start: i, end: end, path: s[i+2 : end-1]})
			i = end
			continue
		}
		i++
	}
	return spans
}

// compile parses a dotted selector with array indexing (a.b[2].c) into steps.
// The first step is always a field step naming the scope root.
func compile(path string) ([]step, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fault.New(fault.KindValidation, "empty reference path")
	}
	var steps []step
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, fault.Newf(fault.KindValidation, "malformed reference path %q", path)
		}
		field := seg
		var idxParts []int
		for {
			open := strings.IndexByte(field, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(field, ']')
			if closeIdx < open {
				return nil, fault.Newf(fault.KindValidation, "malformed index in reference path %q", path)
			}
			n, err := strconv.Atoi(field[open+1 : closeIdx])
			if err != nil || n < 0 {
				return nil, fault.Newf(fault.KindValidation, "invalid array index in reference path %q", path)
			}
			idxParts = append(idxParts, n)
			field = field[:open] + field[closeIdx+1:]
		}
		if field == "" && len(steps) == 0 {
			return nil, fault.Newf(fault.KindValidation, "reference path %q cannot start with an index", path)
		}
		if field != "" {
			steps = append(steps, step{field: field})
		}
		for _, n := range idxParts {
			steps = append(steps, step{index: n, isIdx: true})
		}
	}
	if len(steps) == 0 || steps[0].isIdx {
		return nil, fault.Newf(fault.KindValidation, "malformed reference path %q", path)
	}
	return steps, nil
}

func fieldOf(v any, field string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := m[field]
	return out, ok
}

func indexInto(v any, idx int) (any, bool) {
	arr, ok := v.([]any)
	if !ok || idx >= len(arr) {
		return nil, false
	}
	return arr[idx], true
}

// Stringify renders a value in its canonical textual form for mixed-text
// substitution: strings pass through, integral floats drop the fraction,
// null renders empty, and composites render as compact JSON.
func Stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		if tv == float64(int64(tv)) {
			return strconv.FormatInt(int64(tv), 10)
		}
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case json.Number:
		return tv.String()
	default:
		data, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(data)
	}
}
