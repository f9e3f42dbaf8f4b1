// Package workflow defines the workflow graph model: typed nodes, directed
// edges, the entry point, and execution settings. It owns the JSON wire
// format used by the API and the snapshot store, plus the graph queries the
// runtime needs (successors, dependency counts, acyclicity).
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/flowmaestro/flowmaestro/fault"
)

// Node type tags supported by the built-in executor registry.
const (
	TypeHTTP        = "http"
	TypeTransform   = "transform"
	TypeConditional = "conditional"
	TypeLoop        = "loop"
	TypeDatabase    = "database-query"
	TypeLLM         = "llm"
	TypeVariable    = "variable"
	TypeUserInput   = "user-input"
	TypeDelay       = "delay"
	TypeIntegration = "integration-operation"
)

// Error-policy strategies. The runtime applies the strategy after the retry
// budget for retryable errors is exhausted.
const (
	StrategyFail     = "fail"
	StrategyContinue = "continue"
	StrategyFallback = "fallback"
	StrategyGoto     = "goto"
)

// Conditional output handles. A conditional node emits its result on exactly
// one of the two handles; edges carrying the other handle label are pruned.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

type (
	// Definition is a directed acyclic workflow graph. Nodes are keyed by
	// name; edges encode execution dependencies. Exactly one node is the
	// entry point.
	Definition struct {
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Nodes maps node name to its definition.
		Nodes map[string]*Node `json:"nodes"`
		// Edges is the dependency set. Order is not significant.
		Edges []Edge `json:"edges"`
		// EntryPoint names the node dispatched first.
		EntryPoint string `json:"entryPoint"`
		// Settings holds optional execution-wide knobs.
		Settings *Settings `json:"settings,omitempty"`
	}

	// Node is one step of a workflow.
	Node struct {
		// Name is unique within the workflow and doubles as the output key
		// under which the node's result is exposed to later nodes.
		Name string `json:"name"`
		// Type selects the executor from the registry.
		Type string `json:"type"`
		// Config is the executor-specific configuration template. String
		// values may contain ${path} placeholders resolved at dispatch time.
		Config map[string]any `json:"config"`
		// Position is the node's 2D placement in the builder UI.
		Position Position `json:"position"`
		// OnError overrides the default fail strategy for this node.
		OnError *ErrorPolicy `json:"onError,omitempty"`
	}

	// Position is the builder-UI placement of a node.
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Edge is a directed dependency from Source to Target. SourceHandle
	// labels which output handle of the source the edge follows (used by
	// conditional nodes); empty means the default handle.
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle,omitempty"`
	}

	// ErrorPolicy declares how a node failure is handled after retries.
	ErrorPolicy struct {
		// Strategy is one of fail, continue, fallback, goto.
		Strategy string `json:"strategy"`
		// FallbackValue is the static output used by the fallback strategy.
		FallbackValue any `json:"fallbackValue,omitempty"`
		// GotoNode is the jump target used by the goto strategy.
		GotoNode string `json:"gotoNode,omitempty"`
	}

	// Settings holds optional execution-wide limits.
	Settings struct {
		// Timeout bounds the whole execution, in seconds. Zero means the
		// engine default applies.
		Timeout int `json:"timeout,omitempty"`
		// MaxConcurrentNodes caps concurrently dispatched nodes within one
		// execution. Zero means unbounded.
		MaxConcurrentNodes int `json:"maxConcurrentNodes,omitempty"`
		// EnableCache opts the execution into node-result caching.
		EnableCache bool `json:"enableCache,omitempty"`
	}
)

// Decode parses the JSON wire format into a Definition and validates the
// graph structure.
func Decode(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "malformed workflow definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Encode serializes the definition into the JSON wire format.
func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// Validate checks graph-structure invariants: a non-empty node set, a known
// entry point, node names consistent with their map keys, edges referencing
// known nodes, recognized error strategies, and acyclicity.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fault.New(fault.KindValidation, "workflow has no nodes")
	}
	if d.EntryPoint == "" {
		return fault.New(fault.KindValidation, "workflow has no entry point")
	}
	if _, ok := d.Nodes[d.EntryPoint]; !ok {
		return fault.Newf(fault.KindValidation, "entry point %q is not a node", d.EntryPoint)
	}
	for name, n := range d.Nodes {
		if n == nil {
			return fault.Newf(fault.KindValidation, "node %q is null", name)
		}
		if n.Name == "" {
			n.Name = name
		} else if n.Name != name {
			return fault.Newf(fault.KindValidation, "node key %q does not match node name %q", name, n.Name)
		}
		if n.Type == "" {
			return fault.Newf(fault.KindValidation, "node %q has no type", name)
		}
		if p := n.OnError; p != nil {
			switch p.Strategy {
			case StrategyFail, StrategyContinue, StrategyFallback:
			case StrategyGoto:
				if _, ok := d.Nodes[p.GotoNode]; !ok {
					return fault.Newf(fault.KindValidation, "node %q goto target %q is not a node", name, p.GotoNode)
				}
			default:
				return fault.Newf(fault.KindValidation, "node %q has unknown error strategy %q", name, p.Strategy)
			}
		}
	}
	for _, e := range d.Edges {
		if _, ok := d.Nodes[e.Source]; !ok {
			return fault.Newf(fault.KindValidation, "edge %q references unknown source %q", e.ID, e.Source)
		}
		if _, ok := d.Nodes[e.Target]; !ok {
			return fault.Newf(fault.KindValidation, "edge %q references unknown target %q", e.ID, e.Target)
		}
	}
	if cycle := d.findCycle(); len(cycle) > 0 {
		return fault.Newf(fault.KindValidation, "workflow contains a cycle through %v", cycle)
	}
	return nil
}

// Successors returns the names of nodes reachable from the given node over
// edges matching the handle. An edge with an empty SourceHandle matches any
// handle; an edge with a non-empty SourceHandle matches only that handle.
func (d *Definition) Successors(node, handle string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Source != node {
			continue
		}
		if e.SourceHandle != "" && e.SourceHandle != handle {
			continue
		}
		out = append(out, e.Target)
	}
	return out
}

// AllSuccessors returns every downstream neighbor regardless of handle.
func (d *Definition) AllSuccessors(node string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Source == node {
			out = append(out, e.Target)
		}
	}
	return out
}

// Dependencies returns the names of nodes with an edge into the given node.
func (d *Definition) Dependencies(node string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Target == node {
			out = append(out, e.Source)
		}
	}
	return out
}

// InDegrees returns the inbound edge count per node.
func (d *Definition) InDegrees() map[string]int {
	deg := make(map[string]int, len(d.Nodes))
	for name := range d.Nodes {
		deg[name] = 0
	}
	for _, e := range d.Edges {
		deg[e.Target]++
	}
	return deg
}

// findCycle runs Kahn's algorithm and returns the node names left
// unprocessed when a cycle exists, or nil for acyclic graphs.
func (d *Definition) findCycle() []string {
	deg := d.InDegrees()
	queue := make([]string, 0, len(deg))
	for name, n := range deg {
		if n == 0 {
			queue = append(queue, name)
		}
	}
	seen := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		seen++
		for _, succ := range d.AllSuccessors(cur) {
			deg[succ]--
			if deg[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if seen == len(d.Nodes) {
		return nil
	}
	var cycle []string
	for name, n := range deg {
		if n > 0 {
			cycle = append(cycle, name)
		}
	}
	return cycle
}

// Clone returns a deep copy of the definition via the wire codec. Snapshot
// creation uses this to guarantee the stored bytes cannot alias the mutable
// workflow row.
func (d *Definition) Clone() (*Definition, error) {
	data, err := d.Encode()
	if err != nil {
		return nil, fmt.Errorf("clone workflow definition: %w", err)
	}
	return Decode(data)
}
