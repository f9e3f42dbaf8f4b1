package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/workflow"
)

type (
	// Registry maps node type tags to executors and validates definitions
	// against the executors' config schemas.
	Registry struct {
		mu        sync.RWMutex
		executors map[string]Executor
		schemas   map[string]*jsonschema.Schema
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// DefaultRegistry registers every built-in executor against the given
// services.
func DefaultRegistry(svcs Services) *Registry {
	r := NewRegistry()
	r.Register(NewHTTP(svcs.HTTPClient))
	r.Register(NewTransform())
	r.Register(NewConditional())
	r.Register(NewLoop())
	r.Register(NewDatabase(svcs.Store, svcs.Sealer))
	r.Register(NewLLM(svcs.Models))
	r.Register(NewVariable(svcs.Store))
	r.Register(NewUserInput())
	r.Register(NewDelay())
	r.Register(NewIntegration(svcs.Connectors, svcs.Store, svcs.Sealer))
	return r
}

// Register binds an executor under its metadata type, replacing any previous
// binding. Schemas compile lazily on first validation.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Metadata().Type] = e
	delete(r.schemas, e.Metadata().Type)
}

// Get returns the executor for a node type.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[nodeType]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown node type %q", nodeType)
	}
	return e, nil
}

// Types lists the registered node type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}

// Metadata lists the metadata of every registered executor.
func (r *Registry) Metadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e.Metadata())
	}
	return out
}

// ValidateDefinition checks that every node type is registered and that each
// node config matches the executor's input schema. Placeholder strings are
// accepted wherever the schema expects another type, so templates validate
// before interpolation.
func (r *Registry) ValidateDefinition(def *workflow.Definition) error {
	for name, n := range def.Nodes {
		e, err := r.Get(n.Type)
		if err != nil {
			return fault.Newf(fault.KindValidation, "node %q: unknown type %q", name, n.Type)
		}
		sch, err := r.schemaFor(e)
		if err != nil {
			return err
		}
		if sch == nil {
			continue
		}
		cfg := n.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		if hasPlaceholders(cfg) {
			continue
		}
		inst, err := normalize(cfg)
		if err != nil {
			return fmt.Errorf("normalize config of node %q: %w", name, err)
		}
		if err := sch.Validate(inst); err != nil {
			return fault.Wrap(fault.KindValidation, err, fmt.Sprintf("node %q config is invalid", name))
		}
	}
	return nil
}

func (r *Registry) schemaFor(e Executor) (*jsonschema.Schema, error) {
	md := e.Metadata()
	if len(md.InputSchema) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sch, ok := r.schemas[md.Type]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(md.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("parse %s config schema: %w", md.Type, err)
	}
	c := jsonschema.NewCompiler()
	url := "node-" + md.Type + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s config schema: %w", md.Type, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s config schema: %w", md.Type, err)
	}
	r.schemas[md.Type] = sch
	return sch, nil
}

// normalize round-trips a config through JSON so schema validation sees the
// canonical representation (float64 numbers, map[string]any objects).
func normalize(cfg map[string]any) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// hasPlaceholders walks a config template looking for ${...} markers.
func hasPlaceholders(v any) bool {
	switch tv := v.(type) {
	case string:
		for i := 0; i+1 < len(tv); i++ {
			if tv[i] == '$' && tv[i+1] == '{' {
				return true
			}
		}
		return false
	case map[string]any:
		for _, val := range tv {
			if hasPlaceholders(val) {
				return true
			}
		}
		return false
	case []any:
		for _, val := range tv {
			if hasPlaceholders(val) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
