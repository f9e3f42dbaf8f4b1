package workflow

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowmaestro/flowmaestro/fault"
)

// wireSchema is the JSON Schema for the definition wire format. Structural
// graph invariants (entry point exists, edges reference nodes, acyclicity)
// are enforced by Definition.Validate; the schema rejects shape errors with
// precise paths before decoding.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "nodes", "edges", "entryPoint"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "entryPoint": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "onError": {
            "type": "object",
            "required": ["strategy"],
            "properties": {
              "strategy": {"enum": ["fail", "continue", "fallback", "goto"]},
              "fallbackValue": {},
              "gotoNode": {"type": "string"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": "string"}
        }
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "timeout": {"type": "integer", "minimum": 0},
        "maxConcurrentNodes": {"type": "integer", "minimum": 0},
        "enableCache": {"type": "boolean"}
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func definitionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(wireSchema))
		if err != nil {
			compileErr = fmt.Errorf("parse definition schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow-definition.json", doc); err != nil {
			compileErr = fmt.Errorf("add definition schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile("workflow-definition.json")
	})
	return compiled, compileErr
}

// ValidateWire checks raw definition bytes against the wire-format schema.
// It reports shape violations with JSON-pointer paths; callers still run
// Decode afterwards for graph-structure validation.
func ValidateWire(data []byte) error {
	sch, err := definitionSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "definition is not valid JSON")
	}
	if err := sch.Validate(inst); err != nil {
		return fault.Wrap(fault.KindValidation, err, "definition does not match wire format")
	}
	return nil
}
