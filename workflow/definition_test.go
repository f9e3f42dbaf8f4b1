package workflow

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/fault"
)

func linearDef() *Definition {
	return &Definition{
		Name: "linear",
		Nodes: map[string]*Node{
			"n1": {Name: "n1", Type: TypeHTTP, Config: map[string]any{"url": "https://example.com"}},
			"n2": {Name: "n2", Type: TypeTransform, Config: map[string]any{"expression": `{"v": 1}`}},
		},
		Edges:      []Edge{{ID: "e1", Source: "n1", Target: "n2"}},
		EntryPoint: "n1",
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	def := linearDef()
	data, err := def.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.EntryPoint, got.EntryPoint)
	assert.Len(t, got.Nodes, 2)
	assert.Equal(t, def.Edges, got.Edges)
}

func TestValidateRejectsUnknownEntryPoint(t *testing.T) {
	def := linearDef()
	def.EntryPoint = "missing"
	err := def.Validate()
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, Edge{ID: "e2", Source: "n2", Target: "ghost"})
	require.Error(t, def.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, Edge{ID: "e2", Source: "n2", Target: "n1"})
	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsBadGotoTarget(t *testing.T) {
	def := linearDef()
	def.Nodes["n1"].OnError = &ErrorPolicy{Strategy: StrategyGoto, GotoNode: "ghost"}
	require.Error(t, def.Validate())
}

func TestValidateFillsNodeNameFromKey(t *testing.T) {
	def := linearDef()
	def.Nodes["n1"].Name = ""
	require.NoError(t, def.Validate())
	assert.Equal(t, "n1", def.Nodes["n1"].Name)
}

func TestSuccessorsHonorHandles(t *testing.T) {
	def := &Definition{
		Name: "branch",
		Nodes: map[string]*Node{
			"c1":  {Name: "c1", Type: TypeConditional},
			"yes": {Name: "yes", Type: TypeTransform},
			"no":  {Name: "no", Type: TypeTransform},
		},
		Edges: []Edge{
			{ID: "e1", Source: "c1", Target: "yes", SourceHandle: HandleTrue},
			{ID: "e2", Source: "c1", Target: "no", SourceHandle: HandleFalse},
		},
		EntryPoint: "c1",
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, []string{"yes"}, def.Successors("c1", HandleTrue))
	assert.Equal(t, []string{"no"}, def.Successors("c1", HandleFalse))
	assert.ElementsMatch(t, []string{"yes", "no"}, def.AllSuccessors("c1"))
	assert.Equal(t, []string{"c1"}, def.Dependencies("yes"))
}

func TestInDegrees(t *testing.T) {
	def := linearDef()
	deg := def.InDegrees()
	assert.Equal(t, 0, deg["n1"])
	assert.Equal(t, 1, deg["n2"])
}

func TestCloneIsIndependent(t *testing.T) {
	def := linearDef()
	cp, err := def.Clone()
	require.NoError(t, err)
	cp.Nodes["n1"].Config["url"] = "https://elsewhere"
	assert.Equal(t, "https://example.com", def.Nodes["n1"].Config["url"])
}

func TestValidateWire(t *testing.T) {
	def := linearDef()
	data, err := def.Encode()
	require.NoError(t, err)
	require.NoError(t, ValidateWire(data))

	assert.Error(t, ValidateWire([]byte(`{"name":"x"}`)))
	assert.Error(t, ValidateWire([]byte(`not json`)))
	assert.Error(t, ValidateWire([]byte(`{"name":"x","entryPoint":"a","edges":[],"nodes":{"a":{"type":"http","onError":{"strategy":"explode"}}}}`)))
}

// TestEncodeDecodeProperty checks the round-trip law over generated linear
// chains of varying length and node naming.
func TestEncodeDecodeProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("decode(encode(def)) preserves the graph", prop.ForAll(
		func(n int) bool {
			def := &Definition{Name: "gen", Nodes: map[string]*Node{}, EntryPoint: nodeName(0)}
			for i := 0; i < n; i++ {
				name := nodeName(i)
				def.Nodes[name] = &Node{Name: name, Type: TypeTransform, Config: map[string]any{"i": float64(i)}}
				if i > 0 {
					def.Edges = append(def.Edges, Edge{
						ID:     "e" + name,
						Source: nodeName(i - 1),
						Target: name,
					})
				}
			}
			data, err := def.Encode()
			if err != nil {
				return false
			}
			got, err := Decode(data)
			if err != nil {
				return false
			}
			if len(got.Nodes) != len(def.Nodes) || len(got.Edges) != len(def.Edges) {
				return false
			}
			return got.EntryPoint == def.EntryPoint
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func nodeName(i int) string {
	return "node" + string(rune('0'+i/10)) + string(rune('0'+i%10))
}
