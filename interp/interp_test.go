package interp

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/fault"
)

func testScope() *Scope {
	return NewScope().
		Push(FrameInputs, map[string]any{"source": "crm", "limit": float64(10)}).
		Push(FrameOutputs, map[string]any{
			"n1": map[string]any{
				"data": map[string]any{
					"name":  "Ada",
					"tags":  []any{"a", "b", "c"},
					"score": 12.5,
					"admin": true,
					"meta":  nil,
				},
			},
		}).
		Push(FrameVariables, map[string]any{"region": "eu"})
}

func TestEvalSinglePlaceholderPreservesType(t *testing.T) {
	e := New(testScope())

	v, err := e.Eval("${inputs.limit}")
	require.NoError(t, err)
	assert.Equal(t, float64(10), v)

	v, err = e.Eval("${n1.data.admin}")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Eval("${n1.data}")
	require.NoError(t, err)
	_, isMap := v.(map[string]any)
	assert.True(t, isMap)
}

func TestEvalMixedTextCoercion(t *testing.T) {
	e := New(testScope())

	v, err := e.Eval("hello ${n1.data.name} from ${variables.region}")
	require.NoError(t, err)
	assert.Equal(t, "hello Ada from eu", v)

	// integral floats render without a fraction
	v, err = e.Eval("limit=${inputs.limit}")
	require.NoError(t, err)
	assert.Equal(t, "limit=10", v)

	v, err = e.Eval("score=${n1.data.score}")
	require.NoError(t, err)
	assert.Equal(t, "score=12.5", v)

	// null renders empty
	v, err = e.Eval("m=${n1.data.meta}!")
	require.NoError(t, err)
	assert.Equal(t, "m=!", v)

	// composites render as compact JSON
	v, err = e.Eval("tags=${n1.data.tags}")
	require.NoError(t, err)
	assert.Equal(t, `tags=["a","b","c"]`, v)
}

func TestEvalArrayIndexing(t *testing.T) {
	e := New(testScope())

	v, err := e.Eval("${n1.data.tags[1]}")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	// out of range resolves empty in lax mode
	v, err = e.Eval("${n1.data.tags[9]}")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestFirstSegmentResolution(t *testing.T) {
	e := New(testScope())

	// frame name wins over key search
	v, err := e.Eval("${inputs.source}")
	require.NoError(t, err)
	assert.Equal(t, "crm", v)

	// bare node reference found by key search across frames
	v, err = e.Eval("${n1.data.name}")
	require.NoError(t, err)
	assert.Equal(t, "Ada", v)
}

func TestLaxModeWarnsAndSubstitutesEmpty(t *testing.T) {
	var warned []string
	e := New(testScope(), WithWarn(func(p string) { warned = append(warned, p) }))

	v, err := e.Eval("x=${ghost.value}y")
	require.NoError(t, err)
	assert.Equal(t, "x=y", v)
	assert.Equal(t, []string{"ghost.value"}, warned)
}

func TestStrictModeFailsUnresolved(t *testing.T) {
	e := New(testScope(), Strict())
	_, err := e.Eval("${ghost.value}")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMalformedPaths(t *testing.T) {
	e := New(testScope())
	for _, s := range []string{"${}", "${a..b}", "${[0]}", "${a[x]}", "${a[-1]}"} {
		_, err := e.Eval(s)
		assert.Error(t, err, s)
	}

	// unterminated placeholder is literal text
	v, err := e.Eval("${not closed")
	require.NoError(t, err)
	assert.Equal(t, "${not closed", v)
}

func TestEvalValueDeep(t *testing.T) {
	e := New(testScope())
	cfg := map[string]any{
		"url":  "https://api/${variables.region}/leads",
		"body": map[string]any{"name": "${n1.data.name}", "n": float64(3)},
		"list": []any{"${inputs.source}", "static"},
	}
	out, err := e.EvalValue(cfg)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "https://api/eu/leads", m["url"])
	assert.Equal(t, "Ada", m["body"].(map[string]any)["name"])
	assert.Equal(t, float64(3), m["body"].(map[string]any)["n"])
	assert.Equal(t, []any{"crm", "static"}, m["list"])
}

func TestLoopFrameShadowing(t *testing.T) {
	s := testScope().Push(FrameLoop, map[string]any{"item": "x", "index": float64(2)})
	e := New(s)

	v, err := e.Eval("${loop.item}")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	// fork isolates pushed frames from siblings
	f := s.Fork()
	f.Pop()
	_, err = New(f).Eval("${loop.item}")
	require.NoError(t, err)
}

// TestLiteralPassThroughProperty checks that strings without placeholders
// always evaluate to themselves.
func TestLiteralPassThroughProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)
	e := New(NewScope())

	properties.Property("placeholder-free strings are identity", prop.ForAll(
		func(s string) bool {
			if containsPlaceholder(s) {
				return true
			}
			v, err := e.Eval(s)
			return err == nil && v == s
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func containsPlaceholder(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '{' {
			return true
		}
	}
	return false
}
