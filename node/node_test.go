package node_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/connector"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/model"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/store/inmem"
	"github.com/flowmaestro/flowmaestro/workflow"
)

func TestHTTPExecute(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Ada","tags":["x","y"]}`))
	}))
	defer srv.Close()

	exec := node.NewHTTP(srv.Client())
	out, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{
		"url":     srv.URL + "/users/1",
		"method":  "get",
		"headers": map[string]any{"Authorization": "Bearer tok"},
		"query":   map[string]any{"page": 2},
	}})
	require.NoError(t, err)
	assert.Equal(t, "/users/1", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "2", gotQuery)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, m["status"])
	data, ok := m["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", data["name"])
}

func TestHTTPExecuteJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	exec := node.NewHTTP(srv.Client())
	out, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"name": "Ada"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Ada", gotBody["name"])
	assert.Equal(t, http.StatusCreated, out.(map[string]any)["status"])
}

func TestHTTPExecuteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := node.NewHTTP(srv.Client())
	_, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{"url": srv.URL}})
	require.Error(t, err)
	assert.Equal(t, fault.KindServer, fault.KindOf(err))
	assert.True(t, fault.IsRetryable(err))

	_, err = exec.Execute(context.Background(), node.Request{Config: map[string]any{"url": srv.URL + "/missing", "method": "GET"}})
	require.Error(t, err)
}

func TestHTTPExecuteMissingURL(t *testing.T) {
	exec := node.NewHTTP(nil)
	_, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestTransformExpression(t *testing.T) {
	exec := node.NewTransform()
	env := map[string]any{
		"inputs": map[string]any{"items": []any{1.0, 2.0, 3.0}},
	}
	out, err := exec.Execute(context.Background(), node.Request{
		Config: map[string]any{"expression": "len(${inputs.items})"},
		Env:    env,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestTransformTemplate(t *testing.T) {
	exec := node.NewTransform()
	out, err := exec.Execute(context.Background(), node.Request{
		Config: map[string]any{"template": map[string]any{"greeting": "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hello"}, out)
}

func TestConditionalExecute(t *testing.T) {
	exec := node.NewConditional()
	env := map[string]any{
		"inputs": map[string]any{"source": "api", "count": 7.0},
	}

	out, err := exec.Execute(context.Background(), node.Request{
		Config: map[string]any{"condition": `${inputs.source} == "api" && ${inputs.count} > 5`},
		Env:    env,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true}, out)

	out, err = exec.Execute(context.Background(), node.Request{
		Config: map[string]any{"condition": `${inputs.count} > 100`},
		Env:    env,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": false}, out)
}

func TestConditionalNonBool(t *testing.T) {
	exec := node.NewConditional()
	_, err := exec.Execute(context.Background(), node.Request{
		Config: map[string]any{"condition": `${inputs.count} + 1`},
		Env:    map[string]any{"inputs": map[string]any{"count": 1.0}},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestVariableGlobalSet(t *testing.T) {
	st := inmem.New()
	exec := node.NewVariable(st)
	ctx := context.Background()

	out, err := exec.Execute(ctx, node.Request{
		UserID: "u1",
		Config: map[string]any{"name": "region", "value": "eu-west", "scope": "global"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "region", "scope": "global", "value": "eu-west"}, out)

	got, err := st.Variables().Get(ctx, "u1", "region")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", got)

	// last write wins
	_, err = exec.Execute(ctx, node.Request{
		UserID: "u1",
		Config: map[string]any{"name": "region", "value": "us-east", "scope": "global"},
	})
	require.NoError(t, err)
	got, err = st.Variables().Get(ctx, "u1", "region")
	require.NoError(t, err)
	assert.Equal(t, "us-east", got)
}

func TestVariableWorkflowScopeDirective(t *testing.T) {
	st := inmem.New()
	exec := node.NewVariable(st)

	out, err := exec.Execute(context.Background(), node.Request{
		UserID: "u1",
		Config: map[string]any{"name": "total", "value": 42.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "total", "scope": "workflow", "value": 42.0}, out)

	// workflow scope never reaches the store
	_, err = st.Variables().Get(context.Background(), "u1", "total")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVariableGlobalGet(t *testing.T) {
	st := inmem.New()
	require.NoError(t, st.Variables().Set(context.Background(), "u1", "key", "val"))
	exec := node.NewVariable(st)

	out, err := exec.Execute(context.Background(), node.Request{
		UserID: "u1",
		Config: map[string]any{"name": "key", "scope": "global", "operation": "get"},
	})
	require.NoError(t, err)
	assert.Equal(t, "val", out.(map[string]any)["value"])
}

func TestVariableValidation(t *testing.T) {
	exec := node.NewVariable(inmem.New())
	_, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{"value": 1}})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = exec.Execute(context.Background(), node.Request{Config: map[string]any{"name": "x", "scope": "galactic"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

type fakeConnector struct {
	gotOperation string
	gotParams    map[string]any
	gotCreds     connector.Credentials
}

func (f *fakeConnector) Provider() string { return "crm" }

func (f *fakeConnector) ListOperations() []connector.Operation {
	return []connector.Operation{{ID: "create-contact", Retryable: true}}
}

func (f *fakeConnector) Execute(_ context.Context, operationID string, params map[string]any, creds connector.Credentials) (any, error) {
	f.gotOperation = operationID
	f.gotParams = params
	f.gotCreds = creds
	return map[string]any{"id": "c-1"}, nil
}

func TestIntegrationExecute(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	sealer, err := connector.NewSealer("test-key")
	require.NoError(t, err)
	sealed, err := sealer.Seal(map[string]any{"api_key": "secret"})
	require.NoError(t, err)
	require.NoError(t, st.Connections().CreateIntegration(ctx, &store.IntegrationConnection{
		ID: "conn-1", UserID: "u1", Provider: "crm", Name: "prod crm", Sealed: sealed,
	}))

	fake := &fakeConnector{}
	reg := connector.NewRegistry()
	reg.Register(fake)

	exec := node.NewIntegration(reg, st, sealer)
	out, err := exec.Execute(ctx, node.Request{
		UserID: "u1",
		Config: map[string]any{
			"connection_id": "conn-1",
			"operation":     "create-contact",
			"params":        map[string]any{"email": "ada@example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "c-1"}, out)
	assert.Equal(t, "create-contact", fake.gotOperation)
	assert.Equal(t, "ada@example.com", fake.gotParams["email"])
	assert.Equal(t, "secret", fake.gotCreds["api_key"])
}

func TestIntegrationUnknownOperation(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	sealer, err := connector.NewSealer("test-key")
	require.NoError(t, err)
	sealed, err := sealer.Seal(map[string]any{})
	require.NoError(t, err)
	require.NoError(t, st.Connections().CreateIntegration(ctx, &store.IntegrationConnection{
		ID: "conn-1", UserID: "u1", Provider: "crm", Sealed: sealed,
	}))
	reg := connector.NewRegistry()
	reg.Register(&fakeConnector{})

	exec := node.NewIntegration(reg, st, sealer)
	_, err = exec.Execute(ctx, node.Request{
		UserID: "u1",
		Config: map[string]any{"connection_id": "conn-1", "operation": "delete-universe"},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestIntegrationOtherUserConnection(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	sealer, err := connector.NewSealer("test-key")
	require.NoError(t, err)
	sealed, err := sealer.Seal(map[string]any{})
	require.NoError(t, err)
	require.NoError(t, st.Connections().CreateIntegration(ctx, &store.IntegrationConnection{
		ID: "conn-1", UserID: "u1", Provider: "crm", Sealed: sealed,
	}))
	reg := connector.NewRegistry()
	reg.Register(&fakeConnector{})

	exec := node.NewIntegration(reg, st, sealer)
	_, err = exec.Execute(ctx, node.Request{
		UserID: "u2",
		Config: map[string]any{"connection_id": "conn-1", "operation": "create-contact"},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeModel struct {
	got  model.Request
	resp model.Response
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	f.got = req
	return f.resp, nil
}

func TestLLMExecute(t *testing.T) {
	fake := &fakeModel{resp: model.Response{
		Text:       "summary",
		Model:      "claude-sonnet-4-5",
		StopReason: "end_turn",
		Usage:      model.Usage{InputTokens: 12, OutputTokens: 4},
	}}
	reg := model.NewRegistry()
	reg.Register("anthropic", fake)

	exec := node.NewLLM(reg)
	out, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{
		"provider":    "anthropic",
		"model":       "claude-sonnet-4-5",
		"system":      "Be terse.",
		"prompt":      "Summarize the report.",
		"temperature": 0.2,
		"maxTokens":   256.0,
	}})
	require.NoError(t, err)

	require.Len(t, fake.got.Messages, 2)
	assert.Equal(t, model.RoleSystem, fake.got.Messages[0].Role)
	assert.Equal(t, model.RoleUser, fake.got.Messages[1].Role)
	assert.Equal(t, float32(0.2), fake.got.Temperature)
	assert.Equal(t, 256, fake.got.MaxTokens)

	m := out.(map[string]any)
	assert.Equal(t, "summary", m["text"])
	assert.Equal(t, "end_turn", m["stop_reason"])
	usage := m["usage"].(map[string]any)
	assert.Equal(t, 12, usage["input_tokens"])
}

func TestLLMUnknownProvider(t *testing.T) {
	exec := node.NewLLM(model.NewRegistry())
	_, err := exec.Execute(context.Background(), node.Request{Config: map[string]any{
		"provider": "nope", "prompt": "hi",
	}})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMarkersReturnDeadlock(t *testing.T) {
	for _, e := range []node.Executor{node.NewLoop(), node.NewUserInput(), node.NewDelay()} {
		_, err := e.Execute(context.Background(), node.Request{})
		require.Error(t, err, e.Metadata().Type)
		assert.Equal(t, fault.KindDeadlock, fault.KindOf(err), e.Metadata().Type)
	}
}

func TestRegistryValidateDefinition(t *testing.T) {
	reg := node.DefaultRegistry(node.Services{})

	def := &workflow.Definition{
		EntryPoint: "fetch",
		Nodes: map[string]*workflow.Node{
			"fetch": {Type: "http", Config: map[string]any{"url": "https://example.com"}},
			"route": {Type: "conditional", Config: map[string]any{"condition": "${fetch.status} == 200"}},
		},
		Edges: []workflow.Edge{{Source: "fetch", Target: "route"}},
	}
	require.NoError(t, reg.ValidateDefinition(def))
}

func TestRegistryValidateDefinitionUnknownType(t *testing.T) {
	reg := node.DefaultRegistry(node.Services{})
	def := &workflow.Definition{
		EntryPoint: "n1",
		Nodes:      map[string]*workflow.Node{"n1": {Type: "teleport"}},
	}
	err := reg.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRegistryValidateDefinitionBadConfig(t *testing.T) {
	reg := node.DefaultRegistry(node.Services{})
	def := &workflow.Definition{
		EntryPoint: "n1",
		Nodes: map[string]*workflow.Node{
			// url missing and no placeholders, so the schema applies
			"n1": {Type: "http", Config: map[string]any{"method": "GET"}},
		},
	}
	err := reg.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRegistryValidateDefinitionSkipsTemplates(t *testing.T) {
	reg := node.DefaultRegistry(node.Services{})
	def := &workflow.Definition{
		EntryPoint: "n1",
		Nodes: map[string]*workflow.Node{
			// placeholder means the config only resolves at run time
			"n1": {Type: "http", Config: map[string]any{"url": "${inputs.target}", "method": "BOGUS"}},
		},
	}
	require.NoError(t, reg.ValidateDefinition(def))
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := node.NewRegistry()
	_, err := reg.Get("http")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
