package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/api"
	engineinmem "github.com/flowmaestro/flowmaestro/engine/inmem"
	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store"
	storeinmem "github.com/flowmaestro/flowmaestro/store/inmem"
	"github.com/flowmaestro/flowmaestro/trigger"
)

const testJWTSecret = "api-test-secret"

const simpleDefinition = `{
	"name": "greet",
	"nodes": {
		"start": {"name": "start", "type": "transform", "config": {"template": {"greeting": "hello"}}},
		"end": {"name": "end", "type": "transform", "config": {"template": "${start.greeting}"}}
	},
	"edges": [{"id": "e1", "source": "start", "target": "end"}],
	"entryPoint": "start"
}`

const renamedDefinition = `{
	"name": "greet-v2",
	"nodes": {
		"start": {"name": "start", "type": "transform", "config": {"template": {"greeting": "goodbye"}}},
		"end": {"name": "end", "type": "transform", "config": {"template": "${start.greeting}"}}
	},
	"edges": [{"id": "e1", "source": "start", "target": "end"}],
	"entryPoint": "start"
}`

type harness struct {
	t     *testing.T
	st    store.Store
	srv   *httptest.Server
	token string
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storeinmem.New()
	bus := events.NewBus()
	hub := events.NewHub(nil)
	_, err := bus.Register(hub)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	reg := node.DefaultRegistry(node.Services{Store: st})
	rt := runtime.New(engineinmem.New(), st, reg,
		runtime.WithEventBus(bus),
		runtime.WithRetryBackoff(5*time.Millisecond),
	)
	require.NoError(t, rt.Register(context.Background()))

	sup := trigger.New(st, rt, trigger.WithEventBus(bus))
	require.NoError(t, sup.Run(context.Background()))
	t.Cleanup(func() { _ = sup.Close() })

	srv := api.New(st, rt, sup, hub, testJWTSecret, api.WithNodeRegistry(reg))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{t: t, st: st, srv: ts, token: signToken(t, "u1")}
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

// do issues a request with the harness token and decodes the envelope.
func (h *harness) do(method, path string, body string) (int, apiEnvelope) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer res.Body.Close()
	var env apiEnvelope
	require.NoError(h.t, json.NewDecoder(res.Body).Decode(&env))
	return res.StatusCode, env
}

func (h *harness) createWorkflow(def string) *store.Workflow {
	h.t.Helper()
	status, env := h.do(http.MethodPost, "/api/workflows",
		fmt.Sprintf(`{"name": "greet", "definition": %s}`, def))
	require.Equal(h.t, http.StatusCreated, status)
	var wf store.Workflow
	require.NoError(h.t, json.Unmarshal(env.Data, &wf))
	return &wf
}

func (h *harness) awaitStatus(executionID string, want store.ExecutionStatus) *store.Execution {
	h.t.Helper()
	var ex *store.Execution
	require.Eventually(h.t, func() bool {
		var err error
		ex, err = h.st.Executions().Get(context.Background(), "u1", executionID)
		return err == nil && ex.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return ex
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/workflows", nil)
	require.NoError(t, err)
	res, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var env apiEnvelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "auth", env.Error.Code)
}

func TestAuthRejectsForgedToken(t *testing.T) {
	h := newHarness(t)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	raw, err := forged.SignedString([]byte("some other secret"))
	require.NoError(t, err)
	h.token = raw

	status, env := h.do(http.MethodGet, "/api/workflows", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "auth", env.Error.Code)
}

func TestWorkflowCreateValidates(t *testing.T) {
	h := newHarness(t)

	status, env := h.do(http.MethodPost, "/api/workflows",
		`{"name": "broken", "definition": {"name": "x", "nodes": {}, "edges": [], "entryPoint": "a"}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation", env.Error.Code)
}

func TestWorkflowLifecycleAndVersions(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)
	assert.Equal(t, 1, wf.Version)

	// creation writes snapshot #1
	status, env := h.do(http.MethodGet, "/api/workflows/"+wf.ID+"/versions", "")
	require.Equal(t, http.StatusOK, status)
	var versions []*store.Version
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Number)

	// a definition change bumps the counter and snapshots again
	status, env = h.do(http.MethodPut, "/api/workflows/"+wf.ID,
		fmt.Sprintf(`{"definition": %s}`, renamedDefinition))
	require.Equal(t, http.StatusOK, status)
	var updated store.Workflow
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, 2, updated.Version)

	status, env = h.do(http.MethodGet, "/api/workflows/"+wf.ID+"/versions", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	require.Len(t, versions, 2)

	// explicit labeled snapshot
	status, _ = h.do(http.MethodPost, "/api/workflows/"+wf.ID+"/versions", `{"label": "before cleanup"}`)
	require.Equal(t, http.StatusCreated, status)

	status, env = h.do(http.MethodGet, "/api/workflows/"+wf.ID+"/versions", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	require.Len(t, versions, 3)

	var labeled *store.Version
	for _, v := range versions {
		if v.Number == 3 {
			labeled = v
		}
	}
	require.NotNil(t, labeled)
	assert.Equal(t, "before cleanup", labeled.Label)

	// rename
	status, _ = h.do(http.MethodPost, "/api/workflows/versions/rename/"+labeled.ID, `{"label": "release"}`)
	require.Equal(t, http.StatusOK, status)
	status, env = h.do(http.MethodGet, "/api/workflows/versions/"+labeled.ID, "")
	require.Equal(t, http.StatusOK, status)
	var got store.Version
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "release", got.Label)

	// the current snapshot cannot be deleted
	status, env = h.do(http.MethodDelete, "/api/workflows/versions/"+labeled.ID, "")
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "conflict", env.Error.Code)

	// historical snapshots can
	var first *store.Version
	for _, v := range versions {
		if v.Number == 1 {
			first = v
		}
	}
	require.NotNil(t, first)
	status, _ = h.do(http.MethodDelete, "/api/workflows/versions/"+first.ID, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestRevertDoesNotTouchPinnedExecutions(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/executions",
		fmt.Sprintf(`{"workflow_id": %q}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &ex))
	assert.Equal(t, 1, ex.VersionNumber)
	h.awaitStatus(ex.ID, store.StatusCompleted)

	// move to v2 then revert back to v1 content
	status, _ = h.do(http.MethodPut, "/api/workflows/"+wf.ID,
		fmt.Sprintf(`{"definition": %s}`, renamedDefinition))
	require.Equal(t, http.StatusOK, status)

	status, env = h.do(http.MethodGet, "/api/workflows/"+wf.ID+"/versions", "")
	require.Equal(t, http.StatusOK, status)
	var versions []*store.Version
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	var v1 *store.Version
	for _, v := range versions {
		if v.Number == 1 {
			v1 = v
		}
	}
	require.NotNil(t, v1)

	status, env = h.do(http.MethodPost, "/api/workflows/versions/revert/"+v1.ID, "")
	require.Equal(t, http.StatusOK, status)
	var reverted store.Workflow
	require.NoError(t, json.Unmarshal(env.Data, &reverted))
	assert.Equal(t, 3, reverted.Version)
	assert.JSONEq(t, simpleDefinition, string(reverted.Definition))

	// the finished execution keeps its pinned version
	after, err := h.st.Executions().Get(context.Background(), "u1", ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.VersionNumber)
}

func TestExecutionLifecycle(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/executions",
		fmt.Sprintf(`{"workflow_id": %q, "inputs": {"who": "world"}}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &ex))
	h.awaitStatus(ex.ID, store.StatusCompleted)

	status, env = h.do(http.MethodGet, "/api/executions/"+ex.ID, "")
	require.Equal(t, http.StatusOK, status)
	var desc struct {
		Execution *store.Execution `json:"execution"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &desc))
	require.NotNil(t, desc.Execution)
	assert.Equal(t, store.StatusCompleted, desc.Execution.Status)

	status, env = h.do(http.MethodGet, "/api/executions/"+ex.ID+"/logs", "")
	require.Equal(t, http.StatusOK, status)
	var logs []*store.ExecutionLog
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.NotEmpty(t, logs)

	// paging by sequence skips what was already seen
	last := logs[len(logs)-1].Sequence
	status, env = h.do(http.MethodGet, fmt.Sprintf("/api/executions/%s/logs?after=%d", ex.ID, last), "")
	require.Equal(t, http.StatusOK, status)
	var rest []*store.ExecutionLog
	require.NoError(t, json.Unmarshal(env.Data, &rest))
	assert.Empty(t, rest)

	status, env = h.do(http.MethodGet, "/api/executions?status=completed", "")
	require.Equal(t, http.StatusOK, status)
	var rows []*store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, ex.ID, rows[0].ID)
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/executions",
		fmt.Sprintf(`{"workflow_id": %q}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &ex))
	h.awaitStatus(ex.ID, store.StatusCompleted)

	status, env = h.do(http.MethodPost, "/api/executions/"+ex.ID+"/cancel", `{"reason": "too late"}`)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestTriggerCRUD(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/triggers", fmt.Sprintf(
		`{"workflow_id": %q, "kind": "schedule", "name": "nightly", "config": {"cron": "0 3 * * *"}}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var tr store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, store.TriggerSchedule, tr.Kind)

	status, env = h.do(http.MethodPost, "/api/triggers", fmt.Sprintf(
		`{"workflow_id": %q, "kind": "schedule", "config": {"cron": "not a cron"}}`, wf.ID))
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation", env.Error.Code)

	status, env = h.do(http.MethodGet, "/api/triggers?workflow_id="+wf.ID, "")
	require.Equal(t, http.StatusOK, status)
	var rows []*store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 1)

	status, _ = h.do(http.MethodPut, "/api/triggers/"+tr.ID, `{"name": "weekly", "config": {"cron": "0 3 * * 1"}}`)
	require.Equal(t, http.StatusOK, status)
	status, env = h.do(http.MethodGet, "/api/triggers/"+tr.ID, "")
	require.Equal(t, http.StatusOK, status)
	var got store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "weekly", got.Name)

	status, _ = h.do(http.MethodDelete, "/api/triggers/"+tr.ID, "")
	require.Equal(t, http.StatusOK, status)
	status, env = h.do(http.MethodGet, "/api/triggers/"+tr.ID, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestManualTriggerFire(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/triggers", fmt.Sprintf(
		`{"workflow_id": %q, "kind": "manual", "name": "run now"}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var tr store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &tr))

	status, env = h.do(http.MethodPost, "/api/executions",
		fmt.Sprintf(`{"trigger_id": %q, "inputs": {"who": "ops"}}`, tr.ID))
	require.Equal(t, http.StatusCreated, status)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &ex))
	assert.Equal(t, store.TriggerManual, ex.TriggerKind)
	assert.Equal(t, tr.ID, ex.TriggerID)
	h.awaitStatus(ex.ID, store.StatusCompleted)

	status, env = h.do(http.MethodGet, "/api/triggers/"+tr.ID, "")
	require.Equal(t, http.StatusOK, status)
	var fired store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &fired))
	assert.Equal(t, int64(1), fired.FireCount)
}

func TestWebhookRoute(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	status, env := h.do(http.MethodPost, "/api/triggers", fmt.Sprintf(
		`{"workflow_id": %q, "kind": "webhook", "config": {}}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var tr store.Trigger
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	secret, _ := tr.Config["secret"].(string)
	require.NotEmpty(t, secret)

	body := []byte(`{"order": 42}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/hooks/%s/%s", h.srv.URL, wf.ID, tr.ID), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	res, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	var hookEnv struct {
		Success bool `json:"success"`
		Data    struct {
			ExecutionID string `json:"executionId"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&hookEnv))
	assert.True(t, hookEnv.Success)
	require.NotEmpty(t, hookEnv.Data.ExecutionID)
	h.awaitStatus(hookEnv.Data.ExecutionID, store.StatusCompleted)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(simpleDefinition)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	assert.NotEmpty(t, hello.ConnectionID)

	status, env := h.do(http.MethodPost, "/api/executions",
		fmt.Sprintf(`{"workflow_id": %q}`, wf.ID))
	require.Equal(t, http.StatusCreated, status)
	var ex store.Execution
	require.NoError(t, json.Unmarshal(env.Data, &ex))
	h.awaitStatus(ex.ID, store.StatusCompleted)

	seen := map[string]bool{}
	for !seen[string(events.ExecutionCompleted)] {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame struct {
			Type  string       `json:"type"`
			Event string       `json:"event"`
			Data  events.Event `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, "event", frame.Type)
		assert.Equal(t, ex.ID, frame.Data.ExecutionID)
		seen[frame.Event] = true
	}
	assert.True(t, seen[string(events.ExecutionStarted)])
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
