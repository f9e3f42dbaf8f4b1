package trigger_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store"
	storeinmem "github.com/flowmaestro/flowmaestro/store/inmem"
	"github.com/flowmaestro/flowmaestro/trigger"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []runtime.StartRequest
	err  error
}

func (f *fakeStarter) Start(_ context.Context, req runtime.StartRequest) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &store.Execution{
		ID:         fmt.Sprintf("ex-%d", len(f.reqs)),
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		Status:     store.StatusPending,
	}, nil
}

func (f *fakeStarter) requests() []runtime.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.StartRequest(nil), f.reqs...)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func seedWebhookTrigger(t *testing.T, sup *trigger.Supervisor, cfg map[string]any) *store.Trigger {
	t.Helper()
	trig := &store.Trigger{
		WorkflowID: "wf-1",
		UserID:     "u1",
		Kind:       store.TriggerWebhook,
		Name:       "hook",
		Config:     cfg,
		IsActive:   true,
	}
	require.NoError(t, sup.Create(context.Background(), trig))
	return trig
}

func TestWebhookAcceptsSignedRequest(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	sup := trigger.New(st, starter)
	trig := seedWebhookTrigger(t, sup, map[string]any{})
	secret := trig.Config["secret"].(string)
	require.NotEmpty(t, secret, "webhook triggers must always carry a secret")

	body := []byte(`{"order":42}`)
	req := httptest.NewRequest("POST", "/hooks/wf-1/"+trig.ID+"?src=test", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(trigger.DefaultSignatureHeader, sign(secret, body))
	rec := httptest.NewRecorder()

	sup.ServeWebhook(rec, req, "wf-1", trig.ID)

	require.Equal(t, 200, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "wf-1", reqs[0].WorkflowID)
	assert.Equal(t, string(store.TriggerWebhook), reqs[0].TriggerKind)
	assert.Equal(t, "POST", reqs[0].Inputs["method"])
	assert.Equal(t, map[string]any{"order": float64(42)}, reqs[0].Inputs["body"])
	assert.Equal(t, "test", reqs[0].Inputs["query"].(map[string]string)["src"])

	logs, err := st.Triggers().ListWebhookLogs(context.Background(), trig.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 200, logs[0].ResponseStatus)
	assert.NotEmpty(t, logs[0].ExecutionID)
	assert.Equal(t, "/hooks/wf-1/"+trig.ID, logs[0].Path)
	assert.Equal(t, "192.0.2.1", logs[0].SourceIP)
	assert.Contains(t, string(logs[0].ResponseBody), "executionId")
	assert.Greater(t, logs[0].Duration, time.Duration(0))

	cur, err := st.Triggers().Get(context.Background(), "u1", trig.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.FireCount)
}

func TestWebhookBadSignature(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	sup := trigger.New(st, starter)
	trig := seedWebhookTrigger(t, sup, map[string]any{})

	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "/hooks/wf-1/"+trig.ID, bytes.NewReader(body))
	req.Header.Set(trigger.DefaultSignatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()

	sup.ServeWebhook(rec, req, "wf-1", trig.ID)

	require.Equal(t, 401, rec.Code)
	assert.Empty(t, starter.requests(), "no execution may start on signature mismatch")

	logs, err := st.Triggers().ListWebhookLogs(context.Background(), trig.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 401, logs[0].ResponseStatus)
	assert.Empty(t, logs[0].ExecutionID)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	sup := trigger.New(st, starter)
	trig := seedWebhookTrigger(t, sup, map[string]any{"method": "POST"})

	req := httptest.NewRequest("GET", "/hooks/wf-1/"+trig.ID, nil)
	rec := httptest.NewRecorder()
	sup.ServeWebhook(rec, req, "wf-1", trig.ID)

	assert.Equal(t, 405, rec.Code)
	assert.Empty(t, starter.requests())
}

func TestWebhookUnknownTriggerStillLogged(t *testing.T) {
	st := storeinmem.New()
	sup := trigger.New(st, &fakeStarter{})

	req := httptest.NewRequest("POST", "/hooks/wf-1/nope", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	sup.ServeWebhook(rec, req, "wf-1", "nope")

	assert.Equal(t, 404, rec.Code)
	logs, err := st.Triggers().ListWebhookLogs(context.Background(), "nope", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 404, logs[0].ResponseStatus)
}

func TestWebhookCeilingFailsFast(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	bus := events.NewBus()
	sup := trigger.New(st, starter,
		trigger.WithEventBus(bus),
		trigger.WithAdmissionCeiling(1),
	)
	require.NoError(t, sup.Run(context.Background()))
	defer sup.Close()

	trig := seedWebhookTrigger(t, sup, map[string]any{"skip_signature": true})

	deliver := func() int {
		req := httptest.NewRequest("POST", "/hooks/wf-1/"+trig.ID, bytes.NewReader([]byte("{}")))
		rec := httptest.NewRecorder()
		sup.ServeWebhook(rec, req, "wf-1", trig.ID)
		return rec.Code
	}

	assert.Equal(t, 200, deliver())
	assert.Equal(t, 503, deliver(), "over the ceiling webhooks fail fast, never queue")

	// a terminal execution event frees the slot
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:   events.ExecutionCompleted,
		UserID: "u1",
	}))
	assert.Equal(t, 200, deliver())
}

func TestScheduleValidation(t *testing.T) {
	st := storeinmem.New()
	sup := trigger.New(st, &fakeStarter{})

	err := sup.Create(context.Background(), &store.Trigger{
		WorkflowID: "wf-1",
		UserID:     "u1",
		Kind:       store.TriggerSchedule,
		Config:     map[string]any{"cron": "not a cron"},
		IsActive:   true,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	good := &store.Trigger{
		WorkflowID: "wf-1",
		UserID:     "u1",
		Kind:       store.TriggerSchedule,
		Config:     map[string]any{"cron": "*/5 * * * *", "timezone": "UTC"},
		IsActive:   true,
	}
	require.NoError(t, sup.Create(context.Background(), good))
	require.NoError(t, sup.Delete(context.Background(), "u1", good.ID))
}

func TestEventTriggerFires(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	bus := events.NewBus()
	sup := trigger.New(st, starter, trigger.WithEventBus(bus))

	trig := &store.Trigger{
		WorkflowID: "wf-target",
		UserID:     "u1",
		Kind:       store.TriggerEvent,
		Config:     map[string]any{"topic": "execution.completed"},
		IsActive:   true,
	}
	require.NoError(t, sup.Create(context.Background(), trig))
	require.NoError(t, sup.Run(context.Background()))
	defer sup.Close()

	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:        events.ExecutionCompleted,
		ExecutionID: "ex-src",
		WorkflowID:  "wf-other",
		UserID:      "u1",
		Timestamp:   time.Now(),
	}))

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "wf-target", reqs[0].WorkflowID)
	assert.Equal(t, string(store.TriggerEvent), reqs[0].TriggerKind)
	event, ok := reqs[0].Inputs["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ex-src", event["execution_id"])

	// other users' events never match
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:   events.ExecutionCompleted,
		UserID: "u2",
	}))
	assert.Len(t, starter.requests(), 1)

	// events from the trigger's own workflow never match, they would loop
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:       events.ExecutionCompleted,
		WorkflowID: "wf-target",
		UserID:     "u1",
	}))
	assert.Len(t, starter.requests(), 1)

	cur, err := st.Triggers().Get(context.Background(), "u1", trig.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.FireCount)

	fires, err := st.Triggers().ListTriggerExecutions(context.Background(), trig.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, fires, 1)
	assert.Equal(t, "fired", fires[0].Status)
}

func TestDeletedEventTriggerStopsFiring(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	bus := events.NewBus()
	sup := trigger.New(st, starter, trigger.WithEventBus(bus))

	trig := &store.Trigger{
		WorkflowID: "wf-target",
		UserID:     "u1",
		Kind:       store.TriggerEvent,
		Config:     map[string]any{"topic": "execution.completed"},
		IsActive:   true,
	}
	require.NoError(t, sup.Create(context.Background(), trig))
	require.NoError(t, sup.Run(context.Background()))
	defer sup.Close()

	require.NoError(t, sup.Delete(context.Background(), "u1", trig.ID))
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:       events.ExecutionCompleted,
		WorkflowID: "wf-other",
		UserID:     "u1",
	}))
	assert.Empty(t, starter.requests())
}

func TestManualFire(t *testing.T) {
	st := storeinmem.New()
	starter := &fakeStarter{}
	sup := trigger.New(st, starter)

	trig := &store.Trigger{
		WorkflowID: "wf-1",
		UserID:     "u1",
		Kind:       store.TriggerManual,
		IsActive:   true,
	}
	require.NoError(t, sup.Create(context.Background(), trig))

	ex, err := sup.Fire(context.Background(), "u1", trig.ID, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotNil(t, ex)

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{"k": "v"}, reqs[0].Inputs)
	assert.Equal(t, string(store.TriggerManual), reqs[0].TriggerKind)
}

func TestManualFireRejectsWrongKind(t *testing.T) {
	st := storeinmem.New()
	sup := trigger.New(st, &fakeStarter{})
	trig := seedWebhookTrigger(t, sup, map[string]any{})

	_, err := sup.Fire(context.Background(), "u1", trig.ID, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
