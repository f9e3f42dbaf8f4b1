package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/store"
)

func TestWorkflowScopingAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	wf := &store.Workflow{UserID: "alice", Name: "wf", Definition: json.RawMessage(`{"name":"wf"}`), Version: 1}
	require.NoError(t, s.Workflows().Create(ctx, wf))
	require.NotEmpty(t, wf.ID)

	_, err := s.Workflows().Get(ctx, "bob", wf.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Workflows().Get(ctx, "alice", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf", got.Name)

	require.NoError(t, s.Workflows().SoftDelete(ctx, "alice", wf.ID))
	_, err = s.Workflows().Get(ctx, "alice", wf.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.Workflows().List(ctx, "alice", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVersionSnapshotsAreByteStable(t *testing.T) {
	ctx := context.Background()
	s := New()

	def := json.RawMessage(`{"name":"wf","entryPoint":"n1"}`)
	v := &store.Version{WorkflowID: "wf-1", UserID: "alice", Number: 1, Definition: def}
	require.NoError(t, s.Versions().Create(ctx, v))

	// mutating the caller's slice must not affect the stored snapshot
	def[2] = 'X'

	got, err := s.Versions().GetByNumber(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"wf","entryPoint":"n1"}`, string(got.Definition))

	// duplicate numbers conflict
	err = s.Versions().Create(ctx, &store.Version{WorkflowID: "wf-1", UserID: "alice", Number: 1, Definition: def})
	assert.Error(t, err)
}

func TestVersionRenameKeepsBytes(t *testing.T) {
	ctx := context.Background()
	s := New()

	v := &store.Version{WorkflowID: "wf-1", UserID: "alice", Number: 1, Definition: json.RawMessage(`{"name":"wf"}`)}
	require.NoError(t, s.Versions().Create(ctx, v))
	require.NoError(t, s.Versions().Rename(ctx, "alice", v.ID, "stable"))

	got, err := s.Versions().Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, "stable", got.Label)
	assert.JSONEq(t, `{"name":"wf"}`, string(got.Definition))
}

func TestExecutionStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := &store.Execution{WorkflowID: "wf-1", UserID: "alice", VersionNumber: 1}
	require.NoError(t, s.Executions().Create(ctx, e))
	assert.Equal(t, store.StatusPending, e.Status)

	now := time.Now().UTC()
	require.NoError(t, s.Executions().UpdateStatus(ctx, e.ID, store.StatusUpdate{
		Status:    store.StatusRunning,
		StartedAt: &now,
	}))
	done := now.Add(time.Second)
	require.NoError(t, s.Executions().UpdateStatus(ctx, e.ID, store.StatusUpdate{
		Status:      store.StatusCompleted,
		Outputs:     map[string]any{"n1": "ok"},
		CompletedAt: &done,
	}))

	got, err := s.Executions().Get(ctx, "alice", e.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "ok", got.Outputs["n1"])
}

func TestAppendLogIsIdempotentBySequence(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Executions().AppendLog(ctx, &store.ExecutionLog{
			ExecutionID: "e1",
			Sequence:    1,
			Level:       store.LogInfo,
			Message:     "node started",
		}))
	}
	require.NoError(t, s.Executions().AppendLog(ctx, &store.ExecutionLog{
		ExecutionID: "e1",
		Sequence:    2,
		Level:       store.LogInfo,
		Message:     "node completed",
	}))

	logs, err := s.Executions().ListLogs(ctx, "e1", store.LogFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(1), logs[0].Sequence)
	assert.Equal(t, int64(2), logs[1].Sequence)

	// cursor paging
	logs, err = s.Executions().ListLogs(ctx, "e1", store.LogFilter{AfterSequence: 1}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "node completed", logs[0].Message)
}

func TestListLogsFiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := int64(1); i <= 6; i++ {
		level := store.LogInfo
		if i%2 == 0 {
			level = store.LogWarn
		}
		require.NoError(t, s.Executions().AppendLog(ctx, &store.ExecutionLog{
			ExecutionID: "e1",
			Sequence:    i,
			Level:       level,
			Node:        "fetch",
			Message:     "entry",
		}))
	}

	// the limit bounds matching rows, not scanned rows
	logs, err := s.Executions().ListLogs(ctx, "e1", store.LogFilter{Level: store.LogWarn}, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(2), logs[0].Sequence)
	assert.Equal(t, int64(4), logs[1].Sequence)

	logs, err = s.Executions().ListLogs(ctx, "e1", store.LogFilter{Level: store.LogWarn, AfterSequence: 4}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(6), logs[0].Sequence)

	logs, err = s.Executions().ListLogs(ctx, "e1", store.LogFilter{Node: "other"}, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestTriggerFireCountIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	s := New()

	tr := &store.Trigger{WorkflowID: "wf-1", UserID: "alice", Kind: store.TriggerSchedule, IsActive: true, Config: map[string]any{"cron": "* * * * *"}}
	require.NoError(t, s.Triggers().Create(ctx, tr))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Triggers().IncrementFireCount(ctx, tr.ID, time.Now().UTC()))
	}
	got, err := s.Triggers().Get(ctx, "alice", tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.FireCount)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestTriggerSoftDeleteHidesFromWebhookLookup(t *testing.T) {
	ctx := context.Background()
	s := New()

	tr := &store.Trigger{WorkflowID: "wf-1", UserID: "alice", Kind: store.TriggerWebhook, IsActive: true}
	require.NoError(t, s.Triggers().Create(ctx, tr))

	_, err := s.Triggers().GetForWebhook(ctx, "wf-1", tr.ID)
	require.NoError(t, err)

	require.NoError(t, s.Triggers().SoftDelete(ctx, "alice", tr.ID))
	_, err = s.Triggers().GetForWebhook(ctx, "wf-1", tr.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWebhookLogAlwaysAppends(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Triggers().AppendWebhookLog(ctx, &store.WebhookLog{
		WorkflowID:     "wf-1",
		TriggerID:      "t1",
		Method:         "POST",
		ResponseStatus: 401,
		Error:          "invalid signature",
	}))
	logs, err := s.Triggers().ListWebhookLogs(ctx, "t1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 401, logs[0].ResponseStatus)
}

func TestGlobalVariablesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Variables().Set(ctx, "alice", "region", "us"))
	require.NoError(t, s.Variables().Set(ctx, "alice", "region", "eu"))

	v, err := s.Variables().Get(ctx, "alice", "region")
	require.NoError(t, err)
	assert.Equal(t, "eu", v)

	// per-user isolation
	_, err = s.Variables().Get(ctx, "bob", "region")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Variables().Delete(ctx, "alice", "region"))
	_, err = s.Variables().Get(ctx, "alice", "region")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnectionsStoreSealedOnly(t *testing.T) {
	ctx := context.Background()
	s := New()

	dc := &store.DatabaseConnection{UserID: "alice", Name: "analytics", Driver: "postgres", Sealed: []byte{1, 2, 3}}
	require.NoError(t, s.Connections().CreateDatabase(ctx, dc))
	got, err := s.Connections().GetDatabase(ctx, "alice", dc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Sealed)

	ic := &store.IntegrationConnection{UserID: "alice", Provider: "slack", Name: "team", Sealed: []byte{9}}
	require.NoError(t, s.Connections().CreateIntegration(ctx, ic))
	list, err := s.Connections().ListIntegrations(ctx, "alice", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "slack", list[0].Provider)
}
