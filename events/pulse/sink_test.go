package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/flowmaestro/flowmaestro/events"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
	}

	fakeStream struct {
		added []addedEvent
	}

	addedEvent struct {
		name    string
		payload []byte
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.added = append(s.added, addedEvent{name: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (Reader, error) {
	return nil, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func TestSinkPublishesToExecutionStream(t *testing.T) {
	fc := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: fc})
	require.NoError(t, err)

	evt := events.Event{
		Type:        events.NodeCompleted,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        "n1",
		Timestamp:   time.Now().UTC(),
		Payload:     map[string]any{"status": "completed"},
	}
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	s := fc.streams["exec/exec-1"]
	require.NotNil(t, s)
	require.Len(t, s.added, 1)
	assert.Equal(t, string(events.NodeCompleted), s.added[0].name)

	var got events.Event
	require.NoError(t, json.Unmarshal(s.added[0].payload, &got))
	assert.Equal(t, "n1", got.Node)
	assert.Equal(t, "wf-1", got.WorkflowID)
}

func TestSinkRejectsMissingExecutionID(t *testing.T) {
	sink, err := NewSink(SinkOptions{Client: newFakeClient()})
	require.NoError(t, err)
	assert.Error(t, sink.HandleEvent(context.Background(), events.Event{Type: events.NodeStarted}))
}

func TestSinkRequiresClient(t *testing.T) {
	_, err := NewSink(SinkOptions{})
	assert.Error(t, err)
}
