package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowmaestro/flowmaestro/events"
)

type (
	// SinkOptions configures the Pulse event sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client Client
		// StreamName derives the target stream from an event. Defaults to
		// exec/<execution_id>.
		StreamName func(events.Event) (string, error)
	}

	// Sink publishes bus events into per-execution Pulse streams. It
	// implements events.Subscriber and is safe for concurrent use.
	Sink struct {
		client     Client
		streamName func(events.Event) (string, error)
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Sink{client: opts.Client, streamName: name}, nil
}

// HandleEvent publishes the event to its execution stream.
func (s *Sink) HandleEvent(ctx context.Context, event events.Event) error {
	streamName, err := s.streamName(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamName)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := handle.Add(ctx, string(event.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamName(event events.Event) (string, error) {
	if event.ExecutionID == "" {
		return "", errors.New("event missing execution id")
	}
	return "exec/" + event.ExecutionID, nil
}
