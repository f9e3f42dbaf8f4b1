package events

import (
	"context"
	"sync"

	"github.com/flowmaestro/flowmaestro/telemetry"
)

const defaultQueueLen = 256

type (
	// Hub fans execution events out to per-client bounded queues. A slow
	// client never blocks the publisher: when a client's queue is full the
	// oldest event is dropped and a drop counter is incremented.
	//
	// The hub registers itself on a Bus and filters events per client by
	// owner and, optionally, by execution.
	Hub struct {
		metrics telemetry.Metrics

		mu      sync.Mutex
		clients map[*Client]struct{}
		closed  bool
	}

	// Client is one hub subscriber with a bounded event queue.
	Client struct {
		hub *Hub
		// userID restricts delivery to events owned by this user.
		userID string
		// executionID, when non-empty, restricts delivery to one execution.
		executionID string

		// mu orders deliveries against Close so the queue is never written
		// after it is closed.
		mu     sync.Mutex
		closed bool
		queue  chan Event
	}

	// ClientOption configures a hub client.
	ClientOption func(*Client)
)

// WithExecution restricts the client to events of a single execution.
func WithExecution(executionID string) ClientOption {
	return func(c *Client) { c.executionID = executionID }
}

// WithQueueLen overrides the client queue capacity.
func WithQueueLen(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.queue = make(chan Event, n)
		}
	}
}

// NewHub constructs a hub. Pass telemetry.NewNoopMetrics() when metrics are
// not wired.
func NewHub(metrics telemetry.Metrics) *Hub {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Hub{metrics: metrics, clients: make(map[*Client]struct{})}
}

// HandleEvent implements Subscriber so the hub can be registered on a Bus.
// Delivery never fails: filtered or dropped events are not an error.
func (h *Hub) HandleEvent(_ context.Context, event Event) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.deliver(event, h.metrics)
	}
	return nil
}

// Subscribe registers a client scoped to the given user and returns it.
func (h *Hub) Subscribe(userID string, opts ...ClientOption) *Client {
	c := &Client{hub: h, userID: userID, queue: make(chan Event, defaultQueueLen)}
	for _, opt := range opts {
		opt(c)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.shutdown()
		return c
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Close unregisters every client and closes their queues.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

// Events returns the client's receive channel. The channel is closed when the
// client or the hub is closed.
func (c *Client) Events() <-chan Event {
	return c.queue
}

// Close unregisters the client from the hub. Idempotent.
func (c *Client) Close() {
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	c.hub.mu.Unlock()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// deliver enqueues the event if it passes the client's filters, evicting the
// oldest queued event when the queue is full.
func (c *Client) deliver(event Event, metrics telemetry.Metrics) {
	if c.userID != "" && event.UserID != c.userID {
		return
	}
	if c.executionID != "" && event.ExecutionID != c.executionID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.queue <- event:
			return
		default:
		}
		select {
		case <-c.queue:
			metrics.IncCounter("events_dropped_total", 1, "type", string(event.Type))
		default:
		}
	}
}
