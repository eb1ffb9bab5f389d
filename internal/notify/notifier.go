// Package notify delivers search completion events to interested parties.
// Delivery is best effort: the search path never waits on a subscriber.
//
// Implementations:
//   - NoopNotifier: drops every event
//   - ChannelNotifier: in-process fan-out for single-instance deployments
//   - RedisNotifier: PUBLISH/SUBSCRIBE across instances
//   - NATSNotifier: publishes to a NATS subject
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oriys/partsearch/internal/observability"
)

// Event reports that a bulk search finished.
type Event struct {
	RequestID string    `json:"request_id"`
	Scope     string    `json:"scope"`
	KeyCount  int       `json:"key_count"`
	Ready     bool      `json:"ready"` // every key answered without an error entry
	Cached    bool      `json:"cached"`
	At        time.Time `json:"at"`

	Trace observability.TraceContext `json:"trace,omitempty"`
}

// NewEvent stamps an event with the time and the trace carried by ctx.
func NewEvent(ctx context.Context, requestID, scope string, keyCount int, ready, cached bool) Event {
	return Event{
		RequestID: requestID,
		Scope:     scope,
		KeyCount:  keyCount,
		Ready:     ready,
		Cached:    cached,
		At:        time.Now().UTC(),
		Trace:     observability.ExtractTraceContext(ctx),
	}
}

// Context returns ctx carrying the event's trace, so a consumer's spans
// join the search trace.
func (e Event) Context(ctx context.Context) context.Context {
	return observability.InjectTraceContext(ctx, e.Trace)
}

func (e Event) marshal() ([]byte, error) { return json.Marshal(e) }

func unmarshalEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Notifier publishes completion events.
type Notifier interface {
	// Notify publishes ev. It must not block on slow subscribers.
	Notify(ctx context.Context, ev Event) error

	// Subscribe returns a channel of events. The channel is closed when
	// ctx is cancelled or Close is called.
	Subscribe(ctx context.Context) <-chan Event

	// Close releases all resources held by the notifier.
	Close() error
}

// subscriberBuffer is the per-subscriber backlog; events beyond it are dropped.
const subscriberBuffer = 64

// NoopNotifier drops every event.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ Event) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context) <-chan Event {
	// Never written to; closed with ctx so readers don't leak.
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier fans events out to in-process subscribers.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers []chan Event
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{}
}

func (n *ChannelNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers {
		select {
		case ch <- ev:
		default:
			// Non-blocking: a full subscriber misses the event
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subscribers {
			if s == ch {
				n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, ch := range n.subscribers {
		close(ch)
	}
	n.subscribers = nil
	return nil
}
