package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/oriys/partsearch/internal/logging"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Subject string        `json:"subject" yaml:"subject"`
	Name    string        `json:"name" yaml:"name"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultNATSSubject is the subject events are published on.
const DefaultNATSSubject = "partsearch.search.done"

// ErrNotConnected is returned when the NATS connection is down.
var ErrNotConnected = errors.New("nats: not connected")

// NATSNotifier publishes events to a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string

	mu     sync.Mutex
	subs   []*nats.Subscription
	stops  []func()
	closed bool
}

// NewNATSNotifier connects to the server. The connection reconnects on its
// own; events published while disconnected are buffered by the client.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "partsearch"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Op().Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Op().Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSNotifierFromConn(conn, cfg.Subject), nil
}

// NewNATSNotifierFromConn wraps an existing connection. Close closes it.
func NewNATSNotifierFromConn(conn *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	if n.conn == nil || n.conn.IsClosed() {
		return ErrNotConnected
	}
	data, err := ev.marshal()
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, data)
}

func (n *NATSNotifier) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch
	}

	var (
		chMu   sync.Mutex
		closed bool
	)
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		ev, err := unmarshalEvent(msg.Data)
		if err != nil {
			logging.Op().Warn("dropping malformed search event", "subject", n.subject, "error", err)
			return
		}
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			// Non-blocking: a full subscriber misses the event
		}
	})
	if err != nil {
		logging.Op().Error("nats subscribe failed", "subject", n.subject, "error", err)
		close(ch)
		return ch
	}
	n.subs = append(n.subs, sub)

	stop := func() {
		chMu.Lock()
		defer chMu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		stop()
	}()
	n.stops = append(n.stops, stop)
	return ch
}

func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	for _, stop := range n.stops {
		stop()
	}
	n.subs, n.stops = nil, nil
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}
