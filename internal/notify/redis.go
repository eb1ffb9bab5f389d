package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/logging"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "partsearch:search:done"

// RedisNotifier broadcasts events to every instance subscribed to the
// channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	mu      sync.Mutex
	subs    []*redisSub
	closed  bool
}

type redisSub struct {
	ch     chan Event
	cancel context.CancelFunc
}

// NewRedisNotifier creates a Redis-backed notifier. An empty channel uses
// DefaultRedisChannel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Notify publishes ev as JSON.
func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := ev.marshal()
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

// Subscribe forwards decoded events from the channel until ctx is
// cancelled or the notifier is closed. Only the forwarding goroutine
// sends on or closes the returned channel.
func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs = append(n.subs, rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, n.channel)

	go func() {
		defer pubsub.Close()
		defer n.removeSub(rs)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				ev, err := unmarshalEvent([]byte(msg.Payload))
				if err != nil {
					logging.Op().Warn("dropping malformed search event", "channel", n.channel, "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-subCtx.Done():
					return
				default:
					// Non-blocking: a full subscriber misses the event
				}
			}
		}
	}()

	return ch
}

// Close cancels every subscription; each forwarding goroutine closes its
// channel on the way out.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	return nil
}

func (n *RedisNotifier) removeSub(target *redisSub) {
	n.mu.Lock()
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	target.cancel()
	close(target.ch)
}
