package watch

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus delivers collection-change notifications to live-query subscribers.
// Every mutation of a collection publishes a change signal; subscribers
// re-evaluate their query on each signal.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Subscription is a scoped resource owned by the subscribing screen.
// Cancel must be called on teardown; after Cancel nothing is delivered.
type Subscription struct {
	C <-chan struct{}

	once   sync.Once
	cancel func()
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects the change bus to Redis.
func NewRedisBus(addr, password, prefix string) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("watch bus redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "securedocs:watch"
	}
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Publish signals a change on the topic.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	return b.client.Publish(ctx, b.channel(topic), "1").Err()
}

// Subscribe starts delivering change signals for the topic.
// Signals are coalesced: a slow consumer sees at least one signal for any
// burst of changes, which is sufficient for requery-based live views.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	// Force the subscribe round-trip so a mutation right after this call
	// cannot be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return &Subscription{
		C: out,
		cancel: func() {
			close(done)
			_ = pubsub.Close()
		},
	}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

// MemoryBus is an in-process Bus for tests and local runs.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int
}

// NewMemoryBus initializes an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan struct{})}
}

// Publish signals a change on the topic.
func (b *MemoryBus) Publish(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe starts delivering change signals for the topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan struct{})
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
		},
	}, nil
}
