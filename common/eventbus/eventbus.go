package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"gitlab.com/meridian-workflow/meridian/common/logx"
)

// Message is a single event delivered to topic subscribers.
type Message struct {
	Topic string
	Data  []byte
}

// Handler receives messages published to a subscribed topic.
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active topic subscription.  Unsubscribe is
// idempotent and is a no-op if the subscription was already removed.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the event aggregator: cross-branch coordination in the engine
// happens exclusively through messages published here, never through direct
// calls between handler instances.  Delivery is asynchronous: Publish fires
// the message to all current subscribers and returns without waiting for the
// handlers to run.
type Bus interface {
	Subscribe(topic string, fn Handler) (Subscription, error)
	// SubscribeOnce delivers at most one message and then removes itself.
	SubscribeOnce(topic string, fn Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mx     sync.RWMutex
	nextID int64
	topics map[string]map[int64]*memorySub
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	id    int64
	fn    Handler
	once  bool
	fired atomic.Bool
	gone  atomic.Bool
}

// NewMemoryBus constructs an empty in-process event aggregator.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[int64]*memorySub),
	}
}

// Subscribe registers a handler for every message published to topic.
func (b *MemoryBus) Subscribe(topic string, fn Handler) (Subscription, error) { //nolint:ireturn
	return b.subscribe(topic, fn, false), nil
}

// SubscribeOnce registers a handler for the next message published to topic.
func (b *MemoryBus) SubscribeOnce(topic string, fn Handler) (Subscription, error) { //nolint:ireturn
	return b.subscribe(topic, fn, true), nil
}

func (b *MemoryBus) subscribe(topic string, fn Handler, once bool) *memorySub {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.nextID++
	s := &memorySub{bus: b, topic: topic, id: b.nextID, fn: fn, once: once}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int64]*memorySub)
		b.topics[topic] = subs
	}
	subs[s.id] = s
	return s
}

// Publish fires a message to all current subscribers of topic.  Each handler
// runs on its own goroutine so a slow subscriber never blocks the publisher
// or its peers.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mx.RLock()
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for pattern, patternSubs := range b.topics {
		if !topicMatches(pattern, topic) {
			continue
		}
		for _, s := range patternSubs {
			subs = append(subs, s)
		}
	}
	b.mx.RUnlock()

	msg := &Message{Topic: topic, Data: data}
	log := logx.FromContext(ctx)
	log.Debug("publish", "topic", topic, "subscribers", len(subs))
	for _, s := range subs {
		if s.once && !s.fired.CompareAndSwap(false, true) {
			continue
		}
		if s.gone.Load() {
			continue
		}
		if s.once {
			_ = s.Unsubscribe()
		}
		go s.fn(ctx, msg)
	}
	return nil
}

// topicMatches applies NATS subject wildcard semantics to a subscription
// pattern: "*" matches exactly one dot-separated token and ">" matches one
// or more trailing tokens.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")
	for i, p := range pt {
		if p == ">" {
			return len(tt) > i
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}

// Unsubscribe removes the subscription from its topic.
func (s *memorySub) Unsubscribe() error {
	if !s.gone.CompareAndSwap(false, true) {
		return nil
	}
	s.bus.mx.Lock()
	defer s.bus.mx.Unlock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	return nil
}
