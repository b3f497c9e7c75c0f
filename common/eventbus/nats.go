package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// NatsBus is a Bus implementation backed by a NATS connection, for
// deployments where triggers and task completions arrive from other
// processes.  Topics map directly onto NATS subjects.
//
// Each Subscribe call forms its own queue group with concurrency members, so
// every logical subscription still receives every message exactly once while
// up to concurrency handlers for it run in parallel.
type NatsBus struct {
	conn        *nats.Conn
	concurrency int
}

// NewNatsBus wraps an established NATS connection as an event aggregator.
// Concurrency values below one fall back to a single handler per
// subscription.
func NewNatsBus(conn *nats.Conn, concurrency int) *NatsBus {
	if concurrency < 1 {
		concurrency = 1
	}
	return &NatsBus{conn: conn, concurrency: concurrency}
}

// Subscribe registers a handler for every message published to topic.
func (b *NatsBus) Subscribe(topic string, fn Handler) (Subscription, error) { //nolint:ireturn
	queue := "q-" + nuid.Next()
	subs := make([]*nats.Subscription, 0, b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		sub, err := b.conn.QueueSubscribe(topic, queue, func(m *nats.Msg) {
			fn(context.Background(), &Message{Topic: m.Subject, Data: m.Data})
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	return &natsSub{subs: subs}, nil
}

// SubscribeOnce registers a handler for the next message published to topic.
func (b *NatsBus) SubscribeOnce(topic string, fn Handler) (Subscription, error) { //nolint:ireturn
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		fn(context.Background(), &Message{Topic: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe once to %s: %w", topic, err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		return nil, fmt.Errorf("auto unsubscribe %s: %w", topic, err)
	}
	return &natsSub{subs: []*nats.Subscription{sub}}, nil
}

// Publish fires a message to all current subscribers of topic.
func (b *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

type natsSub struct {
	subs []*nats.Subscription
}

// Unsubscribe removes every queue member of the subscription.
func (s *natsSub) Unsubscribe() error {
	var errs []error
	for _, sub := range s.subs {
		if !sub.IsValid() {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("unsubscribe: %w", errors.Join(errs...))
	}
	return nil
}
