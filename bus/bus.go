// Package bus fans realtime envelopes out across hub instances, one pub/sub
// topic per document. Delivery is at-least-once to subscribers, unordered
// across topics and best-effort within one; the CRDT layer above is
// commutative and tolerates both.
//
// Originator suppression is the gateway's job, not the bus's: every envelope
// carries the originating socket id so each receiving instance can skip that
// socket on local fan-out.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ChannelPrefix namespaces per-document topics in the cache store.
const ChannelPrefix = "channel:"

// Envelope is the message format on the wire between instances. Data is the
// already-shaped payload delivered to clients, forwarded byte-for-byte.
type Envelope struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin"` // socket id of the originating connection
	Data   json.RawMessage `json:"data"`
}

// Handler receives every envelope published on a subscribed document topic,
// including the subscriber's own publications.
type Handler func(documentID string, env Envelope)

// Bus publishes and subscribes document topics on the cache store.
type Bus struct {
	client *redis.Client
	logger *logrus.Logger
}

// New creates a bus on the shared cache-store client.
func New(client *redis.Client, logger *logrus.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

func channelName(documentID string) string {
	return ChannelPrefix + documentID
}

// Publish sends an envelope to every instance subscribed to the document's
// topic, including this one.
func (b *Bus) Publish(ctx context.Context, documentID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(documentID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channelName(documentID), err)
	}
	return nil
}

// Subscription is an explicit handle for one document topic. The owning
// gateway closes it when its last local session for the document departs.
type Subscription struct {
	pubsub    *redis.PubSub
	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe attaches a handler to the document's topic. The returned handle
// owns the underlying pub/sub connection; delivery stops when it is closed.
func (b *Bus) Subscribe(ctx context.Context, documentID string, handler Handler) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelName(documentID))

	// Confirm the subscription before reporting success so membership
	// invariants hold the moment this returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channelName(documentID), err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping unreadable bus envelope")
				continue
			}
			handler(strings.TrimPrefix(msg.Channel, ChannelPrefix), env)
		}
	}()

	return sub, nil
}

// Close unsubscribes and stops delivery. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
