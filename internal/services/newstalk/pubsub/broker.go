// Package pubsub carries chat payloads between gateway processes over a named
// topic. Delivery is best effort: no retries, no persistence, no ordering
// across publishers.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Topic is the channel every chat message is multiplexed onto.
const Topic = "newsTalk"

// ErrClosed is returned when a broker or subscription has been closed.
var ErrClosed = errors.New("pubsub: closed")

// Broker publishes to and subscribes on named topics. Implementations keep
// publishing and subscribing on separate handles.
type Broker interface {
	// Publish hands payload to the broker. It does not wait for delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the broker has confirmed the subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription yields payloads published on one topic.
type Subscription interface {
	// Messages is closed once the subscription ends.
	Messages() <-chan []byte
	Close() error
}

// Kind names a Broker implementation in configuration.
type Kind string

const (
	KindRedis  Kind = "redis"
	KindNATS   Kind = "nats"
	KindMemory Kind = "memory"
)

// ParseKind maps a configuration value onto a Kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindRedis, KindNATS, KindMemory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown broker %q", raw)
	}
}

// subscriptionBuffer bounds payloads queued between a broker callback and the
// subscription consumer.
const subscriptionBuffer = 256
