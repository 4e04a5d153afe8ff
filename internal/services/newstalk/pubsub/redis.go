package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/assetplanner/newstalk/internal/platform/logging"
)

// Redis is a Broker over Redis PUBLISH/SUBSCRIBE. A subscribed connection
// cannot issue other commands, so subscriptions run on a duplicate client.
type Redis struct {
	pub    *redis.Client
	sub    *redis.Client
	owned  bool
	logger zerolog.Logger
	closed atomic.Bool
}

// NewRedis publishes on client and subscribes on a duplicate built from its
// options. Close only closes the duplicate; client stays with the caller.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		pub:    client,
		sub:    redis.NewClient(client.Options()),
		logger: logging.Component(logger, "pubsub.redis"),
	}
}

// DialRedis connects to url (redis://host:port/db) and verifies it with PING.
func DialRedis(ctx context.Context, url string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	r := NewRedis(client, logger)
	r.owned = true
	return r, nil
}

// Publish issues PUBLISH topic payload.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.pub.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe issues SUBSCRIBE topic and waits for the confirmation reply.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	ps := r.sub.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	s := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go s.pump(ps.Channel())
	r.logger.Debug().Str("topic", topic).Msg("subscribed")
	return s, nil
}

// Close releases the subscriber client, and the publisher when DialRedis
// created it.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.sub.Close()
	if r.owned {
		err = errors.Join(err, r.pub.Close())
	}
	return err
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}
