package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/assetplanner/newstalk/internal/platform/logging"
)

// natsConn is the slice of *nats.Conn the broker needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
	subscribe(subject string, handler nats.MsgHandler) (unsubscribe func() error, err error)
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) subscribe(subject string, handler nats.MsgHandler) (func() error, error) {
	sub, err := a.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// NATS is a Broker over core NATS subjects.
type NATS struct {
	conn   natsConn
	logger zerolog.Logger
	closed atomic.Bool
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url string, logger zerolog.Logger) (*NATS, error) {
	logger = logging.Component(logger, "pubsub.nats")
	conn, err := nats.Connect(url,
		nats.Name("newstalk"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATS(natsConnAdapter{conn}, logger), nil
}

func newNATS(conn natsConn, logger zerolog.Logger) *NATS {
	return &NATS{conn: conn, logger: logger}
}

// Publish sends payload on subject topic.
func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if err := n.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers interest in topic and flushes so the server has
// processed it before returning.
func (n *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	s := &natsSubscription{
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	unsubscribe, err := n.conn.subscribe(topic, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	s.unsubscribe = unsubscribe
	if err := n.conn.FlushWithContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("nats flush subscription %s: %w", topic, err)
	}
	n.logger.Debug().Str("topic", topic).Msg("subscribed")
	return s, nil
}

// Close drops the connection.
func (n *NATS) Close() error {
	if n.closed.CompareAndSwap(false, true) {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	unsubscribe func() error
	out         chan []byte
	done        chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// handle runs on the nats dispatcher goroutine.
func (s *natsSubscription) handle(msg *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg.Data:
	case <-s.done:
	}
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *natsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			err := s.unsubscribe()
			if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				s.closeErr = fmt.Errorf("nats unsubscribe: %w", err)
			}
		}
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
	return s.closeErr
}
