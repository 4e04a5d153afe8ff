package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNATS routes published data to handlers synchronously.
type fakeNATS struct {
	mu         sync.Mutex
	handlers   map[string][]nats.MsgHandler
	publishErr error
	flushErr   error
	closed     bool
	unsubbed   int
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{handlers: make(map[string][]nats.MsgHandler)}
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	handlers := append([]nats.MsgHandler(nil), f.handlers[subject]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(&nats.Msg{Subject: subject, Data: append([]byte(nil), data...)})
	}
	return nil
}

func (f *fakeNATS) FlushWithContext(context.Context) error {
	return f.flushErr
}

func (f *fakeNATS) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNATS) subscribe(subject string, handler nats.MsgHandler) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = append(f.handlers[subject], handler)
	idx := len(f.handlers[subject]) - 1
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubbed++
		if f.closed {
			return nats.ErrConnectionClosed
		}
		f.handlers[subject][idx] = func(*nats.Msg) {}
		return nil
	}, nil
}

func TestNATSPublishSubscribe(t *testing.T) {
	conn := newFakeNATS()
	broker := newNATS(conn, zerolog.Nop())
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, Topic)
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, Topic, []byte("payload")))
	assert.Equal(t, "payload", string(receive(t, sub)))

	require.NoError(t, sub.Close())
	assert.Equal(t, 1, conn.unsubbed)
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	// Unsubscribed handlers no longer deliver.
	require.NoError(t, broker.Publish(ctx, Topic, []byte("late")))
}

func TestNATSPublishError(t *testing.T) {
	conn := newFakeNATS()
	conn.publishErr = errors.New("boom")
	broker := newNATS(conn, zerolog.Nop())

	err := broker.Publish(context.Background(), Topic, []byte("x"))
	assert.ErrorContains(t, err, "nats publish newsTalk")
}

func TestNATSFlushFailureUnsubscribes(t *testing.T) {
	conn := newFakeNATS()
	conn.flushErr = errors.New("timeout")
	broker := newNATS(conn, zerolog.Nop())

	_, err := broker.Subscribe(context.Background(), Topic)
	require.Error(t, err)
	assert.Equal(t, 1, conn.unsubbed)
}

func TestNATSCloseIsBenignForOpenSubscriptions(t *testing.T) {
	conn := newFakeNATS()
	broker := newNATS(conn, zerolog.Nop())
	sub, err := broker.Subscribe(context.Background(), Topic)
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	assert.True(t, conn.closed)
	assert.NoError(t, sub.Close())

	assert.ErrorIs(t, broker.Publish(context.Background(), Topic, nil), ErrClosed)
	_, err = broker.Subscribe(context.Background(), Topic)
	assert.ErrorIs(t, err, ErrClosed)
}
