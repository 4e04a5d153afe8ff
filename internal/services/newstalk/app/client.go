package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/assetplanner/newstalk/internal/platform/timeouts"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
)

// sendQueueSize bounds frames waiting for one client's writer. A client that
// falls this far behind is evicted.
const sendQueueSize = 64

// client is one websocket connection. The gateway loop owns its membership;
// the writer goroutine owns the socket's write side.
type client struct {
	id       string
	identity session.Identity
	locale   string
	conn     *websocket.Conn
	encoder  *json.Encoder
	logger   zerolog.Logger

	mu     sync.Mutex
	send   chan wsFrame
	closed bool

	writerDone chan struct{}
}

func newClient(conn *websocket.Conn, identity session.Identity, acceptLanguage string, logger zerolog.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:         id,
		identity:   identity,
		locale:     acceptLanguage,
		conn:       conn,
		encoder:    json.NewEncoder(conn),
		logger:     logger.With().Str("conn", id).Str("session", identity.SessionID).Logger(),
		send:       make(chan wsFrame, sendQueueSize),
		writerDone: make(chan struct{}),
	}
}

// enqueue queues frame without blocking. It reports false when the client is
// closed or its queue is full.
func (c *client) enqueue(frame wsFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops accepting frames. The writer flushes what is queued and then
// closes the socket.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	defer func() {
		_ = c.conn.Close()
	}()

	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.WriteFrame))
		if err := c.encoder.Encode(frame); err != nil {
			c.logger.Debug().Err(err).Str("frame", frame.Type).Msg("websocket write failed")
			c.close()
			for range c.send {
			}
			return
		}
	}
}
