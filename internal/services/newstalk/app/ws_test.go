package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/assetplanner/newstalk/internal/services/newstalk/presence"
	"github.com/assetplanner/newstalk/internal/services/newstalk/pubsub"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
)

var testNow = time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)

type wsTestFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsTestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// headerResolver binds the session named in X-Session (and X-User) so tests
// can open several tabs of one session.
type headerResolver struct{}

func (headerResolver) Resolve(r *http.Request) (session.Identity, error) {
	sid := r.Header.Get("X-Session")
	if sid == "" {
		return session.Identity{}, session.ErrNoSession
	}
	return session.Identity{SessionID: sid, UserID: r.Header.Get("X-User")}, nil
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(*http.Request) (session.Identity, error) {
	return session.Identity{}, f.err
}

func newTestGateway(t *testing.T, capacity int, policy presence.Policy, broker pubsub.Broker) *Gateway {
	t.Helper()
	registry, err := presence.NewRegistry(capacity, policy)
	require.NoError(t, err)
	g, err := NewGateway(GatewayConfig{
		Registry: registry,
		Broker:   broker,
		Logger:   zerolog.Nop(),
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return g
}

func startGateway(t *testing.T, capacity int, policy presence.Policy, broker pubsub.Broker) *Gateway {
	t.Helper()
	g := newTestGateway(t, capacity, policy, broker)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	select {
	case <-g.Ready():
	case err := <-runErr:
		t.Fatalf("gateway exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not subscribe")
	}
	return g
}

func serveGateway(t *testing.T, g *Gateway, resolver session.Resolver) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newHandler(g, resolver, nil, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, "/ws", header)
	require.NoError(t, err, "dial websocket")
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSWithServerURL(httpURL string, path string, header http.Header) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	if len(header) == 0 {
		return websocket.Dial(wsURL, "", httpURL)
	}
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = header
	return websocket.DialConfig(cfg)
}

func sessionHeader(sid string) http.Header {
	h := make(http.Header)
	h.Set("X-Session", sid)
	return h
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, websocket.JSON.Send(conn, frame), "send frame")
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	require.NoError(t, websocket.JSON.Receive(conn, &got), "decode server frame")
	return got
}

// expectNoFrame leaves the connection unusable for further reads.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var got wsTestFrame
	err := websocket.JSON.Receive(conn, &got)
	require.Error(t, err, "unexpected frame %s %s", got.Type, got.Payload)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	err := websocket.JSON.Receive(conn, &got)
	require.Error(t, err, "expected close, got frame %s %s", got.Type, got.Payload)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection stayed open")
	}
}

func readAssign(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	got := readFrame(t, conn)
	require.Equal(t, frameAssignNumber, got.Type, "payload %s", got.Payload)
	var ordinal int
	require.NoError(t, json.Unmarshal(got.Payload, &ordinal))
	return ordinal
}

func readChat(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()
	got := readFrame(t, conn)
	require.Equal(t, frameReceiveMessage, got.Type, "payload %s", got.Payload)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) wsTestError {
	t.Helper()
	got := readFrame(t, conn)
	require.Equal(t, frameError, got.Type, "payload %s", got.Payload)
	var e wsTestError
	require.NoError(t, json.Unmarshal(got.Payload, &e))
	return e
}

func sendChat(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type": frameSendMessage,
		"payload": map[string]any{
			"userId":      "client-claimed",
			"anonymousId": 99,
			"message":     text,
		},
	})
}
