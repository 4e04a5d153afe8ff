package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/assetplanner/newstalk/internal/platform/logging"
	"github.com/assetplanner/newstalk/internal/platform/requestctx"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
)

type presenceView struct {
	Online   int    `json:"online"`
	Capacity int    `json:"capacity"`
	Policy   string `json:"policy"`
}

func newHandler(gateway *Gateway, resolver session.Resolver, allowedOrigin *url.URL, logger zerolog.Logger) http.Handler {
	logger = logging.Component(logger, "transport")
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/presence", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		registry := gateway.Registry()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(presenceView{
			Online:   registry.Len(),
			Capacity: registry.Capacity(),
			Policy:   registry.Policy().String(),
		})
	})

	wsServer := websocket.Server{
		Handshake: originCheck(allowedOrigin),
		Handler: func(conn *websocket.Conn) {
			handleWSConn(conn, gateway, logger)
		},
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		identity, err := resolver.Resolve(r)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				logger.Info().Err(err).Str("remote", r.RemoteAddr).Str("host", r.Host).Msg("websocket unauthorized")
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("session lookup failed")
			http.Error(w, "session lookup unavailable", http.StatusServiceUnavailable)
			return
		}

		ctx := requestctx.WithSessionID(r.Context(), identity.SessionID)
		ctx = requestctx.WithUserID(ctx, identity.UserID)
		wsServer.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

// originCheck admits handshakes whose Origin matches allowed. A nil allowed
// accepts any origin.
func originCheck(allowed *url.URL) func(*websocket.Config, *http.Request) error {
	return func(_ *websocket.Config, r *http.Request) error {
		if allowed == nil {
			return nil
		}
		origin, err := url.Parse(r.Header.Get("Origin"))
		if err != nil || origin.Host == "" {
			return errors.New("origin is required")
		}
		if !strings.EqualFold(origin.Scheme, allowed.Scheme) || !strings.EqualFold(origin.Host, allowed.Host) {
			return errors.New("origin not allowed")
		}
		return nil
	}
}

func handleWSConn(conn *websocket.Conn, gateway *Gateway, logger zerolog.Logger) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	request := conn.Request()
	identity := session.Identity{
		SessionID: requestctx.SessionIDFromContext(request.Context()),
		UserID:    requestctx.UserIDFromContext(request.Context()),
	}
	c := newClient(conn, identity, request.Header.Get("Accept-Language"), logger)
	go c.writeLoop()

	if !gateway.connect(c) {
		<-c.writerDone
		return
	}
	defer func() {
		gateway.disconnect(c)
		<-c.writerDone
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if !errors.Is(err, websocket.ErrFrameTooLarge) {
				return
			}
			decodeErrors++
			c.enqueue(errorFrame(codeInvalidArgument, "frame too large"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			c.enqueue(errorFrame(codeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				c.logger.Info().Msg("closing connection after repeated invalid frames")
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			c.logger.Warn().Msg("rate limit exceeded")
			c.enqueue(errorFrame(codeResourceExhausted, "rate limit exceeded"))
			return
		}

		var ok bool
		switch frame.Type {
		case frameSendMessage:
			ok = handleSendFrame(c, gateway, frame)
		case frameReassignNumbers:
			ok = gateway.dispatch(reassignRequestEvent{client: c})
		default:
			c.enqueue(errorFrame(codeInvalidArgument, "unsupported frame type"))
			ok = true
		}
		if !ok {
			c.enqueue(errorFrame(codeUnavailable, "chat is shutting down"))
			return
		}
	}
}

// handleSendFrame validates a sendMessage frame and forwards it to the loop.
// It reports false once the gateway has stopped.
func handleSendFrame(c *client, gateway *Gateway, frame wsFrame) bool {
	var payload sendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.enqueue(errorFrame(codeInvalidArgument, "invalid sendMessage payload"))
		return true
	}
	body, invalid := validateBody(payload.Message)
	if invalid != nil {
		c.enqueue(errorFrame(invalid.Code, invalid.Message))
		return true
	}
	return gateway.dispatch(sendMessageEvent{client: c, payload: payload, body: body})
}
