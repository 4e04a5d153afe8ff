package server

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	frameAssignNumber    = "assignNumber"
	frameConnectionError = "connectionError"
	frameReceiveMessage  = "receiveMessage"
	frameError           = "error"

	frameSendMessage     = "sendMessage"
	frameReassignNumbers = "reassignNumbers"
)

const (
	codeInvalidArgument    = "INVALID_ARGUMENT"
	codeResourceExhausted  = "RESOURCE_EXHAUSTED"
	codeFailedPrecondition = "FAILED_PRECONDITION"
	codeUnavailable        = "UNAVAILABLE"
)

// messageTimeLayout renders the per-message clock string.
const messageTimeLayout = "3:04:05 PM"

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatMessage is the payload carried on the topic and in receiveMessage
// frames.
type ChatMessage struct {
	UserID      string `json:"userId"`
	AnonymousID int    `json:"anonymousId"`
	Message     string `json:"message"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64  `json:"timestamp"`
	Time      string `json:"time"`
}

// Validate rejects payloads that did not come from a gateway.
func (m ChatMessage) Validate() error {
	if m.AnonymousID <= 0 {
		return errInvalidAnonymousID
	}
	if strings.TrimSpace(m.Message) == "" {
		return errEmptyMessage
	}
	if m.Timestamp <= 0 {
		return errMissingTimestamp
	}
	return nil
}

type sendMessagePayload struct {
	UserID      json.RawMessage `json:"userId,omitempty"`
	AnonymousID json.RawMessage `json:"anonymousId,omitempty"`
	Message     string          `json:"message"`
}

// clientUserID reads the userId a client sent, which may be a string or a
// number.
func (p sendMessagePayload) clientUserID() string {
	raw := strings.TrimSpace(string(p.UserID))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.UserID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(p.UserID, &n); err == nil {
		return n.String()
	}
	return ""
}

func newChatMessage(userID string, ordinal int, body string, now time.Time, loc *time.Location) ChatMessage {
	if loc == nil {
		loc = time.Local
	}
	return ChatMessage{
		UserID:      userID,
		AnonymousID: ordinal,
		Message:     body,
		Timestamp:   now.UnixMilli(),
		Time:        now.In(loc).Format(messageTimeLayout),
	}
}

func validateBody(raw string) (string, *wsError) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", &wsError{Code: codeInvalidArgument, Message: "message is required"}
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return "", &wsError{Code: codeInvalidArgument, Message: "message must be at most 2000 characters"}
	}
	return body, nil
}

func assignNumberFrame(ordinal int) wsFrame {
	return wsFrame{Type: frameAssignNumber, Payload: mustJSON(ordinal)}
}

func connectionErrorFrame(notice string) wsFrame {
	return wsFrame{Type: frameConnectionError, Payload: mustJSON(notice)}
}

func errorFrame(code, message string) wsFrame {
	return wsFrame{Type: frameError, Payload: mustJSON(wsError{Code: code, Message: message})}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal websocket frame payload")
		return nil
	}
	return b
}

// truncate bounds raw payloads echoed into logs.
func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
