// Package session binds an incoming websocket handshake to a session
// identity issued by the surrounding web application.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoSession is returned when a request carries no valid session.
var ErrNoSession = errors.New("session: no valid session")

// Identity is what the gateway learns about a connection at handshake.
type Identity struct {
	SessionID string
	// UserID is empty when the session is not logged in.
	UserID string
}

// Resolver resolves the session behind an HTTP request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// Record is a stored session as written by the web application.
type Record struct {
	SessionID string
	UserID    string
	Email     string
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the record has an expiry at or before now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Store reads sessions by id. Missing or expired sessions yield ErrNoSession.
type Store interface {
	Lookup(ctx context.Context, sessionID string) (Record, error)
}

// Mode selects a Resolver in configuration.
type Mode string

const (
	ModeCookie Mode = "cookie"
	ModeToken  Mode = "token"
	ModeNone   Mode = "none"
)

// ParseMode maps a configuration value onto a Mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeCookie, ModeToken, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", raw)
	}
}

// ConnectionResolver gives every request a fresh anonymous session. Each
// socket is then its own session for presence purposes.
type ConnectionResolver struct{}

// Resolve implements Resolver.
func (ConnectionResolver) Resolve(*http.Request) (Identity, error) {
	return Identity{SessionID: uuid.NewString()}, nil
}
