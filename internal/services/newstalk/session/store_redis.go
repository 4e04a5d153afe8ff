package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the connect-redis key prefix.
const DefaultKeyPrefix = "sess:"

// RedisStore reads sessions written by connect-redis: one JSON string per
// session under prefix+sid, expired by Redis TTL.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore reads keys under prefix (DefaultKeyPrefix when empty).
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

type storedCookie struct {
	Expires        *time.Time `json:"expires,omitempty"`
	OriginalMaxAge *int64     `json:"originalMaxAge,omitempty"`
	HTTPOnly       bool       `json:"httpOnly"`
	Path           string     `json:"path"`
}

type storedSession struct {
	Cookie   storedCookie `json:"cookie"`
	UserID   userID       `json:"userId,omitempty"`
	Email    string       `json:"email,omitempty"`
	Username string       `json:"username,omitempty"`
}

// userID accepts the numeric ids the web app stores as well as strings.
type userID string

func (u *userID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("userId: %w", err)
	}
	*u = userID(n.String())
	return nil
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, sessionID string) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, ErrNoSession
	}
	raw, err := s.client.Get(ctx, s.prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNoSession
	}
	if err != nil {
		return Record{}, fmt.Errorf("get session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Record{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	record := Record{
		SessionID: sessionID,
		UserID:    string(stored.UserID),
		Email:     stored.Email,
		Username:  stored.Username,
	}
	if stored.Cookie.Expires != nil {
		record.ExpiresAt = stored.Cookie.Expires.UTC()
	}
	if record.Expired(s.now()) {
		return Record{}, ErrNoSession
	}
	return record, nil
}

// save writes record in the connect-redis layout. The key expires with the
// record, or never when ExpiresAt is zero.
func (s *RedisStore) save(ctx context.Context, record Record) error {
	sessionID := strings.TrimSpace(record.SessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	stored := storedSession{
		Cookie:   storedCookie{HTTPOnly: true, Path: "/"},
		UserID:   userID(record.UserID),
		Email:    record.Email,
		Username: record.Username,
	}
	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		expires := record.ExpiresAt.UTC()
		ttl = expires.Sub(s.now())
		if ttl <= 0 {
			return errors.New("session already expired")
		}
		maxAge := ttl.Milliseconds()
		stored.Cookie.Expires = &expires
		stored.Cookie.OriginalMaxAge = &maxAge
	}
	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sessionID, body, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// remove removes a session; deleting a missing one is not an error.
func (s *RedisStore) remove(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.prefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
