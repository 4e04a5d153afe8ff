package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/assetplanner/newstalk/internal/platform/timeouts"
)

// DefaultCookieName is the express-session default.
const DefaultCookieName = "connect.sid"

const signedPrefix = "s:"

// CookieResolver reads an express-session signed cookie and looks the
// session up in a Store.
type CookieResolver struct {
	name    string
	secrets [][]byte
	store   Store
}

// NewCookieResolver verifies against each secret in order, so a rotated
// secret can stay listed after the first.
func NewCookieResolver(name string, secrets []string, store Store) (*CookieResolver, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultCookieName
	}
	var keys [][]byte
	for _, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			keys = append(keys, []byte(secret))
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one session secret is required")
	}
	return &CookieResolver{name: name, secrets: keys, store: store}, nil
}

// Resolve implements Resolver.
func (c *CookieResolver) Resolve(r *http.Request) (Identity, error) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return Identity{}, ErrNoSession
	}
	value, err := url.PathUnescape(cookie.Value)
	if err != nil {
		return Identity{}, ErrNoSession
	}
	sid, ok := unsign(value, c.secrets)
	if !ok {
		return Identity{}, ErrNoSession
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.SessionLookup)
	defer cancel()
	record, err := c.store.Lookup(ctx, sid)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return Identity{}, ErrNoSession
		}
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}
	return Identity{SessionID: sid, UserID: record.UserID}, nil
}

// SignCookieValue produces the cookie value express-session would set for
// sid, before URL encoding.
func SignCookieValue(sid, secret string) string {
	return signedPrefix + sid + "." + signature(sid, []byte(secret))
}

func unsign(value string, secrets [][]byte) (string, bool) {
	if !strings.HasPrefix(value, signedPrefix) {
		return "", false
	}
	value = strings.TrimPrefix(value, signedPrefix)
	dot := strings.LastIndexByte(value, '.')
	if dot <= 0 {
		return "", false
	}
	sid, mac := value[:dot], value[dot+1:]
	for _, secret := range secrets {
		if hmac.Equal([]byte(mac), []byte(signature(sid, secret))) {
			return sid, true
		}
	}
	return "", false
}

// signature matches the cookie-signature package: base64 HMAC-SHA256 with
// the padding stripped.
func signature(value string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}
