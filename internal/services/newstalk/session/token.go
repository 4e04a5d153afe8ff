package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenCookie carries the session token when the query has none.
const DefaultTokenCookie = "newstalk_token"

const tokenQueryParam = "token"

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// TokenResolver accepts an HS256 JWT carrying sid and sub claims, from the
// token query parameter, a bearer header, or a cookie.
type TokenResolver struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

// NewTokenResolver verifies tokens with secret. A nil now uses time.Now.
func NewTokenResolver(secret string, now func() time.Time) (*TokenResolver, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenResolver{secret: []byte(secret), cookieName: DefaultTokenCookie, now: now}, nil
}

// Resolve implements Resolver.
func (t *TokenResolver) Resolve(r *http.Request) (Identity, error) {
	raw := t.rawToken(r)
	if raw == "" {
		return Identity{}, ErrNoSession
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	now := t.now().UTC()
	if parsed.ExpiresAt != nil && !parsed.ExpiresAt.Time.After(now) {
		return Identity{}, fmt.Errorf("%w: token expired", ErrNoSession)
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Identity{}, fmt.Errorf("%w: token not active yet", ErrNoSession)
	}
	sid := strings.TrimSpace(parsed.SessionID)
	if sid == "" {
		return Identity{}, fmt.Errorf("%w: token sid is required", ErrNoSession)
	}
	return Identity{SessionID: sid, UserID: strings.TrimSpace(parsed.Subject)}, nil
}

// Issue signs a token for identity valid for ttl. A zero ttl never expires.
func (t *TokenResolver) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := t.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		SessionID: identity.SessionID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

func (t *TokenResolver) rawToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(t.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
