package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTokenResolver(t *testing.T) *TokenResolver {
	t.Helper()
	resolver, err := NewTokenResolver("token-secret", fixedNow)
	require.NoError(t, err)
	return resolver
}

func TestTokenResolverSources(t *testing.T) {
	resolver := newTokenResolver(t)
	token, err := resolver.Issue(Identity{SessionID: "sess-1", UserID: "42"}, time.Hour)
	require.NoError(t, err)

	query := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)

	bearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: DefaultTokenCookie, Value: token})

	for name, r := range map[string]*http.Request{"query": query, "bearer": bearer, "cookie": cookie} {
		t.Run(name, func(t *testing.T) {
			identity, err := resolver.Resolve(r)
			require.NoError(t, err)
			assert.Equal(t, Identity{SessionID: "sess-1", UserID: "42"}, identity)
		})
	}
}

func TestTokenResolverRejects(t *testing.T) {
	resolver := newTokenResolver(t)

	expired, err := resolver.Issue(Identity{SessionID: "s"}, time.Hour)
	require.NoError(t, err)
	later, err := NewTokenResolver("token-secret", func() time.Time { return fixedNow().Add(2 * time.Hour) })
	require.NoError(t, err)

	other, err := NewTokenResolver("other-secret", fixedNow)
	require.NoError(t, err)
	foreign, err := other.Issue(Identity{SessionID: "s"}, time.Hour)
	require.NoError(t, err)

	noSID, err := resolver.Issue(Identity{UserID: "42"}, time.Hour)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, tokenClaims{SessionID: "s"}).SignedString([]byte("token-secret"))
	require.NoError(t, err)

	cases := []struct {
		name     string
		resolver *TokenResolver
		token    string
	}{
		{"missing", resolver, ""},
		{"garbage", resolver, "not-a-jwt"},
		{"expired", later, expired},
		{"wrong secret", resolver, foreign},
		{"no sid", resolver, noSID},
		{"wrong alg", resolver, hs512},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.token != "" {
				r.Header.Set("Authorization", "Bearer "+tc.token)
			}
			_, err := tc.resolver.Resolve(r)
			assert.ErrorIs(t, err, ErrNoSession)
		})
	}
}

func TestTokenWithoutExpiryIsAccepted(t *testing.T) {
	resolver := newTokenResolver(t)
	token, err := resolver.Issue(Identity{SessionID: "forever"}, 0)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	identity, err := resolver.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "forever", identity.SessionID)
}

func TestNewTokenResolverRequiresSecret(t *testing.T) {
	_, err := NewTokenResolver("  ", nil)
	assert.Error(t, err)
}
