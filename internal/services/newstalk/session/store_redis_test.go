package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "")
	store.now = fixedNow
	return store, mr
}

func TestRedisStoreReadsConnectRedisLayout(t *testing.T) {
	store, mr := newTestRedisStore(t)

	// As written by express-session + connect-redis after login.
	require.NoError(t, mr.Set("sess:abc", `{"cookie":{"originalMaxAge":86400000,"expires":"2026-03-02T12:00:00.000Z","httpOnly":true,"path":"/"},"userId":17,"email":"kim@example.com","username":"kim"}`))

	record, err := store.Lookup(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", record.SessionID)
	assert.Equal(t, "17", record.UserID)
	assert.Equal(t, "kim@example.com", record.Email)
	assert.Equal(t, "kim", record.Username)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), record.ExpiresAt)
}

func TestRedisStoreAnonymousSession(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("sess:anon", `{"cookie":{"httpOnly":true,"path":"/"}}`))

	record, err := store.Lookup(context.Background(), "anon")
	require.NoError(t, err)
	assert.Empty(t, record.UserID)
	assert.True(t, record.ExpiresAt.IsZero())
}

func TestRedisStoreMissingAndExpired(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("sess:old", `{"cookie":{"expires":"2026-02-01T00:00:00.000Z"},"userId":"u1"}`))

	_, err := store.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = store.Lookup(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = store.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRedisStoreRejectsCorruptBody(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("sess:bad", `{"userId":`))

	_, err := store.Lookup(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func TestRedisStoreSaveLookupDelete(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	expires := fixedNow().Add(30 * time.Minute)
	require.NoError(t, store.save(ctx, Record{SessionID: "s1", UserID: "9", Username: "lee", ExpiresAt: expires}))
	assert.Equal(t, 30*time.Minute, mr.TTL("sess:s1"))

	record, err := store.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "9", record.UserID)
	assert.Equal(t, expires, record.ExpiresAt)

	require.NoError(t, store.remove(ctx, "s1"))
	_, err = store.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoSession)

	assert.Error(t, store.save(ctx, Record{}))
	assert.Error(t, store.save(ctx, Record{SessionID: "s2", ExpiresAt: fixedNow().Add(-time.Second)}))
}
