package authcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/photoapp/pkg/token"
)

var alice = token.Identity{Subject: "alice@example.com", UserID: 7, Roles: []string{}}

// setupTestRedis はテスト用のminiredisとクライアントを生成する。
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestKey(t *testing.T) {
	t.Parallel()

	k := Key("token-a", 7)
	assert.Equal(t, k, Key("token-a", 7))
	assert.NotEqual(t, k, Key("token-b", 7))
	assert.NotEqual(t, k, Key("token-a", 8))
	assert.NotContains(t, k, "token-a")
}

func TestTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, TTL(30*time.Second, now.Add(time.Hour), now))
	assert.Equal(t, 5*time.Second, TTL(30*time.Second, now.Add(5*time.Second), now))
	assert.True(t, TTL(30*time.Second, now.Add(-time.Second), now) < 0)
	assert.Equal(t, 30*time.Second, TTL(30*time.Second, time.Time{}, now))
}

func TestMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemory(time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", alice, time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, got)

	require.NoError(t, c.Set(ctx, "expired", alice, 0))
	_, ok, _ = c.Get(ctx, "expired")
	assert.False(t, ok, "ttlが0以下なら保持しないこと")
	assert.Equal(t, 1, c.Len())
}

func TestRedis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, mr := setupTestRedis(t)
	c := NewRedis(client, "")

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", alice, time.Minute))
	assert.True(t, mr.Exists("identity:k"))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "期限切れのエントリは返さないこと")

	require.NoError(t, c.Set(ctx, "none", alice, -time.Second))
	assert.False(t, mr.Exists("identity:none"))
}

func TestRedis_CorruptedEntry(t *testing.T) {
	t.Parallel()

	client, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("identity:bad", "{not json"))

	_, ok, err := NewRedis(client, "identity").Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNop(t *testing.T) {
	t.Parallel()

	var c Cache = Nop{}
	require.NoError(t, c.Set(context.Background(), "k", alice, time.Minute))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
