package authcache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nao1215/photoapp/pkg/token"
)

// Memory はプロセス内のキャッシュ。
type Memory struct {
	c *gocache.Cache
}

// NewMemory は期限切れエントリを定期的に掃除するプロセス内キャッシュを生成する。
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get はキーに対応する呼び出し元を返す。
func (m *Memory) Get(_ context.Context, key string) (token.Identity, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return token.Identity{}, false, nil
	}
	id, ok := v.(token.Identity)
	return id, ok, nil
}

// Set は呼び出し元をttlの間保持する。
func (m *Memory) Set(_ context.Context, key string, id token.Identity, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.c.Set(key, id, ttl)
	return nil
}

// Len は保持しているエントリ数を返す。期限切れで未掃除のものも含む。
func (m *Memory) Len() int {
	return m.c.ItemCount()
}
