package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/photoapp/pkg/token"
)

// Redis はRedisを使った共有キャッシュ。複数のインスタンスで検証結果を共有する。
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis は新しいRedisキャッシュを生成する。
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "identity"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

// Get はキーに対応する呼び出し元を返す。
func (r *Redis) Get(ctx context.Context, key string) (token.Identity, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return token.Identity{}, false, nil
		}
		return token.Identity{}, false, fmt.Errorf("キャッシュの取得に失敗: %w", err)
	}

	var id token.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return token.Identity{}, false, fmt.Errorf("キャッシュのデシリアライズに失敗: %w", err)
	}
	return id, true, nil
}

// Set は呼び出し元をttlの間保持する。
func (r *Redis) Set(ctx context.Context, key string, id token.Identity, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("キャッシュのシリアライズに失敗: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗: %w", err)
	}
	return nil
}
