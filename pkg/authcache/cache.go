package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/nao1215/photoapp/pkg/token"
)

// Cache は検証済みの呼び出し元のキャッシュ。
type Cache interface {
	// Get はキーに対応する呼び出し元を返す。見つからなければfalseを返す。
	Get(ctx context.Context, key string) (token.Identity, bool, error)
	// Set は呼び出し元をttlの間保持する。ttlが0以下なら何もしない。
	Set(ctx context.Context, key string, id token.Identity, ttl time.Duration) error
}

// Key はトークンとuserIdからキャッシュキーを作る。
func Key(bearer string, userID int64) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:]) + ":" + strconv.FormatInt(userID, 10)
}

// TTL は最大保持期間とトークンの有効期限から実際の保持期間を決める。
// expiresAtがゼロ値なら最大保持期間を使う。
func TTL(maxTTL time.Duration, expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return maxTTL
	}
	remaining := expiresAt.Sub(now)
	if remaining < maxTTL {
		return remaining
	}
	return maxTTL
}

// Nop は何も保持しないキャッシュ。
type Nop struct{}

// Get は常に見つからないことを返す。
func (Nop) Get(context.Context, string) (token.Identity, bool, error) {
	return token.Identity{}, false, nil
}

// Set は何もしない。
func (Nop) Set(context.Context, string, token.Identity, time.Duration) error {
	return nil
}
