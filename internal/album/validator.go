package album

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/photoapp/pkg/authcache"
	"github.com/nao1215/photoapp/pkg/httpclient"
	"github.com/nao1215/photoapp/pkg/middleware"
	"github.com/nao1215/photoapp/pkg/token"
)

// UsersValidator はユーザーサービスに問い合わせてトークンを検証するRemoteValidator。
type UsersValidator struct {
	resilient *httpclient.Resilient
	cache     authcache.Cache
	maxTTL    time.Duration
	now       func() time.Time
	log       *zap.Logger
	group     singleflight.Group
}

var _ middleware.RemoteValidator = (*UsersValidator)(nil)

// ValidatorConfig はUsersValidatorの設定。
type ValidatorConfig struct {
	// Resilient はユーザーサービスへの保護されたクライアント。
	Resilient *httpclient.Resilient
	// Cache は検証結果のキャッシュ。nilならキャッシュしない。
	Cache authcache.Cache
	// CacheTTL はキャッシュの最大保持期間。
	CacheTTL time.Duration
	// Now は現在時刻の取得関数。nilならtime.Now。
	Now func() time.Time
	// Logger はロガー。nilなら出力しない。
	Logger *zap.Logger
}

// NewUsersValidator は新しいUsersValidatorを生成する。
func NewUsersValidator(cfg ValidatorConfig) *UsersValidator {
	v := &UsersValidator{
		resilient: cfg.Resilient,
		cache:     cfg.Cache,
		maxTTL:    cfg.CacheTTL,
		now:       cfg.Now,
		log:       cfg.Logger,
	}
	if v.cache == nil {
		v.cache = authcache.Nop{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.log == nil {
		v.log = zap.NewNop()
	}
	return v
}

// Validate はトークンをユーザーサービスに問い合わせて検証する。
// フォールバックは持たず、ユーザーサービスが応答しない場合はエラーを返す。
func (v *UsersValidator) Validate(ctx context.Context, bearer string, userID int64) (token.Identity, error) {
	key := authcache.Key(bearer, userID)

	if id, ok, err := v.cache.Get(ctx, key); err != nil {
		v.log.Warn("認証キャッシュの参照に失敗", zap.Error(err))
	} else if ok {
		return id, nil
	}

	// 問い合わせは待っている全員で共有するため、最初の呼び出し元が切断しても止めない。
	// 試行ごとのタイムアウトと再試行回数で所要時間は制限される。
	flightCtx := context.WithoutCancel(ctx)
	ch := v.group.DoChan(key, func() (any, error) {
		id, err := httpclient.Call[token.Identity](flightCtx, v.resilient, httpclient.Request{
			Method:     http.MethodGet,
			Path:       "/users/validate/" + strconv.FormatInt(userID, 10),
			Header:     http.Header{"Authorization": []string{"Bearer " + bearer}},
			Idempotent: true,
		}, nil)
		if err != nil {
			return token.Identity{}, err
		}
		if id.Roles == nil {
			id.Roles = []string{}
		}
		v.remember(flightCtx, key, bearer, id)
		return id, nil
	})

	select {
	case <-ctx.Done():
		return token.Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return token.Identity{}, res.Err
		}
		return res.Val.(token.Identity), nil
	}
}

// remember は検証結果をトークンの有効期限を超えない期間だけキャッシュする。
func (v *UsersValidator) remember(ctx context.Context, key, bearer string, id token.Identity) {
	var expiresAt time.Time
	if claims, err := token.Peek(bearer); err == nil {
		expiresAt = claims.ExpiresAt
	}
	ttl := authcache.TTL(v.maxTTL, expiresAt, v.now())
	if ttl <= 0 {
		return
	}
	if err := v.cache.Set(ctx, key, id, ttl); err != nil {
		v.log.Warn("認証キャッシュの保存に失敗", zap.Error(err))
	}
}
