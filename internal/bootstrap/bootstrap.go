// Package bootstrap は各サービスのエントリポイントが共有する起動処理を提供する。
// 設定・ロガー・メトリクス・ブレーカーを組み立て、サービス間クライアントと
// 認証キャッシュを設定値から生成する。
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/authcache"
	"github.com/nao1215/photoapp/pkg/breaker"
	"github.com/nao1215/photoapp/pkg/config"
	"github.com/nao1215/photoapp/pkg/httpclient"
	"github.com/nao1215/photoapp/pkg/logger"
	"github.com/nao1215/photoapp/pkg/metrics"
)

// Runtime はサービスの実行時に共有する依存関係。
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Breakers *breaker.Registry
}

// New は環境変数から設定を読み込み、Runtimeを生成する。
func New(service string) (*Runtime, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	log, err := logger.New(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: cfg.Service})
	if err != nil {
		return nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return FromConfig(cfg, log)
}

// FromConfig は組み立て済みの設定とロガーからRuntimeを生成する。
func FromConfig(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("メトリクスの初期化に失敗: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
		OnStateChange: func(name string, from, to breaker.State) {
			m.SetBreakerState(name, int(to))
			log.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("target", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	return &Runtime{Config: cfg, Logger: log, Metrics: m, Breakers: breakers}, nil
}

// Resilient は接続先名とベースURLから保護付きのサービス間クライアントを生成する。
func (r *Runtime) Resilient(target, baseURL string) *httpclient.Resilient {
	client := httpclient.New(baseURL,
		httpclient.WithTarget(target),
		httpclient.WithTimeouts(r.Config.Client.ConnectTimeout, r.Config.Client.ReadTimeout),
	)
	b := r.Breakers.Get(target)
	r.Metrics.SetBreakerState(target, int(b.State()))

	return httpclient.NewResilient(httpclient.ResilientConfig{
		Client:     client,
		Breaker:    b,
		MaxRetries: r.Config.Client.MaxRetries,
		Observer:   r.Metrics,
		Logger:     r.Logger,
	})
}

// IdentityCache は設定されたバックエンドの認証キャッシュを生成する。
// 戻り値の関数で接続などの資源を解放する。
func (r *Runtime) IdentityCache(ctx context.Context) (authcache.Cache, func() error, error) {
	noop := func() error { return nil }

	switch r.Config.IdentityCache.Backend {
	case "none":
		return authcache.Nop{}, noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     r.Config.Redis.Addr,
			Password: r.Config.Redis.Password,
			DB:       r.Config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		r.Logger.Info("認証キャッシュにRedisを使用します", zap.String("addr", r.Config.Redis.Addr))
		return authcache.NewRedis(client, "photoapp:identity"), client.Close, nil
	default:
		return authcache.NewMemory(time.Minute), noop, nil
	}
}

// Sync はロガーのバッファを書き出す。
func (r *Runtime) Sync() {
	_ = r.Logger.Sync()
}
