// アルバムサービスのエントリポイント。
// 利用者ごとのアルバムを管理する。
// トークンは共有の署名鍵で検証し、鍵が未設定の場合はユーザーサービスに問い合わせる。
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/photoapp/internal/album"
	"github.com/nao1215/photoapp/internal/bootstrap"
	"github.com/nao1215/photoapp/pkg/config"
	"github.com/nao1215/photoapp/pkg/token"
)

func main() {
	rt, err := bootstrap.New(config.ServiceAlbum)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.Sync()
	cfg := rt.Config
	ctx := context.Background()

	opts := album.Options{
		Port:    cfg.Port,
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
	}

	if cfg.Token.Secret != "" {
		codec, err := token.NewCodec(cfg.Token.Secret, cfg.Token.TTL)
		if err != nil {
			rt.Logger.Fatal("トークン設定が不正です", zap.Error(err))
		}
		opts.Codec = codec
	} else {
		cache, closeCache, err := rt.IdentityCache(ctx)
		if err != nil {
			rt.Logger.Fatal("認証キャッシュの初期化に失敗", zap.Error(err))
		}
		defer closeCache()

		opts.Validator = album.NewUsersValidator(album.ValidatorConfig{
			Resilient: rt.Resilient("users", cfg.Peers.UsersURL),
			Cache:     cache,
			CacheTTL:  cfg.IdentityCache.TTL,
			Logger:    rt.Logger,
		})
		rt.Logger.Info("トークンはユーザーサービスで検証します",
			zap.String("users_url", cfg.Peers.UsersURL),
			zap.String("cache", cfg.IdentityCache.Backend),
		)
	}

	store, err := album.OpenStore(ctx, cfg.DBPath, rt.Logger)
	if err != nil {
		rt.Logger.Fatal("データベースの初期化に失敗", zap.Error(err), zap.String("path", cfg.DBPath))
	}
	defer store.Close()
	opts.Store = store

	server, err := album.NewServer(opts)
	if err != nil {
		rt.Logger.Fatal("アルバムサーバーの初期化に失敗", zap.Error(err))
	}

	rt.Logger.Info("アルバムサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(); err != nil {
		rt.Logger.Fatal("アルバムサービスの起動に失敗", zap.Error(err))
	}
}
