// ユーザーサービスのエントリポイント。
// 利用者の登録・ログインとトークン発行を担い、他サービスからのトークン検証に応答する。
// 利用者詳細にはアルバムサービスから取得したアルバム一覧を含める。
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/photoapp/internal/bootstrap"
	"github.com/nao1215/photoapp/internal/users"
	"github.com/nao1215/photoapp/pkg/config"
	"github.com/nao1215/photoapp/pkg/token"
)

func main() {
	rt, err := bootstrap.New(config.ServiceUsers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.Sync()
	cfg := rt.Config

	codec, err := token.NewCodec(cfg.Token.Secret, cfg.Token.TTL)
	if err != nil {
		rt.Logger.Fatal("トークン設定が不正です", zap.Error(err))
	}

	store, err := users.OpenStore(context.Background(), cfg.DBPath, rt.Logger)
	if err != nil {
		rt.Logger.Fatal("データベースの初期化に失敗", zap.Error(err), zap.String("path", cfg.DBPath))
	}
	defer store.Close()

	server, err := users.NewServer(users.Options{
		Port:      cfg.Port,
		Store:     store,
		Codec:     codec,
		Albums:    users.NewAlbumClient(rt.Resilient("album", cfg.Peers.AlbumURL)),
		Logger:    rt.Logger,
		Metrics:   rt.Metrics,
		LoginPath: cfg.Token.LoginPath,
	})
	if err != nil {
		rt.Logger.Fatal("ユーザーサーバーの初期化に失敗", zap.Error(err))
	}

	rt.Logger.Info("ユーザーサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(); err != nil {
		rt.Logger.Fatal("ユーザーサービスの起動に失敗", zap.Error(err))
	}
}
