// API Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、トークンを検証してから
// ユーザー・アルバムサービスへリクエストを中継する。
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/photoapp/internal/bootstrap"
	"github.com/nao1215/photoapp/internal/gateway"
	"github.com/nao1215/photoapp/pkg/config"
	"github.com/nao1215/photoapp/pkg/token"
)

func main() {
	rt, err := bootstrap.New(config.ServiceGateway)
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

	server, err := gateway.NewServer(gateway.Options{
		Port:           cfg.Port,
		Codec:          codec,
		UsersURL:       cfg.Peers.UsersURL,
		AlbumURL:       cfg.Peers.AlbumURL,
		LoginPath:      cfg.Token.LoginPath,
		AllowedOrigins: []string{cfg.FrontendURL},
		ConnectTimeout: cfg.Client.ConnectTimeout,
		ReadTimeout:    cfg.Client.ReadTimeout,
		Logger:         rt.Logger,
		Metrics:        rt.Metrics,
	})
	if err != nil {
		rt.Logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}

	rt.Logger.Info("Gatewayサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(); err != nil {
		rt.Logger.Fatal("Gatewayサービスの起動に失敗", zap.Error(err))
	}
}
