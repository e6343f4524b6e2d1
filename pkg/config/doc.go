// Package config は環境変数（と任意の .env ファイル）から各サービスの設定を読み込む。
package config
