// Package logger はzapを使った構造化ロガーの生成とコンテキスト伝播を提供する。
//
// 開発環境ではコンソール形式、本番環境ではJSON形式で出力する。
// リクエスト単位のロガーはコンテキストに格納して下流へ渡す。
package logger
