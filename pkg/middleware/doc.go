// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// gatewayで使う境界認証（EdgeAuth）と、各サービスで使う寛容なサービス認証
// （ServiceAuthとRequireIdentity）を中心に、リクエストID、リクエストログ、
// パニックリカバリ、CORS設定など、全サービスで共通して使用するミドルウェアを含む。
package middleware
