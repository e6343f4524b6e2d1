// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// Clientは接続と応答待ちのタイムアウトを持つ素朴な送信器で、失敗をErrorKindに分類する。
// Resilientはその上に再試行、サーキットブレーカー、フォールバックを重ね、
// Callで1回の論理呼び出しとして実行する。usersサービスからalbumサービスへの
// アルバム一覧取得や、albumサービスからusersサービスへのトークン検証で使用する。
package httpclient
