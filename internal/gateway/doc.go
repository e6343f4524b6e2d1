// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// ログインと登録はユーザーサービスへそのまま転送し、それ以外の経路ではEdgeAuthで
// トークンを検証してから内部サービスへプロキシする。検証済みの利用者のメールアドレスは
// X-User-Emailヘッダーで伝播し、受信したリクエストに含まれていた同名のヘッダーは常に上書きする。
package gateway
