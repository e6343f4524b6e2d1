// Package token はサービス間で共有する認証トークン（HS512署名のJWT）の
// 発行と検証を提供する。
//
// トークンはログイン時にusersサービスが一度だけ発行し、gatewayと各サービスが
// それぞれ独立に検証する。検証は「構文解析 → 署名 → 有効期限」の固定順で行い、
// 最初に失敗した段階のエラーを返す。
package token
