// Package album はアルバムサービスを提供する。
//
// 利用者ごとのアルバムの作成・参照・削除を扱う。書き込みは呼び出し元自身のユーザーIDに
// 対してのみ許可する。
//
// トークンの署名鍵が設定されていればローカルで検証し、設定されていなければユーザーサービスの
// GET /users/validate/:id に問い合わせる（UsersValidator）。問い合わせ結果はトークンの
// 有効期限を超えない範囲でキャッシュし、同じトークンの同時問い合わせは1回にまとめる。
package album
