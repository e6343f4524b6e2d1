// Package users はユーザーサービスを提供する。
//
// ユーザーの登録・ログイン・参照・削除を扱い、トークンの署名鍵を保持する唯一のサービスとして
// ログイン時にトークンを発行する。署名鍵を持たないサービスからの問い合わせに答えるため、
// リモート検証のエンドポイント（GET /users/validate/:id）も提供する。
//
// ユーザー詳細に含めるアルバム一覧はアルバムサービスから取得する。この呼び出しは
// httpclient.Resilientで保護され、アルバムサービスが応答しない場合はフォールバックの
// レコードを1件返す。
package users
