// Package authcache はリモート検証で確認済みの呼び出し元を一時的に保持するキャッシュを提供する。
//
// キーはトークンのSHA-256ダイジェストとuserIdから作り、トークン自体は保存しない。
// 保持期間は設定値とトークンの残り有効期間の短い方で、失効したトークンを再利用することはない。
// バックエンドはプロセス内（go-cache）とRedisの2種類。
package authcache
