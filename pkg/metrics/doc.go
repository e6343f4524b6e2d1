// Package metrics はPrometheus形式のメトリクスを提供する。
//
// サーキットブレーカーの状態、サービス間呼び出しの結果と所要時間、
// HTTPリクエスト数、CORSで拒否したオリジンを記録し、/metrics で公開する。
package metrics
