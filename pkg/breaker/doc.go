// Package breaker は接続先サービスごとのサーキットブレーカーを提供する。
//
// ブレーカーはCLOSED・OPEN・HALF_OPENの3状態を持つ。連続失敗が閾値に達すると
// OPENになり、クールダウン中の呼び出しはネットワークに出ずに拒否される。
// クールダウン経過後は1件だけ試行（プローブ）を許可し、その結果でCLOSEDに戻るか
// 再びOPENになるかが決まる。状態遷移はすべて1つのミューテックスの下で行う。
package breaker
