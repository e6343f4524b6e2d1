package httpclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/breaker"
)

// DefaultMaxRetries は再試行回数の既定値。
const DefaultMaxRetries = 2

// 呼び出し結果のラベル。メトリクスに使う。
const (
	OutcomeSuccess      = "success"
	OutcomeClientError  = "client_error"
	OutcomeRetry        = "retry"
	OutcomeFailure      = "failure"
	OutcomeFallback     = "fallback"
	OutcomeShortCircuit = "short_circuit"
	OutcomeCancelled    = "cancelled"
)

// Observer は呼び出し結果の記録先。metrics.Metricsが実装する。
type Observer interface {
	ObservePeerCall(target, outcome string, elapsed time.Duration)
}

// ResilientConfig はResilientの設定。
type ResilientConfig struct {
	// Client は送信に使うクライアント。
	Client *Client
	// Breaker は接続先のブレーカー。nilなら既定設定で生成する。
	Breaker *breaker.Breaker
	// MaxRetries は再試行可能な失敗に対する追加試行回数の上限。負なら0として扱う。
	MaxRetries int
	// Observer は呼び出し結果の記録先。nilなら記録しない。
	Observer Observer
	// Logger はフォールバックと遮断を記録するロガー。nilなら出力しない。
	Logger *zap.Logger
}

// Resilient はタイムアウト・再試行・サーキットブレーカー・フォールバックで保護された
// サービス間クライアント。接続先ごとに1つ生成する。
type Resilient struct {
	client     *Client
	breaker    *breaker.Breaker
	maxRetries int
	observer   Observer
	log        *zap.Logger
}

// NewResilient は新しいResilientを生成する。
func NewResilient(cfg ResilientConfig) *Resilient {
	b := cfg.Breaker
	if b == nil {
		b = breaker.New(cfg.Client.Target(), breaker.Config{})
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{
		client:     cfg.Client,
		breaker:    b,
		maxRetries: maxRetries,
		observer:   cfg.Observer,
		log:        log.With(zap.String("target", cfg.Client.Target())),
	}
}

// Target は接続先サービス名を返す。
func (r *Resilient) Target() string {
	return r.client.Target()
}

// Breaker は接続先のブレーカーを返す。
func (r *Resilient) Breaker() *breaker.Breaker {
	return r.breaker
}

func (r *Resilient) observe(outcome string, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObservePeerCall(r.client.Target(), outcome, elapsed)
	}
}

// Call は保護された呼び出しを1回の論理呼び出しとして実行する。
//
// ブレーカーが遮断中ならネットワークに出ずにフォールバックを返す。
// 再試行可能な失敗は、Idempotentな呼び出しに限りMaxRetries回まで即座に再試行する。
// 試行を使い切った失敗はブレーカーに記録し、フォールバックがあればその値を成功として返す。
// フォールバックがnilの場合は*ServiceErrorを返す。
// 400・401・403・404は再試行もフォールバックでの置き換えもせずにそのまま返すが、ブレーカーには失敗として記録する。
// 呼び出し元のコンテキストが終了した場合は再試行もブレーカーへの記録もせずにそのエラーを返す。
func Call[T any](ctx context.Context, r *Resilient, req Request, fallback func(error) T) (T, error) {
	var zero T

	permit, allowed := r.breaker.Acquire()
	if !allowed {
		err := &ServiceError{Target: r.Target(), Kind: KindUnavailable, Retryable: true, Err: ErrCircuitOpen}
		r.observe(OutcomeShortCircuit, 0)
		if fallback != nil {
			r.log.Warn("ブレーカー遮断中のためフォールバックを返します", zap.String("path", req.Path))
			return fallback(err), nil
		}
		return zero, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		var result T
		start := time.Now()
		err := r.client.Do(ctx, req, &result)
		elapsed := time.Since(start)

		if err == nil {
			permit.Success()
			r.observe(OutcomeSuccess, elapsed)
			return result, nil
		}

		if ctx.Err() != nil {
			permit.Release()
			r.observe(OutcomeCancelled, elapsed)
			return zero, ctx.Err()
		}

		var se *ServiceError
		if !errors.As(err, &se) {
			se = &ServiceError{Target: r.Target(), Kind: KindUnknown, Err: err}
		}
		lastErr = se

		if se.Kind.IsClientError() {
			permit.Failure()
			r.observe(OutcomeClientError, elapsed)
			return zero, se
		}

		if se.Retryable && req.Idempotent && attempt < r.maxRetries {
			r.observe(OutcomeRetry, elapsed)
			r.log.Debug("再試行します",
				zap.String("path", req.Path),
				zap.Int("attempt", attempt+1),
				zap.Stringer("kind", se.Kind),
			)
			continue
		}

		r.observe(OutcomeFailure, elapsed)
		break
	}

	permit.Failure()
	if fallback != nil {
		r.observe(OutcomeFallback, 0)
		r.log.Warn("呼び出しに失敗したためフォールバックを返します",
			zap.String("path", req.Path),
			zap.Error(lastErr),
		)
		return fallback(lastErr), nil
	}
	return zero, lastErr
}
