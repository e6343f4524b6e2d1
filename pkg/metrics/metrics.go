package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace は全メトリクス名の接頭辞。
const namespace = "photoapp"

// Metrics はサービスが公開するメトリクスの集合。
type Metrics struct {
	registry *prometheus.Registry

	breakerState  *prometheus.GaugeVec
	peerCalls     *prometheus.CounterVec
	peerDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	corsRejects   prometheus.Counter
	authDecisions *prometheus.CounterVec
}

// New はメトリクスを生成してregistryに登録する。
// registryがnilの場合はGo・プロセスのコレクタを含む新しいレジストリを作る。
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		if err := register(registry, collectors.NewGoCollector()); err != nil {
			return nil, err
		}
		if err := register(registry, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, err
		}
	}

	m := &Metrics{
		registry: registry,
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "サーキットブレーカーの状態（0=CLOSED, 1=OPEN, 2=HALF_OPEN）",
		}, []string{"target"}),
		peerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_calls_total",
			Help:      "サービス間呼び出しの結果別件数",
		}, []string{"target", "outcome"}),
		peerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_call_duration_seconds",
			Help:      "サービス間呼び出し1回あたりの所要時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "処理したHTTPリクエスト数",
		}, []string{"service", "method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTPリクエストの処理時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "route"}),
		corsRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cors_rejects_total",
			Help:      "許可されていないオリジンからのCORSリクエスト数",
		}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "認証フィルタの判定結果別件数",
		}, []string{"filter", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.breakerState, m.peerCalls, m.peerDuration,
		m.httpRequests, m.httpDuration, m.corsRejects, m.authDecisions,
	} {
		if err := register(registry, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register はコレクタを登録する。登録済みの場合は無視する。
func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// Registry は登録先のレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinHandler は /metrics 用のGinハンドラを返す。
func (m *Metrics) GinHandler() gin.HandlerFunc {
	return gin.WrapH(m.Handler())
}

// SetBreakerState はブレーカーの状態を記録する。
func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// ObservePeerCall はサービス間呼び出し1回の結果と所要時間を記録する。
func (m *Metrics) ObservePeerCall(target, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.peerCalls.WithLabelValues(target, outcome).Inc()
	if elapsed > 0 {
		m.peerDuration.WithLabelValues(target).Observe(elapsed.Seconds())
	}
}

// IncCORSReject は許可されていないオリジンからのリクエストを1件記録する。
// Originヘッダーは呼び出し元が自由に決められるため、ラベルには含めない。
func (m *Metrics) IncCORSReject() {
	if m == nil {
		return
	}
	m.corsRejects.Inc()
}

// IncAuthDecision は認証フィルタの判定結果を記録する。
func (m *Metrics) IncAuthDecision(filter, result string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(filter, result).Inc()
}

// GinMiddleware はHTTPリクエスト数と処理時間を記録するGinミドルウェアを返す。
// ルートのラベルには登録済みのパスパターンを使い、未登録パスは "unmatched" とする。
func (m *Metrics) GinMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(service, method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(service, method, route).Observe(time.Since(start).Seconds())
	}
}
