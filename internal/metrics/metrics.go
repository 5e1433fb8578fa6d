// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// セッション検証の中継（外向き呼び出し・判定・アクセスゲート）と認証サービスのイベントを記録する。
type Collector struct {
	outboundAttempts   *prometheus.CounterVec
	outboundLatency    prometheus.Histogram
	breakerTransitions *prometheus.CounterVec
	verdicts           *prometheus.CounterVec
	gateDecisions      *prometheus.CounterVec
	authEvents         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outboundAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_outbound_attempts_total",
			Help: "認証サービスへの外向きHTTP試行回数（結果別）",
		}, []string{"result"}),
		outboundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authrelay_outbound_latency_seconds",
			Help:    "リトライを含む外向きHTTP呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_breaker_transitions_total",
			Help: "サーキットブレーカーの状態遷移回数",
		}, []string{"name", "to"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_session_verdicts_total",
			Help: "セッション検証の判定結果の件数",
		}, []string{"outcome"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_gate_decisions_total",
			Help: "アクセスゲートの許可・拒否の件数（ステータスコードと理由別）",
		}, []string{"status_code", "reason"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_auth_events_total",
			Help: "認証サービスのサインイン/サインアップ/サインアウトの件数",
		}, []string{"event", "result"}),
	}

	reg.MustRegister(
		c.outboundAttempts,
		c.outboundLatency,
		c.breakerTransitions,
		c.verdicts,
		c.gateDecisions,
		c.authEvents,
	)

	return c
}

// RecordOutboundAttempt は外向きHTTP試行1回の結果を記録する。
// resultは "response" または "transport_error"。
func (c *Collector) RecordOutboundAttempt(result string) {
	c.outboundAttempts.WithLabelValues(result).Inc()
}

// RecordOutboundLatency はリトライを含む呼び出し全体のレイテンシを記録する。
func (c *Collector) RecordOutboundLatency(duration time.Duration) {
	c.outboundLatency.Observe(duration.Seconds())
}

// RecordBreakerTransition はサーキットブレーカーの状態遷移を記録する。
func (c *Collector) RecordBreakerTransition(name, to string) {
	c.breakerTransitions.WithLabelValues(name, to).Inc()
}

// RecordVerdict はセッション検証の判定結果を記録する。
func (c *Collector) RecordVerdict(outcome string) {
	c.verdicts.WithLabelValues(outcome).Inc()
}

// RecordGateDecision はアクセスゲートの判定を記録する。
// 運用障害（500）と認証失敗（401）をステータスコードで区別できる。
func (c *Collector) RecordGateDecision(statusCode int, reason string) {
	c.gateDecisions.WithLabelValues(strconv.Itoa(statusCode), reason).Inc()
}

// RecordAuthEvent は認証サービスのイベントを記録する。
func (c *Collector) RecordAuthEvent(event, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
