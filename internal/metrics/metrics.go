// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証フロー種別
const (
	FlowRegister = "register"
	FlowLogin    = "login"
	FlowOAuth    = "oauth"
	FlowRefresh  = "refresh"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証ゲートウェイ、セッションストア、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(flow string, success bool)
	RecordSessionCreated()
	RecordSessionsRevoked(count int)
	RecordCacheDegraded(op string)
	RecordSessionsSwept(count int64)
	SetActiveSessions(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts    *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	sessionsRevoked prometheus.Counter
	cacheDegraded   *prometheus.CounterVec
	sessionsSwept   prometheus.Counter
	activeSessions  prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_auth_attempts_total",
			Help: "認証試行の合計数",
		}, []string{"type", "status"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_created_total",
			Help: "作成されたセッションの合計数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_revoked_total",
			Help: "失効させたセッションの合計数",
		}),
		cacheDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_session_cache_degraded_total",
			Help: "キャッシュ障害により永続層のみで処理した操作の数",
		}, []string{"op"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_swept_total",
			Help: "掃除処理で削除されたセッションの合計数",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authgate_active_sessions",
			Help: "有効なセッション数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.sessionsCreated,
		c.sessionsRevoked,
		c.cacheDegraded,
		c.sessionsSwept,
		c.activeSessions,
		c.httpStatus,
	)

	return c
}

// RecordAuthAttempt は認証試行の結果を記録する。
func (c *Collector) RecordAuthAttempt(flow string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	c.authAttempts.WithLabelValues(flow, status).Inc()
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionsRevoked はセッション失効を記録する。
func (c *Collector) RecordSessionsRevoked(count int) {
	c.sessionsRevoked.Add(float64(count))
}

// RecordCacheDegraded はキャッシュ障害による縮退を記録する。
func (c *Collector) RecordCacheDegraded(op string) {
	c.cacheDegraded.WithLabelValues(op).Inc()
}

// RecordSessionsSwept は掃除処理での削除件数を記録する。
func (c *Collector) RecordSessionsSwept(count int64) {
	c.sessionsSwept.Add(float64(count))
}

// SetActiveSessions は有効なセッション数を設定する。
func (c *Collector) SetActiveSessions(count int64) {
	c.activeSessions.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordAuthAttempt(string, bool) {}
func (NopCollector) RecordSessionCreated()          {}
func (NopCollector) RecordSessionsRevoked(int)      {}
func (NopCollector) RecordCacheDegraded(string)     {}
func (NopCollector) RecordSessionsSwept(int64)      {}
func (NopCollector) SetActiveSessions(int64)        {}
func (NopCollector) RecordHTTPStatus(int)           {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
