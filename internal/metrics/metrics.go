// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 受付結果のラベル値
const (
	ClaimResultWon               = "won"
	ClaimResultAlreadyClaimed    = "already_claimed"
	ClaimResultNotFound          = "not_found"
	ClaimResultInvalidTransition = "invalid_transition"
	ClaimResultError             = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ケースエンジン、同期ループ、キャッシュ層から利用する。
type MetricsCollector interface {
	RecordClaim(result string)
	RecordTransition(from, to string)
	RecordMessageIngested()
	RecordSyncTick(tenantID string, duration time.Duration)
	RecordSyncFailure(tenantID string)
	RecordAlert()
	RecordCacheHit()
	RecordCacheMiss()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	claims      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	ingested    prometheus.Counter
	syncLatency *prometheus.HistogramVec
	syncFail    *prometheus.CounterVec
	alerts      prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	httpStatus  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linedesk_claims_total",
			Help: "受付要求の結果別件数",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linedesk_transitions_total",
			Help: "ケース状態遷移の件数",
		}, []string{"from", "to"}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linedesk_messages_ingested_total",
			Help: "取り込んだ顧客メッセージの合計数",
		}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linedesk_sync_tick_seconds",
			Help:    "同期ティックのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linedesk_sync_failures_total",
			Help: "同期ティックの取得失敗数",
		}, []string{"tenant"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linedesk_alerts_total",
			Help: "新着アラートの発報数",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linedesk_cache_hits_total",
			Help: "ケース一覧キャッシュのヒット数",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linedesk_cache_misses_total",
			Help: "ケース一覧キャッシュのミス数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linedesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.claims,
		c.transitions,
		c.ingested,
		c.syncLatency,
		c.syncFail,
		c.alerts,
		c.cacheHits,
		c.cacheMisses,
		c.httpStatus,
	)

	return c
}

// RecordClaim は受付結果を記録する。
func (c *Collector) RecordClaim(result string) {
	c.claims.WithLabelValues(result).Inc()
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordMessageIngested はメッセージ取り込みを記録する。
func (c *Collector) RecordMessageIngested() {
	c.ingested.Inc()
}

// RecordSyncTick は同期ティックのレイテンシを記録する。
func (c *Collector) RecordSyncTick(tenantID string, duration time.Duration) {
	c.syncLatency.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordSyncFailure は同期ティックの取得失敗を記録する。
func (c *Collector) RecordSyncFailure(tenantID string) {
	c.syncFail.WithLabelValues(tenantID).Inc()
}

// RecordAlert はアラート発報を記録する。
func (c *Collector) RecordAlert() {
	c.alerts.Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時とテストで使用する。
type Nop struct{}

func (Nop) RecordClaim(string) {}
func (Nop) RecordTransition(string, string) {}
func (Nop) RecordMessageIngested() {}
func (Nop) RecordSyncTick(string, time.Duration) {}
func (Nop) RecordSyncFailure(string) {}
func (Nop) RecordAlert() {}
func (Nop) RecordCacheHit() {}
func (Nop) RecordCacheMiss() {}
func (Nop) RecordHTTPStatus(int) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// オペレーターモードで独立したポートから公開する場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
