// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配送結果のラベル値。
const (
	ResultDelivered = "delivered"
	ResultRetried   = "retried"
	ResultFailed    = "failed"
	ResultBlocked   = "blocked"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 配送ワーカー、コーディネーター、レジストリから利用する。
type MetricsCollector interface {
	RecordDelivery(result string)
	RecordHTTPStatus(statusCode int)
	RecordDeliveryLatency(duration time.Duration)
	RecordClaimed(partition int, count int)
	RecordReaped(count int)
	RecordAutoProbation(host string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries      *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	claimed         *prometheus.CounterVec
	reaped          prometheus.Counter
	autoProbations  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apdelivery_deliveries_total",
			Help: "配送試行の結果別の合計数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apdelivery_http_status_total",
			Help: "リモートinboxのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apdelivery_delivery_latency_seconds",
			Help:    "配送リクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apdelivery_items_claimed_total",
			Help: "パーティション別の取得アイテム数",
		}, []string{"partition"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apdelivery_leases_reaped_total",
			Help: "期限切れで回収されたリースの合計数",
		}),
		autoProbations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apdelivery_auto_probations_total",
			Help: "レート制限超過によりProbationへ移行したホスト数",
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.httpStatus,
		c.deliveryLatency,
		c.claimed,
		c.reaped,
		c.autoProbations,
	)

	return c
}

// RecordDelivery は配送試行の結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordDeliveryLatency は配送のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordClaimed は取得したアイテム数を記録する。
func (c *Collector) RecordClaimed(partition int, count int) {
	if count <= 0 {
		return
	}
	c.claimed.WithLabelValues(strconv.Itoa(partition)).Add(float64(count))
}

// RecordReaped は回収したリース数を記録する。
func (c *Collector) RecordReaped(count int) {
	if count <= 0 {
		return
	}
	c.reaped.Add(float64(count))
}

// RecordAutoProbation は自動Probation化を記録する。
// ホスト名はカーディナリティが無制限のためラベルにしない。
func (c *Collector) RecordAutoProbation(host string) {
	c.autoProbations.Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordDelivery(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordDeliveryLatency(time.Duration) {}
func (Nop) RecordClaimed(int, int) {}
func (Nop) RecordReaped(int) {}
func (Nop) RecordAutoProbation(string) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
