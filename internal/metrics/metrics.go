// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordWebhook(status string, outcome string)
	RecordUpstreamCall(operation string, statusCode int, duration time.Duration)
	RecordBooking(result string)
	RecordBackfill(result string)
	RecordResolverStep(step int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	webhooks        *prometheus.CounterVec
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	bookings        *prometheus.CounterVec
	backfills       *prometheus.CounterVec
	resolverSteps   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_webhook_total",
			Help: "Webhook受信数（ステータス・処理結果別）",
		}, []string{"status", "outcome"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_upstream_requests_total",
			Help: "外部プロバイダー呼び出し数（操作・HTTPステータス別）。0は通信エラー",
		}, []string{"operation", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calbridge_upstream_latency_seconds",
			Help:    "外部プロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_booking_total",
			Help: "予約作成の結果別件数",
		}, []string{"result"}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_email_backfill_total",
			Help: "メールアドレス補完ジョブの結果別件数",
		}, []string{"result"}),
		resolverSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_resolver_step_total",
			Help: "識別子解決が成功した段階別の件数。0は未解決",
		}, []string{"step"}),
	}

	reg.MustRegister(
		c.webhooks,
		c.upstreamStatus,
		c.upstreamLatency,
		c.bookings,
		c.backfills,
		c.resolverSteps,
	)

	return c
}

// RecordWebhook はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhook(status string, outcome string) {
	c.webhooks.WithLabelValues(status, outcome).Inc()
}

// RecordUpstreamCall は外部プロバイダー呼び出しを記録する。
func (c *Collector) RecordUpstreamCall(operation string, statusCode int, duration time.Duration) {
	c.upstreamStatus.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBooking は予約作成の結果を記録する。
func (c *Collector) RecordBooking(result string) {
	c.bookings.WithLabelValues(result).Inc()
}

// RecordBackfill はメールアドレス補完の結果を記録する。
func (c *Collector) RecordBackfill(result string) {
	c.backfills.WithLabelValues(result).Inc()
}

// RecordResolverStep は識別子解決が成功した段階を記録する。
func (c *Collector) RecordResolverStep(step int) {
	c.resolverSteps.WithLabelValues(strconv.Itoa(step)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordWebhook(string, string) {}
func (Nop) RecordUpstreamCall(string, int, time.Duration) {}
func (Nop) RecordBooking(string) {}
func (Nop) RecordBackfill(string) {}
func (Nop) RecordResolverStep(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
