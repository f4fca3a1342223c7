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
// rpc.Observer、auth.LoginObserver、middleware.StatusRecorderを満たす。
type Collector struct {
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	loginTotal      *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	roleReload      prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_dispatch_total",
			Help: "ドメイン・結果種別ごとのディスパッチ数",
		}, []string{"domain", "kind"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keystone_dispatch_latency_seconds",
			Help:    "ディスパッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain"}),
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_login_total",
			Help: "プロバイダー・結果ごとのログイン数",
		}, []string{"provider", "outcome"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_refresh_total",
			Help: "結果ごとのアクセストークン再発行数",
		}, []string{"outcome"}),
		roleReload: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keystone_role_reload_total",
			Help: "ロールテーブルの差し替え回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.dispatchTotal,
		c.dispatchLatency,
		c.loginTotal,
		c.refreshTotal,
		c.roleReload,
		c.httpStatus,
	)

	return c
}

// ObserveDispatch はディスパッチ1件の結果とレイテンシを記録する。
// domainが空（URN解析前に失敗）の場合は"unknown"として集計する。
func (c *Collector) ObserveDispatch(domain, kind string, elapsed time.Duration) {
	if domain == "" {
		domain = "unknown"
	}
	c.dispatchTotal.WithLabelValues(domain, kind).Inc()
	c.dispatchLatency.WithLabelValues(domain).Observe(elapsed.Seconds())
}

// ObserveLogin はログインの結果を記録する。
func (c *Collector) ObserveLogin(provider, outcome string) {
	c.loginTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveRefresh はアクセストークン再発行の結果を記録する。
func (c *Collector) ObserveRefresh(outcome string) {
	c.refreshTotal.WithLabelValues(outcome).Inc()
}

// RecordRoleReload はロールテーブルの差し替えを記録する。
func (c *Collector) RecordRoleReload() {
	c.roleReload.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
