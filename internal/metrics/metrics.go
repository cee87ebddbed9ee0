// Package metrics 暴露缓存协调器的 Prometheus 指标。所有指标注册在私有
// Registry 上，方法对 nil 接收者安全，测试中可直接传 nil。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/readcache/internal/metadata"
)

// Result 标签取值。
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDiscarded = "discarded"
)

// Metrics 汇总全部指标。
type Metrics struct {
	registry *prometheus.Registry

	DownloadsTotal     *prometheus.CounterVec
	DeletesTotal       *prometheus.CounterVec
	ManifestsTotal     *prometheus.CounterVec
	MigrationsTotal    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ReconcileRuns      *prometheus.CounterVec
	DownloadsInFlight  prometheus.Gauge
	DownloadBytes      prometheus.Counter
	DownloadDuration   prometheus.Histogram

	GroupsCurrent prometheus.Gauge
	ItemsCurrent  *prometheus.GaugeVec
	StoredBytes   prometheus.Gauge
}

// New 在新的私有 Registry 上注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_downloads_total",
			Help: "Item downloads by result",
		}, []string{"result"}),
		DeletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_deletes_total",
			Help: "Item payload deletions by result",
		}, []string{"result"}),
		ManifestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_manifests_total",
			Help: "Manifest fetches by endpoint and result",
		}, []string{"endpoint", "result"}),
		MigrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_migrations_total",
			Help: "Legacy content ingestions by result",
		}, []string{"result"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_notifications_total",
			Help: "Change notifications emitted",
		}, []string{"downloaded"}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "readcache_reconcile_runs_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		DownloadsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "readcache_downloads_in_flight",
			Help: "Downloads currently running",
		}),
		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "readcache_download_bytes_total",
			Help: "Bytes written to the content store by downloads",
		}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "readcache_download_duration_seconds",
			Help:    "Duration of successful item downloads",
			Buckets: prometheus.DefBuckets,
		}),
		GroupsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "readcache_groups",
			Help: "Cache groups currently stored",
		}),
		ItemsCurrent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readcache_items",
			Help: "Cache items currently stored by state",
		}, []string{"state"}),
		StoredBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "readcache_stored_bytes",
			Help: "Bytes of downloaded payloads",
		}),
	}
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回私有 Registry，供测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// DownloadStarted 增加在途下载数，返回的函数在下载结束时调用。
func (m *Metrics) DownloadStarted() func() {
	if m == nil {
		return func() {}
	}
	m.DownloadsInFlight.Inc()
	return m.DownloadsInFlight.Dec
}

// ObserveDownload 记录一次下载结果。
func (m *Metrics) ObserveDownload(result string, bytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.DownloadBytes.Add(float64(bytes))
		m.DownloadDuration.Observe(seconds)
	}
}

// ObserveDelete 记录一次删除结果。
func (m *Metrics) ObserveDelete(err error) {
	if m == nil {
		return
	}
	m.DeletesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveManifest 记录一次清单拉取结果。
func (m *Metrics) ObserveManifest(endpoint string, err error) {
	if m == nil {
		return
	}
	m.ManifestsTotal.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

// ObserveMigration 记录一次迁移写入结果。
func (m *Metrics) ObserveMigration(err error) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveNotification 记录一次变更通知。
func (m *Metrics) ObserveNotification(change metadata.Change) {
	if m == nil {
		return
	}
	label := "false"
	if change.IsDownloaded {
		label = "true"
	}
	m.NotificationsTotal.WithLabelValues(label).Inc()
}

// ObserveReconcile 记录一次对账结果。
func (m *Metrics) ObserveReconcile(err error) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveStats 用元数据统计刷新存量类 Gauge。
func (m *Metrics) ObserveStats(stats metadata.Stats) {
	if m == nil {
		return
	}
	m.GroupsCurrent.Set(float64(stats.Groups))
	m.ItemsCurrent.WithLabelValues("total").Set(float64(stats.Items))
	m.ItemsCurrent.WithLabelValues("downloaded").Set(float64(stats.Downloaded))
	m.ItemsCurrent.WithLabelValues("pending_delete").Set(float64(stats.PendingDelete))
	m.ItemsCurrent.WithLabelValues("from_migration").Set(float64(stats.FromMigration))
	m.StoredBytes.Set(float64(stats.Bytes))
}
