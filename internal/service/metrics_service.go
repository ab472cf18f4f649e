package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, caching and the infirmary workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	notificationsDispatched *prometheus.CounterVec
	pushFailures            prometheus.Counter
	stockAdjustments        *prometheus.CounterVec
	lowStockAlerts          prometheus.Counter
	administrations         prometheus.Counter

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	notificationsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Notifications persisted, by type",
	}, []string{"type"})

	pushFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_push_failures_total",
		Help: "Online push attempts that could not be delivered",
	})

	stockAdjustments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjustments_total",
		Help: "Committed stock movements, by reason kind",
	}, []string{"reason"})

	lowStockAlerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "low_stock_alerts_total",
		Help: "Low stock alerts raised",
	})

	administrations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medication_administrations_total",
		Help: "Medication administrations recorded",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		notificationsDispatched, pushFailures, stockAdjustments, lowStockAlerts, administrations, goroutines,
	)

	return &MetricsService{
		registry:                registry,
		handler:                 promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:         requestDuration,
		requestTotal:            requestTotal,
		cacheLatency:            cacheLatency,
		cacheWrite:              cacheWrite,
		cacheHitRatio:           cacheHitRatio,
		cacheHits:               cacheHits,
		cacheMisses:             cacheMisses,
		notificationsDispatched: notificationsDispatched,
		pushFailures:            pushFailures,
		stockAdjustments:        stockAdjustments,
		lowStockAlerts:          lowStockAlerts,
		administrations:         administrations,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// NotificationsDispatched counts persisted notifications of a type.
func (m *MetricsService) NotificationsDispatched(kind models.NotificationType, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notificationsDispatched.WithLabelValues(string(kind)).Add(float64(count))
}

// PushFailed counts an undeliverable push.
func (m *MetricsService) PushFailed() {
	if m == nil {
		return
	}
	m.pushFailures.Inc()
}

// StockAdjusted counts a committed stock movement. Unknown kinds count as corrections.
func (m *MetricsService) StockAdjusted(kind string) {
	if m == nil {
		return
	}
	switch kind {
	case models.StockReasonAdministration, models.StockReasonRestock, models.StockReasonCorrection:
	default:
		kind = models.StockReasonCorrection
	}
	m.stockAdjustments.WithLabelValues(kind).Inc()
}

// LowStockAlerted counts a raised low stock alert.
func (m *MetricsService) LowStockAlerted() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

// MedicationAdministered counts a recorded administration.
func (m *MetricsService) MedicationAdministered() {
	if m == nil {
		return
	}
	m.administrations.Inc()
}
