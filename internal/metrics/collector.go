// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 上游调度指标
	dispatchAttemptsTotal   *prometheus.CounterVec
	dispatchAttemptDuration *prometheus.HistogramVec
	failoverSwitchesTotal   *prometheus.CounterVec
	candidateSkipsTotal     *prometheus.CounterVec
	candidatesResolved      *prometheus.HistogramVec

	// 格式转换指标
	conversionsTotal *prometheus.CounterVec

	// 限速指标
	rpmRejectionsTotal       *prometheus.CounterVec
	adaptiveAdjustmentsTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 上游调度指标
	c.dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of upstream dispatch attempts",
		},
		[]string{"provider", "signature", "status"},
	)

	c.dispatchAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "Upstream dispatch attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "signature"},
	)

	c.failoverSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_switches_total",
			Help:      "Total number of failover switches to another candidate",
		},
		[]string{"reason"},
	)

	c.candidateSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_skips_total",
			Help:      "Total number of candidates skipped before dispatch",
		},
		[]string{"reason"},
	)

	c.candidatesResolved = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidates_resolved",
			Help:      "Number of candidates resolved per request",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"signature"},
	)

	// 格式转换指标
	c.conversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_conversions_total",
			Help:      "Total number of cross-format request conversions",
		},
		[]string{"source", "target"},
	)

	// 限速指标
	c.rpmRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpm_rejections_total",
			Help:      "Total number of requests rejected by the RPM guard",
		},
		[]string{"provider", "quota"},
	)

	c.adaptiveAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adaptive_adjustments_total",
			Help:      "Total number of adaptive RPM limit adjustments",
		},
		[]string{"direction", "reason"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🚚 调度指标记录
// =============================================================================

// RecordDispatchAttempt 记录一次上游尝试
func (c *Collector) RecordDispatchAttempt(provider, signature, status string, duration time.Duration) {
	c.dispatchAttemptsTotal.WithLabelValues(provider, signature, status).Inc()
	c.dispatchAttemptDuration.WithLabelValues(provider, signature).Observe(duration.Seconds())
}

// RecordFailoverSwitch 记录一次候选切换
func (c *Collector) RecordFailoverSwitch(reason string) {
	c.failoverSwitchesTotal.WithLabelValues(reason).Inc()
}

// RecordCandidateSkip 记录一次候选跳过
func (c *Collector) RecordCandidateSkip(reason string) {
	c.candidateSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordCandidatesResolved 记录单次请求解析出的候选数量
func (c *Collector) RecordCandidatesResolved(signature string, count int) {
	c.candidatesResolved.WithLabelValues(signature).Observe(float64(count))
}

// RecordConversion 记录一次跨格式转换
func (c *Collector) RecordConversion(source, target string) {
	c.conversionsTotal.WithLabelValues(source, target).Inc()
}

// =============================================================================
// ⏱️ 限速指标记录
// =============================================================================

// RecordRPMRejection 记录一次 RPM 拒绝。
// quota 取值 cached / new_caller，对应被拒绝方所属的配额池。
func (c *Collector) RecordRPMRejection(provider, quota string) {
	c.rpmRejectionsTotal.WithLabelValues(provider, quota).Inc()
}

// RecordAdaptiveAdjustment 记录一次自适应限制调整
func (c *Collector) RecordAdaptiveAdjustment(direction, reason string) {
	c.adaptiveAdjustmentsTotal.WithLabelValues(direction, reason).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
