// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 同时实现 ratelimit.Observer、workflow.Observer 与 scheduler.Observer。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 工作流指标
	submissionsTotal *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	stepAttempts     *prometheus.HistogramVec
	stepDuration     *prometheus.HistogramVec
	knowledgeWrites  *prometheus.CounterVec

	// 调度指标
	queueDepth prometheus.Gauge
	running    prometheus.Gauge

	// 限流指标
	rateAdmissions prometheus.Counter
	rateRejections *prometheus.CounterVec
	rateWait       prometheus.Histogram

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器；reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 工作流指标
	c.submissionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_submissions_total",
			Help:      "Workflow submissions by admission outcome",
		},
		[]string{"outcome"},
	)
	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs that reached a terminal state",
		},
		[]string{"state"},
	)
	c.runDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"state"},
	)
	c.stepsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Workflow steps by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	c.stepAttempts = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_attempts",
			Help:      "Attempts spent per workflow step",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"kind"},
	)
	c.stepDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds, retries included",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)
	c.knowledgeWrites = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_writes_total",
			Help:      "Knowledge graph writes by kind",
		},
		[]string{"kind"},
	)

	// 调度指标
	c.queueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_queue_depth",
		Help:      "Workflows waiting for a slot",
	})
	c.running = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_running",
		Help:      "Workflows currently holding a slot",
	})

	// 限流指标
	c.rateAdmissions = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_admissions_total",
		Help:      "Model calls admitted by the rate limiter",
	})
	c.rateRejections = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Model calls rejected by the rate limiter",
		},
		[]string{"reason"},
	)
	c.rateWait = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for rate limiter admission",
		Buckets:   []float64{0, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔁 工作流指标记录
// =============================================================================

// ObserveSubmission 记录提交结果
func (c *Collector) ObserveSubmission(outcome string) {
	c.submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun 记录运行终态
func (c *Collector) ObserveRun(state string, d time.Duration) {
	c.runsTotal.WithLabelValues(state).Inc()
	c.runDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveStep 记录步骤结果
func (c *Collector) ObserveStep(kind, outcome string, attempts int, d time.Duration) {
	c.stepsTotal.WithLabelValues(kind, outcome).Inc()
	c.stepAttempts.WithLabelValues(kind).Observe(float64(attempts))
	c.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveKnowledgeWrite 记录知识写入
func (c *Collector) ObserveKnowledgeWrite(kind string) {
	c.knowledgeWrites.WithLabelValues(kind).Inc()
}

// SetQueueDepth 设置排队数
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// SetRunning 设置运行数
func (c *Collector) SetRunning(n int) { c.running.Set(float64(n)) }

// =============================================================================
// 🚦 限流指标记录
// =============================================================================

// ObserveAdmission 记录准入；caller 不作为 label，避免基数膨胀
func (c *Collector) ObserveAdmission(_ string, wait time.Duration) {
	c.rateAdmissions.Inc()
	c.rateWait.Observe(wait.Seconds())
}

// ObserveRejection 记录拒绝
func (c *Collector) ObserveRejection(_ string, reason string) {
	c.rateRejections.WithLabelValues(reason).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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
