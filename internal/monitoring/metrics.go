package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 管道监控指标
type Metrics struct {
	// 队列消费指标
	CyclesTotal        prometheus.Counter
	MessagesProcessed  prometheus.Counter
	MessagesFailed     *prometheus.CounterVec
	MessagesDeleted    prometheus.Counter
	PausesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	DispatchDuration   *prometheus.HistogramVec

	// 队列深度指标
	QueueVisible    *prometheus.GaugeVec
	QueueDelayed    *prometheus.GaugeVec
	QueueNotVisible *prometheus.GaugeVec

	// 转发业务指标
	EmailsForwarded prometheus.Counter
	EmailsBlocked   prometheus.Counter
	EmailsSpam      prometheus.Counter
	TrackersRemoved prometheus.Counter

	// 电话中继指标
	SMSRelayed      prometheus.Counter
	SMSBlocked      prometheus.Counter
	CallsRelayed    prometheus.Counter
	CallsBlocked    prometheus.Counter
	VerifyCodesSent prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建管道监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_worker_cycles_total",
				Help: "Total number of worker poll cycles",
			},
		),

		MessagesProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_worker_messages_processed_total",
				Help: "Total number of queue messages processed",
			},
		),

		MessagesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_worker_messages_failed_total",
				Help: "Total number of queue messages that failed processing",
			},
			[]string{"error_code"},
		),

		MessagesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_worker_messages_deleted_total",
				Help: "Total number of queue messages deleted",
			},
		),

		PausesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_worker_pauses_total",
				Help: "Total number of throttling pauses taken by the worker",
			},
		),

		CycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_worker_cycle_duration_seconds",
				Help:    "Worker cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "Message dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		QueueVisible: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_messages_visible",
				Help: "Approximate number of visible messages in the queue",
			},
			[]string{"queue"},
		),

		QueueDelayed: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_messages_delayed",
				Help: "Approximate number of delayed messages in the queue",
			},
			[]string{"queue"},
		),

		QueueNotVisible: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_messages_not_visible",
				Help: "Approximate number of in-flight messages in the queue",
			},
			[]string{"queue"},
		),

		EmailsForwarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_emails_forwarded_total",
				Help: "Total number of emails forwarded to real addresses",
			},
		),

		EmailsBlocked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_emails_blocked_total",
				Help: "Total number of emails blocked by alias policy",
			},
		),

		EmailsSpam: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_emails_spam_total",
				Help: "Total number of emails dropped as spam",
			},
		),

		TrackersRemoved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_trackers_removed_total",
				Help: "Total number of trackers removed from email bodies",
			},
		),

		SMSRelayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_sms_relayed_total",
				Help: "Total number of inbound SMS relayed",
			},
		),

		SMSBlocked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_sms_blocked_total",
				Help: "Total number of inbound SMS blocked by contact policy",
			},
		),

		CallsRelayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_calls_relayed_total",
				Help: "Total number of inbound calls relayed",
			},
		),

		CallsBlocked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_calls_blocked_total",
				Help: "Total number of inbound calls blocked by contact policy",
			},
		),

		VerifyCodesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_verify_codes_sent_total",
				Help: "Total number of phone verification codes sent",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by kind and component",
			},
			[]string{"kind", "component"},
		),
	}
}

// RecordCycle 记录一次轮询周期
func (m *Metrics) RecordCycle(duration time.Duration) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// RecordQueueDepth 记录队列深度
func (m *Metrics) RecordQueueDepth(queue string, visible, delayed, notVisible int64) {
	m.QueueVisible.WithLabelValues(queue).Set(float64(visible))
	m.QueueDelayed.WithLabelValues(queue).Set(float64(delayed))
	m.QueueNotVisible.WithLabelValues(queue).Set(float64(notVisible))
}

// RecordDispatch 记录一次消息分发
func (m *Metrics) RecordDispatch(outcome string, duration time.Duration) {
	m.DispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordMessageFailed 记录消息处理失败
func (m *Metrics) RecordMessageFailed(errorCode string) {
	m.MessagesFailed.WithLabelValues(errorCode).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(kind, component string) {
	m.ErrorsTotal.WithLabelValues(kind, component).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
