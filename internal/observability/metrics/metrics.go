package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "redmite_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	telemetryMessages *prometheus.CounterVec
	telemetryDropped  *prometheus.CounterVec

	alertsScheduled prometheus.Counter
	alertsFired     prometheus.Counter
	pushResults     *prometheus.CounterVec

	configPushTotal *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	historyQueryLatency prometheus.Histogram
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		telemetryMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_messages_total",
				Help: "Total telemetry messages by kind and broker",
			},
			[]string{"kind", "server"},
		)
		telemetryDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_dropped_total",
				Help: "Total telemetry messages dropped by reason",
			},
			[]string{"reason"},
		)

		alertsScheduled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_scheduled_total",
				Help: "Total overdue timers armed",
			},
		)
		alertsFired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_fired_total",
				Help: "Total overdue alerts fired",
			},
		)
		pushResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_results_total",
				Help: "Total push deliveries by result",
			},
			[]string{"result"},
		)

		configPushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "config_push_total",
				Help: "Total configuration pushes by result",
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total operation history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Operation history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		historyQueryLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "history_query_latency_seconds",
				Help:    "Mode history query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			telemetryMessages,
			telemetryDropped,
			alertsScheduled,
			alertsFired,
			pushResults,
			configPushTotal,
			exportTotal,
			exportLatency,
			historyQueryLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncTelemetryMessage counts one accepted telemetry message.
func IncTelemetryMessage(kind, server string) {
	if kind == "" {
		kind = "unknown"
	}
	if telemetryMessages != nil {
		telemetryMessages.WithLabelValues(kind, server).Inc()
	}
}

// IncTelemetryDropped counts one dropped telemetry message.
func IncTelemetryDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if telemetryDropped != nil {
		telemetryDropped.WithLabelValues(reason).Inc()
	}
}

// IncAlertScheduled counts one armed overdue timer.
func IncAlertScheduled() {
	if alertsScheduled != nil {
		alertsScheduled.Inc()
	}
}

// IncAlertFired counts one fired overdue alert.
func IncAlertFired() {
	if alertsFired != nil {
		alertsFired.Inc()
	}
}

// IncPushResult counts one push delivery result.
func IncPushResult(result string) {
	if result == "" {
		result = resultError
	}
	if pushResults != nil {
		pushResults.WithLabelValues(result).Inc()
	}
}

// IncConfigPush counts one configuration push result.
func IncConfigPush(result string) {
	if result == "" {
		result = resultError
	}
	if configPushTotal != nil {
		configPushTotal.WithLabelValues(result).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// ObserveHistoryQuery records one mode history query duration.
func ObserveHistoryQuery(duration time.Duration) {
	if historyQueryLatency != nil {
		historyQueryLatency.Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
