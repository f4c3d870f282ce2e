package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MaterializerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "materializer_run_duration_seconds",
			Help:    "Duration of one materializer pass over all recurring tasks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"trigger"}, // trigger: cron, task_changed
	)

	InstancesMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instances_materialized_total",
			Help: "Task instances created by the materializer",
		},
		[]string{"frequency"}, // daily, weekly, monthly, yearly
	)

	CalendarAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_api_calls_total",
			Help: "Calls issued against the Google Calendar API",
		},
		[]string{"verb", "status"}, // verb: insert, update, delete; status: ok, rate_limited, not_found, error
	)

	CalendarAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_api_latency_ms",
			Help:    "Google Calendar API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"verb"},
	)

	SyncSkippedUnchanged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_skipped_unchanged_total",
			Help: "Sync items skipped because the content hash was unchanged",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Upstream OAuth token refresh calls",
		},
		[]string{"outcome"}, // ok, revoked, error
	)

	SyncLeaseContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_lease_contention_total",
			Help: "Bulk sync runs that had to wait for or cancel an in-flight run",
		},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries exceeding the slow-query threshold",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)
)

func RecordMaterializerRun(trigger string, duration time.Duration) {
	MaterializerRunDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func RecordCalendarCall(verb, status string, duration time.Duration) {
	CalendarAPICalls.WithLabelValues(verb, status).Inc()
	CalendarAPILatency.WithLabelValues(verb).Observe(float64(duration.Milliseconds()))
}

func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}
