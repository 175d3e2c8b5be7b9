package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 邮件入库计数
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_messages_ingested_total",
			Help: "Messages seen by the sync engine, by outcome",
		},
		[]string{"outcome"}, // outcome: stored, duplicate, parse_error, store_error
	)

	// IMAP 连接事件
	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_connection_events_total",
			Help: "Mailbox connection lifecycle events",
		},
		[]string{"event"}, // event: connected, connect_failed, ended, reconnect
	)

	// 当前活跃连接数
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onebox_active_connections",
			Help: "Number of accounts with a live mailbox session",
		},
	)

	// 同步批次耗时（秒）
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onebox_sync_duration_seconds",
			Help:    "Sync batch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"kind", "status"},
	)

	// 分类服务调用延迟（毫秒）
	ClassifierCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onebox_classifier_call_latency_ms",
			Help:    "Classification service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"endpoint", "status"},
	)

	// 分类结果计数
	EnrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_enrichment_outcomes_total",
			Help: "Enrichment attempts by outcome",
		},
		[]string{"outcome"}, // outcome: enriched, rate_limited, failed, dropped, invalid
	)

	// 通知投递计数
	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_notification_attempts_total",
			Help: "Outbound notification attempts by destination kind and result",
		},
		[]string{"destination", "result"},
	)

	// 索引写入计数
	IndexWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_index_writes_total",
			Help: "Search index writes by operation and result",
		},
		[]string{"op", "result"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onebox_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebox_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onebox_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"statement"},
	)
)

// IncrementIngested 增加入库计数
func IncrementIngested(outcome string) {
	MessagesIngested.WithLabelValues(outcome).Inc()
}

// IncrementConnectionEvent 记录连接事件
func IncrementConnectionEvent(event string) {
	ConnectionEvents.WithLabelValues(event).Inc()
}

// RecordSyncDuration 记录同步耗时
func RecordSyncDuration(kind, status string, duration time.Duration) {
	SyncDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// RecordClassifierCallLatency 记录分类服务调用延迟
func RecordClassifierCallLatency(endpoint, status string, duration time.Duration) {
	ClassifierCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

// IncrementEnrichment 记录分类结果
func IncrementEnrichment(outcome string) {
	EnrichmentOutcomes.WithLabelValues(outcome).Inc()
}

// IncrementNotification 记录通知投递
func IncrementNotification(destination, result string) {
	NotificationAttempts.WithLabelValues(destination, result).Inc()
}

// IncrementIndexWrite 记录索引写入
func IncrementIndexWrite(op, result string) {
	IndexWrites.WithLabelValues(op, result).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueries.WithLabelValues(statement).Inc()
	DBQueryDuration.WithLabelValues(statement).Observe(duration.Seconds())
}
