package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_messages_total",
			Help: "Total number of queue records resolved by the rule engine (count)",
		},
		[]string{"queue", "outcome"},
	)

	NodeInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_node_invocations_total",
			Help: "Total number of rule node invocations (count)",
		},
		[]string{"node_type", "outcome"},
	)

	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_engine_node_duration_ms",
			Help:    "Rule node execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"node_type"},
	)

	ContinuationsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_engine_continuations_pending",
			Help: "Continuation tasks waiting on the internal work queue (count)",
		},
	)

	ActiveChains = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_engine_active_chains",
			Help: "Number of published tenant rule chains (count)",
		},
	)

	ChainLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_chain_loads_total",
			Help: "Total number of rule chain load attempts (count)",
		},
		[]string{"status"},
	)

	DedupBufferedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_buffered_total",
			Help: "Total number of envelopes buffered by deduplication nodes (count)",
		},
		[]string{"node_id"},
	)

	DedupOverflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_overflow_total",
			Help: "Total number of envelopes dropped or rejected on buffer overflow (count)",
		},
		[]string{"node_id", "policy"},
	)

	DedupEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_emitted_total",
			Help: "Total number of envelopes emitted at window expiry (count)",
		},
		[]string{"node_id", "strategy"},
	)

	DedupPersistFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_persist_failures_total",
			Help: "Total number of window states that could not be persisted after retries (count)",
		},
		[]string{"node_id"},
	)

	PartitionsOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitions_owned",
			Help: "Number of partitions owned by this node per queue (count)",
		},
		[]string{"queue"},
	)

	PartitionRebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partition_rebalances_total",
			Help: "Total number of partition assignment recalculations (count)",
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_commits_total",
			Help: "Total number of queue record commits (count)",
		},
		[]string{"queue", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "queue"},
	)

	DiscardedAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_discarded_acks_total",
			Help: "Acknowledgements discarded because the partition was revoked (count)",
		},
		[]string{"queue"},
	)

	ExternalDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_dispatch_total",
			Help: "Total number of external dispatches (count)",
		},
		[]string{"transport", "status"},
	)

	EnrichmentProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_provider_requests_total",
			Help: "Total number of requests to enrichment providers (count)",
		},
		[]string{"provider", "status"},
	)

	EnrichmentProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_provider_duration_ms",
			Help:    "Duration of enrichment provider requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"provider"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"topic", "partition"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	IngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_ingested_total",
			Help: "Total number of messages submitted to rule engine queues (count)",
		},
		[]string{"queue", "status"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "operation", "status"},
	)
)

func RegisterRuleEngineMetrics() {
	prometheus.MustRegister(MessagesRoutedTotal)
	prometheus.MustRegister(NodeInvocationsTotal)
	prometheus.MustRegister(NodeDuration)
	prometheus.MustRegister(ContinuationsPending)
	prometheus.MustRegister(ActiveChains)
	prometheus.MustRegister(ChainLoadsTotal)
	prometheus.MustRegister(DedupBufferedTotal)
	prometheus.MustRegister(DedupOverflowTotal)
	prometheus.MustRegister(DedupEmittedTotal)
	prometheus.MustRegister(DedupPersistFailuresTotal)
	prometheus.MustRegister(ExternalDispatchTotal)
	prometheus.MustRegister(EnrichmentProviderRequestsTotal)
	prometheus.MustRegister(EnrichmentProviderDuration)
}

func RegisterConsumerMetrics() {
	prometheus.MustRegister(PartitionsOwned)
	prometheus.MustRegister(PartitionRebalancesTotal)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DiscardedAcksTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(IngestedTotal)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
}

func IncMessageOutcome(queue, outcome string) {
	MessagesRoutedTotal.WithLabelValues(queue, outcome).Inc()
}

func ObserveNode(nodeType, outcome string, duration time.Duration) {
	NodeInvocationsTotal.WithLabelValues(nodeType, outcome).Inc()
	NodeDuration.WithLabelValues(nodeType).Observe(float64(duration.Milliseconds()))
}

func SetPartitionsOwned(queue string, count int) {
	PartitionsOwned.WithLabelValues(queue).Set(float64(count))
}

func IncCommit(queue, status string) {
	CommitsTotal.WithLabelValues(queue, status).Inc()
}

func IncKafkaMessagesRead(topic string, partition int) {
	KafkaMessagesReadTotal.WithLabelValues(topic, strconv.Itoa(partition)).Inc()
}

func ObserveKafkaWrite(topic string, duration time.Duration) {
	KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
	KafkaWriteDuration.WithLabelValues(topic).Observe(float64(duration.Milliseconds()))
}

func ObserveEnrichmentProvider(provider, status string, duration time.Duration) {
	EnrichmentProviderRequestsTotal.WithLabelValues(provider, status).Inc()
	EnrichmentProviderDuration.WithLabelValues(provider).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
}
