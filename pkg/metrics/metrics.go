package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MessagesConsumed counts bus messages consumed per event category.
var MessagesConsumed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftgate_messages_consumed_total",
		Help: "Total number of bus messages consumed",
	},
	[]string{"category"},
)

// MessagesFailed counts messages whose processing failed, by failure kind
// (decode, store).
var MessagesFailed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftgate_messages_failed_total",
		Help: "Total number of bus messages that failed processing",
	},
	[]string{"category", "reason"},
)

// MessagesQuarantined counts messages moved to the dead-letter topic.
var MessagesQuarantined = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftgate_messages_quarantined_total",
		Help: "Total number of messages sent to the dead-letter topic",
	},
	[]string{"category"},
)

// EntitiesUpserted counts entities written through to the store per table.
var EntitiesUpserted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hftgate_entities_upserted_total",
		Help: "Total number of entities upserted into the read store",
	},
	[]string{"table"},
)

// Janitor delete outcomes. Failures here are correctness defects: a terminal
// order left in the store looks open to every stream consumer.
var (
	JanitorDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftgate_janitor_deletes_total",
			Help: "Total number of terminal-state records deleted from the read store",
		},
		[]string{"table"},
	)

	JanitorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftgate_janitor_failures_total",
			Help: "Total number of terminal-state deletions that exhausted retries",
		},
		[]string{"table"},
	)
)

// Stream fan-out metrics.
var (
	ActiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hftgate_active_streams",
			Help: "Number of currently registered output streams",
		},
		[]string{"registry"},
	)

	BroadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftgate_broadcast_deliveries_total",
			Help: "Total number of updates delivered to output streams",
		},
		[]string{"registry"},
	)

	BroadcastDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hftgate_broadcast_drops_total",
			Help: "Total number of streams dropped during broadcast",
		},
		[]string{"registry"},
	)
)

// StoreLatency records latency distribution for bulk store writes.
var StoreLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hftgate_store_write_latency_seconds",
		Help:    "Latency in seconds of bulk writes to the read store",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"table"},
)

func init() {
	prometheus.MustRegister(MessagesConsumed, MessagesFailed, MessagesQuarantined)
	prometheus.MustRegister(EntitiesUpserted, JanitorDeletes, JanitorFailures)
	prometheus.MustRegister(ActiveStreams, BroadcastDeliveries, BroadcastDrops)
	prometheus.MustRegister(StoreLatency)
}
