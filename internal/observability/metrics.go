package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are defined globally here and registered on the default
// registry. Tests assert on deltas (see testsupport.GetCounterValue).

// namespace defines the global prefix for all metrics (e.g., heimdall_...).
const namespace = "heimdall"

// lowLatencyBuckets is used for in-process work (evaluation, socket writes).
// Standard buckets start at 5ms, which hides most of the distribution.
var lowLatencyBuckets = []float64{.0005, .001, .002, .005, .010, .025, .050, .100, .250, .500, 1}

// sessionBuckets covers connection lifetimes from seconds to a day.
var sessionBuckets = []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600}

var (
	// -------------------------------------------------------------------------
	// STREAMING GATEWAY (WebSocket)
	// -------------------------------------------------------------------------

	// StreamingConnectionsActive tracks currently open sockets by connection type.
	// Metric: heimdall_streaming_connections_active
	StreamingConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "connections_active",
		Help:      "Currently open WebSocket connections",
	}, []string{"type"})

	StreamingConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "connections_total",
		Help:      "Total accepted WebSocket connections",
	}, []string{"type"})

	// StreamingConnectionsRejected counts handshakes refused before registration.
	StreamingConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "connections_rejected_total",
		Help:      "Total WebSocket handshakes rejected",
	}, []string{"reason"}) // invalid_request, unavailable, capacity, draining, upgrade_failed

	StreamingConnectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "connection_duration_seconds",
		Help:      "Lifetime of WebSocket connections",
		Buckets:   sessionBuckets,
	}, []string{"type"})

	StreamingMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "messages_received_total",
		Help:      "Total inbound messages by message type",
	}, []string{"message_type"})

	// StreamingProtocolErrors counts inbound messages that could not be handled.
	StreamingProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "protocol_errors_total",
		Help:      "Total inbound protocol errors",
	}, []string{"reason"}) // malformed, unknown_type, too_large, handler_failed

	StreamingMessageHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "message_handling_seconds",
		Help:      "Time taken to handle an inbound message, reply included",
		Buckets:   lowLatencyBuckets,
	}, []string{"message_type"})

	// StreamingRegistryEntries is the number of (socket, connection) entries indexed by environment.
	StreamingRegistryEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "registry_entries",
		Help:      "Current number of connection entries in the registry",
	})

	// --- Fan-out pool ---

	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "deliveries_total",
		Help:      "Total per-connection push deliveries",
	}, []string{"status"}) // success, failed, skipped

	FanoutQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "queue_depth",
		Help:      "Current number of deliveries waiting for a worker",
	})

	FanoutDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "delivery_seconds",
		Help:      "Time taken to render and write one push",
		Buckets:   lowLatencyBuckets,
	})

	// -------------------------------------------------------------------------
	// BACKPLANE (Transports)
	// -------------------------------------------------------------------------

	BackplanePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "published_total",
		Help:      "Total messages published to the backplane",
	}, []string{"transport", "status"}) // success, fail

	BackplaneReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "received_total",
		Help:      "Total messages delivered to backplane handlers",
	}, []string{"transport"})

	BackplaneReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "reconnects_total",
		Help:      "Total subscription reconnect attempts",
	}, []string{"transport"})

	// BackplaneFatalErrors counts subscription loops that stopped for good.
	BackplaneFatalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "fatal_errors_total",
		Help:      "Total non-retriable subscription failures",
	}, []string{"transport"})

	BackplaneDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "dropped_total",
		Help:      "Total received messages discarded before delivery",
	}, []string{"reason"}) // malformed, self, handler_failed

	// BackplaneRedeliveries counts failed handler attempts on transports that
	// hold the message (Kafka offset, Postgres watermark) until it succeeds.
	BackplaneRedeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "redeliveries_total",
		Help:      "Total handler failures whose message was kept for another attempt",
	}, []string{"transport"})

	// BackplaneReplayed counts Postgres rows delivered by catch-up queries rather than notifications.
	BackplaneReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "replayed_total",
		Help:      "Total messages recovered through catch-up reads",
	})

	BackplanePruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "pruned_total",
		Help:      "Total persisted messages removed by retention",
	})

	BackplanePeerHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "peer_heartbeats_total",
		Help:      "Total heartbeats received from other instances",
	})

	BackplanePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backplane",
		Name:      "peers",
		Help:      "Other instances seen on the heartbeat channel within the last three intervals",
	})

	// -------------------------------------------------------------------------
	// DISPATCHER (Domain change messages)
	// -------------------------------------------------------------------------

	DispatcherMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "messages_total",
		Help:      "Total domain change messages processed",
	}, []string{"topic", "status"}) // success, dropped, fail

	// -------------------------------------------------------------------------
	// EVALUATION + STORE
	// -------------------------------------------------------------------------

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "flag_seconds",
		Help:      "Time taken to evaluate one flag for one user",
		Buckets:   lowLatencyBuckets,
	})

	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "errors_total",
		Help:      "Total evaluations that ended with an error code",
	}, []string{"code"})

	SecretCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "secret_cache_hits_total",
		Help:      "Total secret lookups served from the in-process cache",
	})

	SecretCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "secret_cache_misses_total",
		Help:      "Total secret lookups that reached the database",
	})

	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "query_seconds",
		Help:      "Time taken by store queries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})

	// DatabasePoolConnections exports pgxpool statistics sampled by database.RunPoolMonitor.
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "PostgreSQL pool connections by state",
	}, []string{"state"}) // in_use, idle, total, max

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	// DatabasePoolWaitCount counts acquisitions that had to wait for a free connection.
	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Total acquisitions that waited because the pool was empty",
	})
)
