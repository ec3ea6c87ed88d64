package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersIngested counts orders accepted by the ingestion API
var OrdersIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "swapflow_orders_ingested_total",
		Help: "Total number of orders accepted and queued",
	},
)

// OrderTransitions counts lifecycle transitions persisted by the worker, by status
var OrderTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapflow_order_transitions_total",
		Help: "Total number of order status transitions written by the worker",
	},
	[]string{"status"},
)

// OrderLatency records wall time of one processing attempt, by outcome
var OrderLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swapflow_order_processing_latency_seconds",
		Help:    "Latency in seconds of a single job processing attempt",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	},
	[]string{"outcome"},
)

// VenueQuoteLatency records quote latency per venue
var VenueQuoteLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swapflow_venue_quote_latency_seconds",
		Help:    "Latency in seconds of venue quote requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"venue"},
)

// Work queue metrics
var (
	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapflow_queue_jobs_total",
			Help: "Job lifecycle events seen by the work queue",
		},
		[]string{"queue", "event"},
	)

	QueueStalledRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapflow_queue_stalled_recovered_total",
			Help: "Jobs moved back to wait after their worker lost the lock",
		},
		[]string{"queue"},
	)
)

// Event delivery metrics
var (
	EventPublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapflow_event_publish_errors_total",
			Help: "Lifecycle events that could not be delivered to a transport",
		},
		[]string{"transport"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapflow_ws_connections_active",
			Help: "Number of open order status WebSocket connections",
		},
	)

	WSFramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swapflow_ws_frames_sent_total",
			Help: "Number of event frames relayed to WebSocket clients",
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swapflow_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swapflow_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersIngested, OrderTransitions, OrderLatency, VenueQuoteLatency)
	prometheus.MustRegister(QueueJobs, QueueStalledRecovered)
	prometheus.MustRegister(EventPublishErrors, WSConnections, WSFramesSent)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
