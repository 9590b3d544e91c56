// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossclaim",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crossclaim",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Escrow state machine ---

	// EscrowTransitionsTotal counts escrow state transitions by outcome.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossclaim",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by outcome (created, claimed, refunded).",
		},
		[]string{"outcome"},
	)

	// EscrowRejectionsTotal counts rejected escrow operations by reason.
	EscrowRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossclaim",
			Name:      "escrow_rejections_total",
			Help:      "Total rejected escrow operations by failure reason.",
		},
		[]string{"reason"},
	)

	// EscrowLockDuration observes time from creation to settlement.
	EscrowLockDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crossclaim",
		Name:      "escrow_lock_duration_seconds",
		Help:      "Time from escrow creation to terminal settlement in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 7200, 21600, 86400, 604800},
	})

	// --- Settlement broker ---

	// BrokerShadowTransactions tracks shadow transactions by status.
	BrokerShadowTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crossclaim",
			Name:      "broker_shadow_transactions",
			Help:      "Current shadow transactions by status.",
		},
		[]string{"status"},
	)

	// BrokerQueueDepth tracks the settlement queue length.
	BrokerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim",
		Name:      "broker_settlement_queue_depth",
		Help:      "Number of shadow transactions queued for settlement.",
	})

	// BrokerSettlementsTotal counts settlement attempts by result.
	BrokerSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossclaim",
			Name:      "broker_settlements_total",
			Help:      "Total settlement submissions by result (submitted, retried, dropped, stale).",
		},
		[]string{"result"},
	)

	// BrokerVerificationsDegradedTotal counts collaborator checks that could not complete.
	BrokerVerificationsDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crossclaim",
		Name:      "broker_verifications_degraded_total",
		Help:      "Total counterpart verifications skipped because a collaborator was unreachable.",
	})

	// --- Disputes ---

	// OpenDisputes tracks currently open dispute cases.
	OpenDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim",
		Name:      "open_disputes",
		Help:      "Number of currently open dispute cases.",
	})

	// DisputeResolutionsTotal counts dispute resolutions by outcome.
	DisputeResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crossclaim",
			Name:      "dispute_resolutions_total",
			Help:      "Total dispute resolutions by outcome (released, refunded, external).",
		},
		[]string{"outcome"},
	)

	// --- Infrastructure ---

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossclaim", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowRejectionsTotal,
		EscrowLockDuration,
		BrokerShadowTransactions,
		BrokerQueueDepth,
		BrokerSettlementsTotal,
		BrokerVerificationsDegradedTotal,
		OpenDisputes,
		DisputeResolutionsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
