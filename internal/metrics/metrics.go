// Package metrics provides Prometheus instrumentation for the trade engine.
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
			Namespace: "tradecore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradecore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradesCreatedTotal counts trades opened against offers.
	TradesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "trades_created_total",
		Help:      "Total trades created.",
	})

	// TradeTransitionsTotal counts committed state-machine transitions by action.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "trade_transitions_total",
			Help:      "Total committed trade transitions by action.",
		},
		[]string{"action"},
	)

	// DisputesOpenedTotal counts disputes filed.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// DisputesResolvedTotal counts admin verdicts by outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by outcome.",
		},
		[]string{"outcome"},
	)

	// ChatMessagesTotal counts chat messages appended to trade logs.
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "chat_messages_total",
		Help:      "Total chat messages appended.",
	})

	// SettlementsTotal counts ledger settlements confirmed.
	SettlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "settlements_total",
		Help:      "Total ledger settlements confirmed.",
	})

	// SettlementFailuresTotal counts settlement attempts that exhausted
	// retries and left a trade settlement-pending.
	SettlementFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "settlement_failures_total",
		Help:      "Total settlement attempts that exhausted retries.",
	})

	// SettlementRejectionsTotal counts payouts the ledger refused outright.
	SettlementRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "settlement_rejections_total",
		Help:      "Total payouts permanently rejected by the ledger.",
	})

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "notifications_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ReviewsTotal counts submitted trade reviews.
	ReviewsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "reviews_total",
		Help:      "Total trade reviews submitted.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradecore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ActiveTradeSubscriptions tracks live per-trade channel subscriptions.
	ActiveTradeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradecore",
			Name:      "active_trade_subscriptions",
			Help:      "Number of live per-trade channel subscriptions.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradesCreatedTotal,
		TradeTransitionsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		ChatMessagesTotal,
		SettlementsTotal,
		SettlementFailuresTotal,
		SettlementRejectionsTotal,
		NotificationsTotal,
		ReviewsTotal,
		ActiveWebSocketClients,
		ActiveTradeSubscriptions,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
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
			c.FullPath(), // Route pattern, not raw path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
