// Package metrics provides Prometheus instrumentation for the staking engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/units"
)

var (
	// OperationsTotal counts engine operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_staking_operations_total",
		Help: "Total staking operations, by operation and result",
	}, []string{"op", "result"})

	// OperationLatency tracks how long engine operations take.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_staking_operation_latency_seconds",
		Help:    "Staking operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TotalStaked mirrors the engine's total principal, in whole tokens.
	TotalStaked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_staking_total_staked_tokens",
		Help: "Total principal staked, in tokens",
	})

	// RewardPool mirrors the pool balance in pool mode, in whole tokens.
	RewardPool = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_staking_reward_pool_tokens",
		Help: "Reward pool balance, in tokens",
	})

	// APY is the current annual rate in percent.
	APY = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_staking_apy_percent",
		Help: "Current annual reward rate in percent",
	})

	// ActivePositions tracks the number of open stake records.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_staking_active_positions",
		Help: "Number of accounts with a non-zero stake",
	})

	// RewardsPaid accumulates settled rewards, in tokens.
	RewardsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_staking_rewards_paid_tokens_total",
		Help: "Cumulative rewards paid out, in tokens",
	})

	// WhitelistRejections counts stakes refused by the allowlist.
	WhitelistRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_staking_whitelist_rejections_total",
		Help: "Stakes rejected because the caller is not whitelisted",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveGlobals refreshes the state gauges.
func ObserveGlobals(g *model.Globals, positions int) {
	TotalStaked.Set(units.Float(g.TotalStaked))
	RewardPool.Set(units.Float(g.RewardPool))
	APY.Set(float64(g.APY))
	ActivePositions.Set(float64(positions))
}

// ObserveOperation records one engine operation's outcome and latency.
func ObserveOperation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveReward adds a settled reward to RewardsPaid.
func ObserveReward(amount *uint256.Int) {
	if amount != nil && !amount.IsZero() {
		RewardsPaid.Add(units.Float(amount))
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label; raw paths carry addresses.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
