package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_build_info",
			Help: "Build information of the harvester",
		},
		[]string{"version", "commit", "date"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_cycles_total",
			Help: "Total number of completed cycles by terminal state",
		},
		[]string{"state"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_cycle_duration_seconds",
			Help:    "Duration of harvest/swap/distribute cycles",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
	)

	CyclePanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_cycle_panics_total",
			Help: "Total number of cycles that panicked",
		},
	)

	SchedulerSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_scheduler_skips_total",
			Help: "Total number of triggers skipped because a cycle was already running",
		},
	)

	HarvestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_harvested_base_units_total",
			Help: "Total fee-token base units collected from withheld balances",
		},
	)

	HarvestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_harvest_batches_total",
			Help: "Total number of harvest batches",
		},
		[]string{"status"},
	)

	SwapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_swaps_total",
			Help: "Total number of swaps by outcome",
		},
		[]string{"status"},
	)

	SettlementLamportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_settlement_lamports_total",
			Help: "Total lamports credited to the settlement account by swaps",
		},
	)

	PaidLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_paid_lamports_total",
			Help: "Total lamports paid out",
		},
		[]string{"recipient"}, // "holder", "treasury"
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_payments_total",
			Help: "Total number of payments by recipient and outcome",
		},
		[]string{"recipient", "status"},
	)

	CarryOverLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_carry_over_lamports",
			Help: "Lamports currently owed as carry-over",
		},
	)

	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_store_degraded",
			Help: "1 when the state store is serving from memory after a backend failure",
		},
	)

	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_store_operations_total",
			Help: "Total number of state store backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_rpc_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"method", "status"},
	)

	ArchiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_archive_writes_total",
			Help: "Total number of cycle archive writes",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
