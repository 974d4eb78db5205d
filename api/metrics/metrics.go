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
			Name: "rewardpool_api_build_info",
			Help: "Build information of the reward pool API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewardpool_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardpool_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Ledger metrics
	LedgerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_ledger_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method", "status"},
	)

	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewardpool_api_ledger_request_duration_seconds",
			Help:    "Duration of ledger RPC requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"method"},
	)

	// Claim metrics
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_claims_total",
			Help: "Total number of claim requests by outcome",
		},
		[]string{"outcome"}, // "signed", "zero", or a rejection kind
	)

	StoreFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_store_fail_open_total",
			Help: "Number of claim checks allowed because the store was unavailable",
		},
		[]string{"operation"},
	)

	// Payment metrics
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_payments_total",
			Help: "Total number of payment confirmations by outcome",
		},
		[]string{"outcome"},
	)

	AccessTokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardpool_api_access_tokens_issued_total",
			Help: "Total number of access tokens issued",
		},
	)

	// Distribution metrics
	DistributionTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardpool_api_distribution_triggers_total",
			Help: "Total number of distribution triggers by status",
		},
		[]string{"status"},
	)

	DistributedAmountTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardpool_api_distributed_amount_total",
			Help: "Total amount submitted for distribution, in smallest units",
		},
	)

	CollectionBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardpool_api_collection_balance",
			Help: "Last observed collection wallet balance, in smallest units",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordLedgerRequest records metrics for a ledger RPC request.
func RecordLedgerRequest(method string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LedgerRequestsTotal.WithLabelValues(method, status).Inc()
	LedgerRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordClaim(outcome string) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
}

func RecordStoreFailOpen(operation string) {
	StoreFailOpenTotal.WithLabelValues(operation).Inc()
}

func RecordPayment(outcome string) {
	PaymentsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		AccessTokensIssuedTotal.Inc()
	}
}

// RecordDistribution records a trigger result. Amount is only counted for
// submitted distributions.
func RecordDistribution(status string, amount uint64) {
	DistributionTriggersTotal.WithLabelValues(status).Inc()
	if amount > 0 {
		DistributedAmountTotal.Add(float64(amount))
	}
}

func SetCollectionBalance(balance uint64) {
	CollectionBalance.Set(float64(balance))
}
