package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCRequestsTotal tracks RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainswap_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"status"},
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainswap_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// QuoteRequestsTotal tracks quote service requests by status
	QuoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainswap_quote_requests_total",
			Help: "The total number of quote service requests",
		},
		[]string{"status"},
	)

	// SwapsTotal tracks swaps by terminal status
	SwapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainswap_swaps_total",
			Help: "The total number of swap executions",
		},
		[]string{"status"}, // completed, failed
	)

	// SwapDurationSeconds tracks end-to-end swap execution time
	SwapDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainswap_swap_duration_seconds",
		Help:    "Time taken to execute a swap in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	})

	// FundingTransfersTotal tracks master wallet funding transfers
	FundingTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainswap_funding_transfers_total",
			Help: "The total number of master wallet funding transfers",
		},
		[]string{"status"},
	)

	// LedgerOperations tracks ledger store operations
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainswap_ledger_operations_total",
			Help: "The total number of ledger store operations",
		},
		[]string{"operation", "status"}, // create/update/list, success/failed
	)
)

// SetRPCEndpointHealth records the health of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}
