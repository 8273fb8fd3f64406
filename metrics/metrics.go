// Package metrics holds the Prometheus collectors of the exchange.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adexchange"

// Metrics holds all collectors of the primary context.
type Metrics struct {
	// Protocol metrics
	AsksPlaced        prometheus.Counter
	BidsPlaced        prometheus.Counter
	EscrowedAmount    prometheus.Counter
	AuctionsProcessed *prometheus.CounterVec
	AuctionsSettled   prometheus.Counter

	// Vault metrics
	VaultBalance *prometheus.GaugeVec

	// Delegation metrics
	DelegationOps     *prometheus.CounterVec
	SecondaryDuration *prometheus.HistogramVec

	// API metrics
	RequestsProcessed *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AsksPlaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_placed_total",
			Help:      "Total number of asks placed by publishers",
		}),
		BidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_placed_total",
			Help:      "Total number of bids placed",
		}),
		EscrowedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrowed_amount_total",
			Help:      "Total base units deposited into the vault at bid time",
		}),
		AuctionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_processed_total",
			Help:      "Total number of auctions resolved by outcome",
		}, []string{"outcome"}),
		AuctionsSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_settled_total",
			Help:      "Total number of auctions paid out",
		}),
		VaultBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_balance",
			Help:      "Vault balances in base units",
		}, []string{"balance"}),
		DelegationOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_operations_total",
			Help:      "Delegation protocol operations by type and result",
		}, []string{"op", "result"}),
		SecondaryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "secondary_duration_seconds",
			Help:      "Time spent in delegation operations including the secondary round trip",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RequestsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_processed_total",
			Help:      "Total number of API requests processed",
		}, []string{"method", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveDelegation records one delegation operation.
func (m *Metrics) ObserveDelegation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DelegationOps.WithLabelValues(op, result).Inc()
	m.SecondaryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetVault publishes the vault balances.
func (m *Metrics) SetVault(total, pending, fees uint64) {
	m.VaultBalance.WithLabelValues("total").Set(float64(total))
	m.VaultBalance.WithLabelValues("pending").Set(float64(pending))
	m.VaultBalance.WithLabelValues("fees").Set(float64(fees))
}
