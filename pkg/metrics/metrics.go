// Package metrics defines the Prometheus collectors shared across services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersSubmitted counts accepted orders by pair and side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_orders_submitted_total",
		Help: "Number of orders accepted into the book",
	}, []string{"pair", "side"})

	// OrdersRejected counts rejected submissions by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_orders_rejected_total",
		Help: "Number of order submissions rejected",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dex_orders_cancelled_total",
		Help: "Number of orders cancelled",
	})

	// TradesExecuted counts trades committed by the executor.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_trades_executed_total",
		Help: "Number of trades executed",
	}, []string{"pair"})

	// MatchingCycleDuration observes the wall time of one full matching cycle.
	MatchingCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dex_matching_cycle_seconds",
		Help:    "Duration of a full matching cycle across all pairs",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementOutcomes counts settlement terminal states.
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_settlements_total",
		Help: "Number of external settlements by outcome",
	}, []string{"status"})
)
