// Package metrics holds the Prometheus collectors shared by the HTTP layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RateLimitDecisions counts fixed-window limiter results per route.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepsearch_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"route", "result"},
	)

	// CreditOutcomes counts credit reservation outcomes and which remote
	// function version answered.
	CreditOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepsearch_credit_outcomes_total",
			Help: "Total number of credit reservation outcomes",
		},
		[]string{"mode", "outcome", "version"},
	)

	SearchCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepsearch_search_cost_usd_total",
			Help: "Estimated provider cost of search requests in USD",
		},
		[]string{"provider", "model"},
	)

	SettlementQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepsearch_settlement_queue_depth",
			Help: "Number of settlement jobs waiting to be processed",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
