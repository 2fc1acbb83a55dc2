// Package metrics exposes the Prometheus collectors for this binder
// core, grounded on cuemby-warren's pkg/metrics package: package-level
// collector vars, a single init() registering them, and a Handler()
// for wiring into an HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransactionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binder_transactions_submitted_total",
			Help: "Total number of one-way transactions submitted, by outcome",
		},
		[]string{"outcome"},
	)

	TransactionDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "binder_transaction_delivery_duration_seconds",
			Help:    "Time from submission to read-phase delivery for a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TodoQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "binder_todo_queue_depth",
			Help: "Current depth of a process's or thread's todo list",
		},
		[]string{"scope"},
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "binder_nodes_total",
			Help: "Total number of live nodes across all processes",
		},
	)

	ProcessesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "binder_processes_total",
			Help: "Total number of registered processes",
		},
	)

	OnewaySpamDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "binder_oneway_spam_detected_total",
			Help: "Total number of times a process tripped the one-way spam latch",
		},
	)

	ArenaBytesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "binder_arena_bytes_in_use",
			Help: "Bytes currently Reserved or Allocated in a process's transaction arena",
		},
		[]string{"process_id"},
	)
)

func init() {
	prometheus.MustRegister(TransactionsSubmitted)
	prometheus.MustRegister(TransactionDeliveryDuration)
	prometheus.MustRegister(TodoQueueDepth)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ProcessesTotal)
	prometheus.MustRegister(OnewaySpamDetectedTotal)
	prometheus.MustRegister(ArenaBytesInUse)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
