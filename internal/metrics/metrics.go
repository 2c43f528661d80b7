// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_route_decisions_total",
			Help: "Routed utterances by network mode and winning source",
		},
		[]string{"mode", "source"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_llm_call_latency_ms",
			Help:    "Language model call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~25s
		},
		[]string{"call", "status"},
	)

	NetworkMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_network_mode",
			Help: "1 for the currently recommended routing mode",
		},
		[]string{"mode"},
	)

	ExecutorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_executor_outcomes_total",
			Help: "Executor results by kind",
		},
		[]string{"kind"},
	)

	QueueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_queue_tasks_total",
			Help: "Background task transitions by status",
		},
		[]string{"status"},
	)

	QueueRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_queue_running",
			Help: "Background tasks currently running",
		},
	)
)

var modes = []string{"llm_preferred", "rule_preferred", "rule_only"}

// RecordRoute counts one routing decision.
func RecordRoute(mode, source string) {
	RouteDecisions.WithLabelValues(mode, source).Inc()
}

// RecordLLMCall observes one language model call.
func RecordLLMCall(call string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMLatency.WithLabelValues(call, status).Observe(float64(d.Milliseconds()))
}

// SetNetworkMode flips the mode gauge to mode.
func SetNetworkMode(mode string) {
	for _, m := range modes {
		v := 0.0
		if m == mode {
			v = 1
		}
		NetworkMode.WithLabelValues(m).Set(v)
	}
}

// RecordOutcome counts one executor result.
func RecordOutcome(kind string) {
	ExecutorOutcomes.WithLabelValues(kind).Inc()
}

// RecordTask counts a background task transition.
func RecordTask(status string) {
	QueueTasks.WithLabelValues(status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
