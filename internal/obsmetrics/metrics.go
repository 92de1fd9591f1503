// Package obsmetrics carries the pipeline's Prometheus counters and its
// Pyroscope continuous-profiling hookup. Grounded on the teacher's
// internal/metrics (metrics.go/pprof.go), generalized from a generic HTTP
// metrics handler to the domain-specific counters the backbone's stages emit.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	SignalsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_signals_detected_total",
		Help: "Candidate signals surfaced by the aggregator, by symbol and direction.",
	}, []string{"symbol", "dir"})

	SignalsFinal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_signals_final_total",
		Help: "Signals that survived the router's gating pipeline and were published.",
	}, []string{"symbol", "dir"})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_signals_dropped_total",
		Help: "Detected signals rejected by the router, by drop reason.",
	}, []string{"symbol", "reason"})

	EvalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_eval_outcomes_total",
		Help: "Evaluator resolution outcomes, by symbol/horizon/outcome.",
	}, []string{"symbol", "horizon", "outcome"}) // outcome: success|neutral|fail|miss

	WindowBarsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_window_bars_sealed_total",
		Help: "Bars sealed by the window worker, by symbol and timeframe.",
	}, []string{"symbol", "tf"})

	BusReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_bus_read_errors_total",
		Help: "Redis Streams read/ack errors, by worker.",
	}, []string{"worker"})
)
