package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commandsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "command",
			Name:      "starts_total",
			Help:      "Number of commands spawned, by launcher.",
		}, []string{"launcher"},
	)
	commandsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "command",
			Name:      "finished_total",
			Help:      "Number of commands that finished, by result (success, failure, spawn_error).",
		}, []string{"result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mender",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to exit.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"result"},
	)
	outputBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "command",
			Name:      "output_bytes_total",
			Help:      "Bytes of terminal output streamed into agent state.",
		},
	)
	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mender",
			Subsystem: "process",
			Name:      "live",
			Help:      "Processes currently tracked by the registry.",
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "process",
			Name:      "terminations_total",
			Help:      "Out-of-band termination requests, by outcome (killed, unknown_pid).",
		}, []string{"outcome"},
	)
	repairDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "repair",
			Name:      "decisions_total",
			Help:      "Repair decisions applied, by action (command, patch).",
		}, []string{"action"},
	)
	parseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "model",
			Name:      "parse_failures_total",
			Help:      "Model responses that did not decode into the expected shape, by kind.",
		}, []string{"kind"},
	)
	modelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "model",
			Name:      "requests_total",
			Help:      "Upstream text-generation calls, by outcome (ok, error).",
		}, []string{"outcome"},
	)
	modelTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens reported by the upstream model.",
		},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Orchestrator executions, by outcome (success, failure).",
		}, []string{"outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mender",
			Subsystem: "orchestrator",
			Name:      "state_transitions_total",
			Help:      "Number of command state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		commandsStarted, commandsFinished, commandDuration, outputBytes,
		liveProcesses, terminations, repairDecisions, parseFailures,
		modelRequests, modelTokens, runs, stateTransitions,
		projectCPU, projectMemory, projectThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommandStart(launcher string) {
	if regOK.Load() {
		commandsStarted.WithLabelValues(launcher).Inc()
	}
}

func ObserveCommand(result string, seconds float64) {
	if regOK.Load() {
		commandsFinished.WithLabelValues(result).Inc()
		commandDuration.WithLabelValues(result).Observe(seconds)
	}
}

func AddOutputBytes(n int) {
	if regOK.Load() {
		outputBytes.Add(float64(n))
	}
}

func SetLiveProcesses(n int) {
	if regOK.Load() {
		liveProcesses.Set(float64(n))
	}
}

func IncTermination(outcome string) {
	if regOK.Load() {
		terminations.WithLabelValues(outcome).Inc()
	}
}

func IncRepairDecision(action string) {
	if regOK.Load() {
		repairDecisions.WithLabelValues(action).Inc()
	}
}

func IncParseFailure(kind string) {
	if regOK.Load() {
		parseFailures.WithLabelValues(kind).Inc()
	}
}

func IncModelRequest(outcome string) {
	if regOK.Load() {
		modelRequests.WithLabelValues(outcome).Inc()
	}
}

func AddModelTokens(n int) {
	if regOK.Load() {
		modelTokens.Add(float64(n))
	}
}

func IncRun(outcome string) {
	if regOK.Load() {
		runs.WithLabelValues(outcome).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}
