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

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts per component.",
		}, []string{"component"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of successful process stops per component.",
		}, []string{"component"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lunarpod",
			Subsystem: "process",
			Name:      "start_duration_seconds",
			Help:      "Time spent in the engine start call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "process",
			Name:      "stage_transitions_total",
			Help:      "Number of status transitions between process stages.",
		}, []string{"component", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lunarpod",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current stage of processes (1 = active stage, 0 = inactive).",
		}, []string{"process", "stage"},
	)

	pods = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lunarpod",
			Subsystem: "podbay",
			Name:      "pods",
			Help:      "Number of pods held by the pod bay.",
		},
	)
	openDbs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lunarpod",
			Subsystem: "podbay",
			Name:      "open_databases",
			Help:      "Number of open database handles across all pods.",
		},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Dispatched commands by target, name and outcome.",
		}, []string{"target", "command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lunarpod",
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Duration of dispatched commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target", "command"},
	)

	logEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "logbook",
			Name:      "entries_total",
			Help:      "Log book entries appended per book and level.",
		}, []string{"book", "level"},
	)
	sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "logbook",
			Name:      "sink_errors_total",
			Help:      "History sink delivery failures.",
		}, []string{"sink"},
	)
	sinkDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lunarpod",
			Subsystem: "logbook",
			Name:      "sink_dropped_total",
			Help:      "Entries dropped because the history queue was full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processStartDuration, stateTransitions, currentStates,
		pods, openDbs, commands, commandDuration, logEntries, sinkErrors, sinkDropped,
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(component string) {
	if regOK.Load() {
		processStarts.WithLabelValues(component).Inc()
	}
}
func IncStop(component string) {
	if regOK.Load() {
		processStops.WithLabelValues(component).Inc()
	}
}
func ObserveStartDuration(component string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(component).Observe(seconds)
	}
}

func RecordStateTransition(component, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(component, from, to).Inc()
	}
}

func SetCurrentState(process, stage string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(process, stage).Set(value)
	}
}

// ForgetProcess drops every current_state series of a process that is gone.
func ForgetProcess(process string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"process": process})
	}
}

func SetPods(n int) {
	if regOK.Load() {
		pods.Set(float64(n))
	}
}

func SetOpenDbs(n int) {
	if regOK.Load() {
		openDbs.Set(float64(n))
	}
}

func ObserveCommand(target, command string, ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	commands.WithLabelValues(target, command, outcome).Inc()
	commandDuration.WithLabelValues(target, command).Observe(seconds)
}

func IncLogEntry(book, level string) {
	if regOK.Load() {
		logEntries.WithLabelValues(book, level).Inc()
	}
}

func IncSinkError(sink string) {
	if regOK.Load() {
		sinkErrors.WithLabelValues(sink).Inc()
	}
}

func IncSinkDropped() {
	if regOK.Load() {
		sinkDropped.Inc()
	}
}
