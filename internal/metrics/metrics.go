package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register and
// no-op until then.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of supervised automatic restarts.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"name", "from", "to"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "health",
			Name:      "check_failures_total",
			Help:      "Number of failed health check probes.",
		}, []string{"name"},
	)
	socketActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "socket",
			Name:      "activations_total",
			Help:      "Number of socket-activation triggered starts.",
		}, []string{"socket"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unitd",
			Subsystem: "process",
			Name:      "running",
			Help:      "Number of processes currently in the running state.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processRestarts,
		stateTransitions, healthFailures, socketActivations, runningProcesses,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncHealthFailure(name string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(name).Inc()
	}
}

func IncSocketActivation(socket string) {
	if regOK.Load() {
		socketActivations.WithLabelValues(socket).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningProcesses.Set(float64(n))
	}
}
