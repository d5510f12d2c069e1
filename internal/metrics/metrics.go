package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful instance launches.",
		}, []string{"app"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash or file change.",
		}, []string{"app"},
	)
	appExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "exits_total",
			Help:      "Number of instance exits by exit code.",
		}, []string{"app", "code"},
	)
	appErrored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "errored_total",
			Help:      "Number of instances that exceeded max_restarts.",
		}, []string{"app"},
	)
	appState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "state",
			Help:      "Current state of each instance (1 = in state).",
		}, []string{"app", "instance", "state"},
	)
	appInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "online_instances",
			Help:      "Instances currently online per app.",
		}, []string{"app"},
	)
)

// States lists every instance state the state gauge is reported for.
var States = []string{"stopped", "launching", "online", "waiting restart", "stopping", "errored"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{appStarts, appRestarts, appExits, appErrored, appState, appInstances}
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

// Helpers below no-op until Register has succeeded.

func IncStart(app string) {
	if regOK.Load() {
		appStarts.WithLabelValues(app).Inc()
	}
}

func IncRestart(app string) {
	if regOK.Load() {
		appRestarts.WithLabelValues(app).Inc()
	}
}

func IncExit(app, code string) {
	if regOK.Load() {
		appExits.WithLabelValues(app, code).Inc()
	}
}

func IncErrored(app string) {
	if regOK.Load() {
		appErrored.WithLabelValues(app).Inc()
	}
}

// SetState marks state as current for the instance and clears the others.
func SetState(app, instance, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		appState.WithLabelValues(app, instance, s).Set(v)
	}
}

func SetOnlineInstances(app string, n int) {
	if regOK.Load() {
		appInstances.WithLabelValues(app).Set(float64(n))
	}
}

// Forget drops every series of a deleted app.
func Forget(app string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"app": app}
	appStarts.DeletePartialMatch(l)
	appRestarts.DeletePartialMatch(l)
	appExits.DeletePartialMatch(l)
	appErrored.DeletePartialMatch(l)
	appState.DeletePartialMatch(l)
	appInstances.DeletePartialMatch(l)
}
