// Package metrics declares the Prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alarmd"

var (
	ConfigLoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_load_failures_total",
		Help:      "Loads that fell back to default configuration",
	})

	ConfigSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_saves_total",
		Help:      "Configuration writes by result (ok, error, rollback)",
	}, []string{"result"})

	FireAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fire_attempts_total",
		Help:      "Executor invocations by outcome",
	}, []string{"outcome"})

	MissedTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "missed_triggers_total",
		Help:      "Occurrences whose attempt window closed without a successful fire",
	})

	SchedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_state",
		Help:      "1 for the current scheduler state, 0 otherwise",
	}, []string{"state"})

	NextFireTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "next_fire_timestamp_seconds",
		Help:      "Unix time of the next scheduled occurrence, 0 when idle",
	})

	ProbeChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_checks_total",
		Help:      "Readiness checks by check name and result (true, false, unknown)",
	}, []string{"check", "result"})

	ClockOffsetSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clock_offset_seconds",
		Help:      "Last measured offset of the local clock against the service host",
	})

	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_requests_total",
		Help:      "Playback backend calls by backend, operation and result",
	}, []string{"backend", "op", "result"})
)

// SetSchedulerState marks state as the only active scheduler state.
func SetSchedulerState(state string) {
	for _, s := range []string{"idle", "waiting", "armed"} {
		v := 0.0
		if s == state {
			v = 1
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}

// Result maps an error to the result label used by counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
