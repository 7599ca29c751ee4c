// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for hycolink,
// adapted from the teacher's internal/metrics/prom.go. It exposes package
// level collectors so call sites across control, accept and httpbridge stay
// import-cycle-free.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ControlPhase is set to 1 for the currently active phase and 0 for all
	// others (a label-per-phase gauge, queried as
	// hycolink_control_phase{phase="online"} == 1).
	ControlPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hycolink",
		Subsystem: "control",
		Name:      "phase",
		Help:      "Current ControlConnection state machine phase (1 = active).",
	}, []string{"phase"})

	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hycolink",
		Subsystem: "control",
		Name:      "reconnects_total",
		Help:      "Total number of successful reconnects after a disconnect.",
	})

	TokenRenewalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hycolink",
		Subsystem: "token",
		Name:      "renewals_total",
		Help:      "Total number of successful token renewals.",
	})

	AcceptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hycolink",
		Subsystem: "accept",
		Name:      "accepts_total",
		Help:      "Total number of accept commands accepted by the predicate (counted before the rendezvous dial).",
	})

	RejectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hycolink",
		Subsystem: "accept",
		Name:      "rejects_total",
		Help:      "Total number of accept commands rejected by user code or error.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hycolink",
		Subsystem: "accept",
		Name:      "queue_depth",
		Help:      "Number of accepted channels waiting to be dequeued by user code.",
	})

	RequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hycolink",
		Subsystem: "http_bridge",
		Name:      "requests_total",
		Help:      "Total number of relayed HTTP requests handled.",
	})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ControlPhase,
			ReconnectsTotal,
			TokenRenewalsTotal,
			AcceptsTotal,
			RejectsTotal,
			QueueDepth,
			RequestsTotal,
		)
	})
}

// SetPhase zeroes every known phase label and sets the given one to 1,
// matching the teacher's practice of keeping runtime gauges simple rather
// than introducing a state-machine-aware Prometheus type.
func SetPhase(phases []string, active string) {
	for _, p := range phases {
		v := 0.0
		if p == active {
			v = 1.0
		}
		ControlPhase.WithLabelValues(p).Set(v)
	}
}
