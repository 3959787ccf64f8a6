// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	hverrors "github.com/haven-home/haven/internal/errors"
)

var (
	// AdapterState is 1 while an adapter's handle is running, 0 otherwise.
	AdapterState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haven_adapter_up",
			Help: "Whether the adapter's child process is running",
		},
		[]string{"adapter_id"},
	)

	// AdapterRestartsTotal counts scheduled restarts per adapter.
	AdapterRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_adapter_restarts_total",
			Help: "Total number of adapter restarts scheduled",
		},
		[]string{"adapter_id"},
	)

	// RequestsTotal counts dispatched adapter requests by operation and
	// outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_adapter_requests_total",
			Help: "Total number of adapter requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// EventsTotal counts classified events by triage lane.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_events_total",
			Help: "Total number of events classified by lane",
		},
		[]string{"lane"},
	)

	// ReflexFiringsTotal counts reflex rule firings by result.
	ReflexFiringsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_reflex_firings_total",
			Help: "Total number of reflex rule firings by result",
		},
		[]string{"result"},
	)
)

// ObserveRequest records one dispatched request outcome.
func ObserveRequest(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case hverrors.IsTimeout(err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	RequestsTotal.WithLabelValues(op, outcome).Inc()
}
