// Package metrics defines the Prometheus instruments shared across the
// pipeline. One Metrics value is created at startup and handed to each
// component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PositionsReceived *prometheus.CounterVec // source: http|mqtt
	PositionsRejected prometheus.Counter

	BusPublished    *prometheus.CounterVec // topic
	BusRedelivered  *prometheus.CounterVec // topic, group
	BusDeadLettered *prometheus.CounterVec // topic, group
	HandlerDuration *prometheus.HistogramVec

	StatusTransitions *prometheus.CounterVec // new status
	CacheErrors       prometheus.Counter

	RuleEvaluations *prometheus.CounterVec // kind, outcome: ok|error|skipped
	AlertsTriggered *prometheus.CounterVec // kind, severity

	BreakerShortCircuits *prometheus.CounterVec // target

	Notifications *prometheus.CounterVec // channel, status

	FanoutErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PositionsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_positions_received_total",
			Help: "Position reports accepted by the validator.",
		}, []string{"source"}),
		PositionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "trucktrack_positions_rejected_total",
			Help: "Position reports rejected by the validator.",
		}),
		BusPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_bus_published_total",
			Help: "Events published to the bus.",
		}, []string{"topic"}),
		BusRedelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_bus_redelivered_total",
			Help: "Handler failures that caused redelivery.",
		}, []string{"topic", "group"}),
		BusDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_bus_dead_lettered_total",
			Help: "Events routed to the dead-letter sink.",
		}, []string{"topic", "group"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trucktrack_handler_duration_seconds",
			Help:    "Per-event handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "group"}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_status_transitions_total",
			Help: "Status change events emitted.",
		}, []string{"status"}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trucktrack_cache_errors_total",
			Help: "Cache tier failures absorbed by the degrade path.",
		}),
		RuleEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_rule_evaluations_total",
			Help: "Rule evaluations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		AlertsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_alerts_triggered_total",
			Help: "Rising-edge alert events emitted.",
		}, []string{"kind", "severity"}),
		BreakerShortCircuits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_breaker_short_circuits_total",
			Help: "Collaborator calls skipped by an open circuit.",
		}, []string{"target"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trucktrack_notifications_total",
			Help: "Notification records by channel and terminal status.",
		}, []string{"channel", "status"}),
		FanoutErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trucktrack_fanout_errors_total",
			Help: "Live fan-out errors swallowed.",
		}),
	}
}

// NewForTest returns Metrics backed by a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
