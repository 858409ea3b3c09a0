package controlapi

import "github.com/prometheus/client_golang/prometheus"

// Bounded failure-reason labels. Any reason outside this set is
// sanitized to ReasonUnknown before being used as a Prometheus label,
// keeping the metric's cardinality fixed regardless of what upstream
// errors say.
const (
	ReasonIdpUnavailable    = "idp_unavailable"
	ReasonBrokerTransient   = "broker_transient"
	ReasonBrokerFatal       = "broker_fatal"
	ReasonValidationFailure = "validation_failure"
	ReasonContextCanceled   = "context_canceled"
	ReasonUnknown           = "unknown"
)

var knownReasons = map[string]bool{
	ReasonIdpUnavailable:    true,
	ReasonBrokerTransient:   true,
	ReasonBrokerFatal:       true,
	ReasonValidationFailure: true,
	ReasonContextCanceled:   true,
}

// SanitizeReason maps reason to itself if it is one of the known,
// bounded-cardinality values, or to ReasonUnknown otherwise. Never feed
// a raw error string to a Prometheus label: one attacker-influenced or
// time-stamped message would blow up the metric's series count.
func SanitizeReason(reason string) string {
	if knownReasons[reason] {
		return reason
	}
	return ReasonUnknown
}

type metrics struct {
	reconcileTriggers *prometheus.CounterVec
	reconcileErrors   *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	queueDepth        prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		reconcileTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scram_sync_reconcile_triggers_total",
			Help: "Reconciliations triggered, by source.",
		}, []string{"source"}),
		reconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scram_sync_reconcile_errors_total",
			Help: "Reconciliations that failed to complete, by sanitized reason.",
		}, []string{"reason"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scram_sync_operations_total",
			Help: "Per-principal sync operations applied, by type and result.",
		}, []string{"op_type", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scram_sync_event_queue_depth",
			Help: "Current number of buffered admin-events awaiting processing.",
		}),
	}
	registry.MustRegister(m.reconcileTriggers, m.reconcileErrors, m.operationsTotal, m.queueDepth)
	return m
}
