package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kernel. Each Metrics
// instance owns its registry so tests can build kernels side by side.
type Metrics struct {
	registry *prometheus.Registry

	// Capability broker
	CapabilityChecks  *prometheus.CounterVec
	CapabilityGrants  prometheus.Counter
	CapabilityRevokes prometheus.Counter

	// Audit log
	AuditAppends   *prometheus.CounterVec
	AuditWriteErrs prometheus.Counter

	// Object manager
	ObjectsLive    *prometheus.GaugeVec
	ObjectsCreated *prometheus.CounterVec

	// Transactions
	TxOutcomes       *prometheus.CounterVec
	SnapshotLatency  prometheus.Histogram
	SnapshotBytes    prometheus.Histogram
	SnapshotByRef    prometheus.Counter
	SnapshotByValue  prometheus.Counter
	CheckpointsTaken prometheus.Counter

	// Agent runtime
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	MediatedCalls     *prometheus.CounterVec
	FirewallRefusals  prometheus.Counter

	// HTTP control surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	startTime time.Time
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CapabilityChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_capability_checks_total",
				Help: "Capability check decisions",
			},
			[]string{"result", "reason"},
		),
		CapabilityGrants: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_capability_grants_total",
				Help: "Capabilities granted",
			},
		),
		CapabilityRevokes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_capability_revocations_total",
				Help: "Capabilities revoked",
			},
		),

		AuditAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_appends_total",
				Help: "Audit entries appended",
			},
			[]string{"result"},
		),
		AuditWriteErrs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_audit_write_errors_total",
				Help: "Fatal audit store write failures",
			},
		),

		ObjectsLive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_objects_live",
				Help: "Live objects by type",
			},
			[]string{"type"},
		),
		ObjectsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_objects_created_total",
				Help: "Objects created by type",
			},
			[]string{"type"},
		),

		TxOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_transactions_total",
				Help: "Transaction terminal outcomes",
			},
			[]string{"outcome"},
		),
		SnapshotLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_snapshot_seconds",
				Help:    "Checkpoint snapshot latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
		SnapshotBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_snapshot_bytes",
				Help:    "Serialized size of snapshotted pre-images",
				Buckets: []float64{256, 1024, 10240, 102400, 1048576, 10485760},
			},
		),
		SnapshotByRef: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_snapshot_by_reference_total",
				Help: "Pre-images captured by reference",
			},
		),
		SnapshotByValue: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_snapshot_by_value_total",
				Help: "Pre-images captured by value copy",
			},
		),
		CheckpointsTaken: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_checkpoints_total",
				Help: "Checkpoints taken",
			},
		),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_executions_total",
				Help: "Agent submissions by terminal state",
			},
			[]string{"state"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_execution_seconds",
				Help:    "Agent submission wall-clock duration",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
			},
		),
		MediatedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_mediated_calls_total",
				Help: "Mediated API calls by operation and result",
			},
			[]string{"op", "result"},
		),
		FirewallRefusals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_firewall_refusals_total",
				Help: "T3 calls refused by the capability firewall",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "HTTP requests to the control surface",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Uptime reports time since the collector was created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
