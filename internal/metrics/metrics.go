// Package metrics defines the Prometheus metrics exposed by the agentdiff
// service on /api/platform/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the platform's Prometheus collectors.
type Metrics struct {
	EnvironmentsCreated prometheus.Counter   // environments provisioned from templates
	EnvironmentsDeleted prometheus.Counter   // environments torn down (explicit or reaped)
	EnvironmentsReaped  prometheus.Counter   // environments torn down by the TTL reaper
	SnapshotsTotal      prometheus.Counter   // snapshot operations taken
	SnapshotDuration    prometheus.Histogram // snapshot wall time
	DiffDuration        prometheus.Histogram // diff computation wall time
	Evaluations         *prometheus.CounterVec // evaluations by result (passed/failed)
	ServiceRequests     *prometheus.CounterVec // agent service requests by service name
}

// New creates the platform metrics and registers them with the given
// registerer. Tests pass a private registry to avoid global collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnvironmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdiff_environments_created_total",
			Help: "Total number of environments provisioned from templates",
		}),
		EnvironmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdiff_environments_deleted_total",
			Help: "Total number of environments torn down",
		}),
		EnvironmentsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdiff_environments_reaped_total",
			Help: "Total number of environments reaped after TTL expiry",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdiff_snapshots_total",
			Help: "Total number of namespace snapshots taken",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentdiff_snapshot_duration_seconds",
			Help:    "Wall time of snapshot creation",
			Buckets: prometheus.DefBuckets,
		}),
		DiffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentdiff_diff_duration_seconds",
			Help:    "Wall time of diff computation between two snapshots",
			Buckets: prometheus.DefBuckets,
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdiff_evaluations_total",
			Help: "Total number of assertion evaluations by result",
		}, []string{"result"}),
		ServiceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdiff_service_requests_total",
			Help: "Total number of agent requests dispatched to fake services",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.EnvironmentsCreated,
		m.EnvironmentsDeleted,
		m.EnvironmentsReaped,
		m.SnapshotsTotal,
		m.SnapshotDuration,
		m.DiffDuration,
		m.Evaluations,
		m.ServiceRequests,
	)

	return m
}
