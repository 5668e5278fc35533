// Package observability implements the Observability Surface from spec
// section 4's component table and section 6's external interfaces:
// a Prometheus registry plus the /metrics, /health, and /startup-status
// HTTP endpoints.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Labels is the {replica, network, pool, application} label tuple spec
// section 6 attaches to every per-replica metric.
type Labels struct {
	Replica     string
	Network     string
	Pool        string
	Application string
}

func (l Labels) values() []string { return []string{l.Replica, l.Network, l.Pool, l.Application} }

var labelNames = []string{"replica", "network", "pool", "application"}

var (
	forgingEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forging_enabled",
		Help: "1 if forging credentials are currently present for this replica, 0 otherwise.",
	}, labelNames)

	leaderStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leader_status",
		Help: "1 if this replica currently holds the forging lease, 0 otherwise.",
	}, labelNames)

	leadershipChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadership_changes_total",
		Help: "Total number of lease holder transitions observed by this replica.",
	}, labelNames)

	reloadSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reload_signals_total",
		Help: "Total number of producer reload notifications, by reason.",
	}, []string{"reason"})

	credentialOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_operations_total",
		Help: "Total number of credential reconciler file operations, by operation and file.",
	}, []string{"operation", "file"})

	clusterForgeEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cluster_forge_enabled",
		Help: "This replica's last-published effective forging-allowed state for its policy object.",
	}, []string{"cluster", "region", "network", "pool"})

	clusterForgePriority = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cluster_forge_priority",
		Help: "This replica's last-published effective priority for its policy object.",
	}, []string{"cluster", "region", "network", "pool"})

	healthConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "health_consecutive_failures",
		Help: "Current consecutive health-probe failure count.",
	})

	info = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "info",
		Help: "Static build/identity info; value is always 1.",
	}, []string{"replica", "network", "pool", "region", "version"})
)

// All returns every collector this module registers, mirroring the
// package-level-vars-plus-All() idiom used across the pack's telemetry
// packages.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		forgingEnabled,
		leaderStatus,
		leadershipChangesTotal,
		reloadSignalsTotal,
		credentialOperationsTotal,
		clusterForgeEnabled,
		clusterForgePriority,
		healthConsecutiveFailures,
		info,
	}
}

// Recorder adapts the package-level collectors to coordinator.Metrics,
// pinning the {replica, network, pool, application} label tuple for one
// replica so call sites never repeat it.
type Recorder struct {
	labels  Labels
	cluster string
	region  string
}

// NewRecorder builds a Recorder bound to one replica's label tuple.
// cluster/region feed the cluster_forge_* metrics, which are keyed
// differently (per spec section 6) since they describe the policy
// object's published state rather than this replica's identity alone.
func NewRecorder(labels Labels, cluster, region string) *Recorder {
	return &Recorder{labels: labels, cluster: cluster, region: region}
}

// PublishInfo sets the static info gauge once at startup.
func (r *Recorder) PublishInfo(version string) {
	info.WithLabelValues(r.labels.Replica, r.labels.Network, r.labels.Pool, r.region, version).Set(1)
}

// ObserveIteration implements coordinator.Metrics.
func (r *Recorder) ObserveIteration(held, forgingAllowed, desiredPresent, changed bool) {
	leaderStatus.WithLabelValues(r.labels.values()...).Set(boolToFloat(held))
	forgingEnabled.WithLabelValues(r.labels.values()...).Set(boolToFloat(desiredPresent))
	clusterForgeEnabled.WithLabelValues(r.cluster, r.region, r.labels.Network, r.labels.Pool).Set(boolToFloat(forgingAllowed))
}

// ObserveReloadOutcome implements coordinator.Metrics.
func (r *Recorder) ObserveReloadOutcome(delivered bool) {
	reason := "fallback"
	if delivered {
		reason = "delivered"
	}
	reloadSignalsTotal.WithLabelValues(reason).Inc()
}

// ObserveLeadershipChange increments leadership_changes_total, called by
// the caller whenever leasemgr.Manager.Observe().Transitions advances.
func (r *Recorder) ObserveLeadershipChange() {
	leadershipChangesTotal.WithLabelValues(r.labels.values()...).Inc()
}

// ObserveCredentialOp increments credential_operations_total for one
// reconciler Op, called once per credentials.Op the coordinator reports.
func (r *Recorder) ObserveCredentialOp(operation, file string) {
	credentialOperationsTotal.WithLabelValues(operation, file).Inc()
}

// ObserveEffectivePriority mirrors the policy controller's last-published
// effective priority onto cluster_forge_priority.
func (r *Recorder) ObserveEffectivePriority(priority int) {
	clusterForgePriority.WithLabelValues(r.cluster, r.region, r.labels.Network, r.labels.Pool).Set(float64(priority))
}

// ObserveHealthFailures mirrors the health prober's consecutive-failure
// counter onto the gauge.
func (r *Recorder) ObserveHealthFailures(n int) {
	healthConsecutiveFailures.Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
