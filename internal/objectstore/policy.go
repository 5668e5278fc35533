package objectstore

import (
	"context"
	"time"
)

// ForgeState is the administrator-controlled spec.forgeState enum.
type ForgeState string

const (
	ForgeStateEnabled        ForgeState = "Enabled"
	ForgeStateDisabled       ForgeState = "Disabled"
	ForgeStatePriorityBased  ForgeState = "Priority-based"
)

// Override is the time-bounded manual override described in spec.md section 3.
type Override struct {
	Enabled       bool
	ForceState    ForgeState
	ForcePriority *int
	Reason        string
	ExpiresAt     time.Time
}

// HealthCheckSpec configures the health prober.
type HealthCheckSpec struct {
	Enabled          bool
	Endpoint         string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// NetworkMeta, PoolMeta, ApplicationMeta are the identity metadata fields
// carried in spec.forgeState's surrounding spec, per spec.md section 6.
type NetworkMeta struct {
	Name  string
	Magic int64
	Era   string
}

type PoolMeta struct {
	ID     string
	IDHex  string
	Name   string
	Ticker string
}

type ApplicationMeta struct {
	Type        string
	Environment string
}

// PolicySpec is the administrator-controlled portion of the policy object.
type PolicySpec struct {
	Network     NetworkMeta
	Pool        PoolMeta
	Application ApplicationMeta
	Region      string
	ForgeState  ForgeState
	Priority    int
	Override    *Override
	HealthCheck HealthCheckSpec
}

// HealthStatus is the coordinator-maintained health sub-field.
type HealthStatus struct {
	Healthy             bool
	ConsecutiveFailures int
	LastProbeTime       time.Time
	Message             string
}

// Condition mirrors the generic Kubernetes condition shape named in
// spec.md section 6's status schema.
type Condition struct {
	Type               string
	Status             string
	LastTransitionTime time.Time
	Reason             string
	Message            string
}

// PolicyStatus is the coordinator-maintained portion of the policy object.
type PolicyStatus struct {
	EffectiveState     ForgeState
	EffectivePriority  int
	ActiveLeader       string
	ForgingEnabled     bool
	LastTransition     time.Time
	Reason             string
	Message            string
	ObservedGeneration int64
	HealthStatus       HealthStatus
	Conditions         []Condition
}

// PolicyObject is the cluster-scoped custom object from spec.md section 3.
type PolicyObject struct {
	Name            string
	ResourceVersion string
	Generation      int64
	Spec            PolicySpec
	Status          PolicyStatus
}

// PolicyEventType mirrors the change-stream event kinds from spec.md
// section 6: Added, Modified, Deleted, plus a synthetic Gone for the
// "resource version too old" server signal.
type PolicyEventType int

const (
	PolicyAdded PolicyEventType = iota
	PolicyModified
	PolicyDeleted
	PolicyGone
	PolicyError
)

// PolicyEvent is one change-stream event.
type PolicyEvent struct {
	Type   PolicyEventType
	Object *PolicyObject
	Err    error
}

// LeaderStatusPatch is the subset of PolicyStatus the control loop owns
// (spec section 4.6's updateLeaderStatus): disjoint from HealthStatus, so
// it and PatchHealthStatus can interleave safely (spec section 5).
type LeaderStatusPatch struct {
	EffectiveState     ForgeState
	EffectivePriority  int
	ActiveLeader       string
	ForgingEnabled     bool
	LastTransition     time.Time
	Reason             string
	Message            string
	ObservedGeneration int64
}

// PolicyStore is the custom-object contract from spec.md section 6:
// cluster-scoped, keyed by name, with a status sub-resource and a watch
// primitive. Status is patched through two disjoint, independently
// racing sub-field groups rather than one opaque struct, so the health
// prober and the control loop never clobber each other's writes.
type PolicyStore interface {
	Get(ctx context.Context, name string) (*PolicyObject, error)
	Create(ctx context.Context, obj *PolicyObject) (*PolicyObject, error)
	PatchLeaderStatus(ctx context.Context, name string, patch LeaderStatusPatch) error
	PatchHealthStatus(ctx context.Context, name string, health HealthStatus) error
	Watch(ctx context.Context, name string) (<-chan PolicyEvent, error)
}
