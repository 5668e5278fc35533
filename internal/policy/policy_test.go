package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
	"github.com/mochipool/cardano-forge-manager/internal/policy"
)

func TestComputeEffective_BasePassthrough(t *testing.T) {
	spec := objectstore.PolicySpec{ForgeState: objectstore.ForgeStatePriorityBased, Priority: 10}
	r := policy.ComputeEffective(spec, 0, time.Now())
	require.Equal(t, objectstore.ForgeStatePriorityBased, r.State)
	require.Equal(t, 10, r.Priority)
	require.Equal(t, "base", r.Reason)
}

func TestComputeEffective_OverrideOutranksHealth(t *testing.T) {
	now := time.Now()
	spec := objectstore.PolicySpec{
		ForgeState: objectstore.ForgeStatePriorityBased,
		Priority:   10,
		HealthCheck: objectstore.HealthCheckSpec{FailureThreshold: 3},
		Override: &objectstore.Override{
			Enabled:    true,
			ForceState: objectstore.ForgeStateEnabled,
			ExpiresAt:  now.Add(time.Hour),
		},
	}
	r := policy.ComputeEffective(spec, 5, now)
	require.Equal(t, objectstore.ForgeStateEnabled, r.State)
	require.Equal(t, "manual_override", r.Reason)
}

func TestComputeEffective_ExpiredOverrideIgnored(t *testing.T) {
	now := time.Now()
	spec := objectstore.PolicySpec{
		ForgeState: objectstore.ForgeStateEnabled,
		Override: &objectstore.Override{
			Enabled:    true,
			ForceState: objectstore.ForgeStateDisabled,
			ExpiresAt:  now.Add(-time.Hour),
		},
	}
	r := policy.ComputeEffective(spec, 0, now)
	require.Equal(t, objectstore.ForgeStateEnabled, r.State)
	require.Equal(t, "cluster_enabled", r.Reason)
}

func TestComputeEffective_HealthDegraded(t *testing.T) {
	spec := objectstore.PolicySpec{
		ForgeState:  objectstore.ForgeStatePriorityBased,
		Priority:    10,
		HealthCheck: objectstore.HealthCheckSpec{FailureThreshold: 3},
	}
	r := policy.ComputeEffective(spec, 3, time.Now())
	require.Equal(t, 110, r.Priority)
	require.Equal(t, "health_degraded", r.Reason)
}

func TestComputeEffective_HealthIntermittent(t *testing.T) {
	spec := objectstore.PolicySpec{
		ForgeState:  objectstore.ForgeStatePriorityBased,
		Priority:    10,
		HealthCheck: objectstore.HealthCheckSpec{FailureThreshold: 3},
	}
	r := policy.ComputeEffective(spec, 1, time.Now())
	require.Equal(t, 20, r.Priority)
	require.Equal(t, "health_intermittent", r.Reason)
}

func TestShouldAllowForging(t *testing.T) {
	allowed, reason := policy.ShouldAllowForging(policy.EffectiveResult{State: objectstore.ForgeStateDisabled, Reason: "cluster_disabled"})
	require.False(t, allowed)
	require.Equal(t, "cluster_disabled", reason)

	allowed, _ = policy.ShouldAllowForging(policy.EffectiveResult{State: objectstore.ForgeStatePriorityBased})
	require.True(t, allowed)
}

// fakePolicyStore is a hand-written double for objectstore.PolicyStore,
// backing a single named object with an in-memory watch fan-out.
type fakePolicyStore struct {
	mu       sync.Mutex
	obj      *objectstore.PolicyObject
	watchers []chan objectstore.PolicyEvent
	getErr   error
}

func newFakePolicyStore() *fakePolicyStore {
	return &fakePolicyStore{}
}

func (f *fakePolicyStore) Get(_ context.Context, name string) (*objectstore.PolicyObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		err := f.getErr
		f.getErr = nil
		return nil, err
	}
	if f.obj == nil {
		return nil, &objectstore.Error{Kind: objectstore.KindNotFound, Err: errors.New("not found")}
	}
	cp := *f.obj
	return &cp, nil
}

func (f *fakePolicyStore) Create(_ context.Context, obj *objectstore.PolicyObject) (*objectstore.PolicyObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *obj
	f.obj = &cp
	return &cp, nil
}

func (f *fakePolicyStore) PatchLeaderStatus(_ context.Context, name string, patch objectstore.LeaderStatusPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obj == nil {
		return &objectstore.Error{Kind: objectstore.KindNotFound, Err: errors.New("not found")}
	}
	f.obj.Status.EffectiveState = patch.EffectiveState
	f.obj.Status.EffectivePriority = patch.EffectivePriority
	f.obj.Status.ActiveLeader = patch.ActiveLeader
	f.obj.Status.ForgingEnabled = patch.ForgingEnabled
	f.obj.Status.Reason = patch.Reason
	return nil
}

func (f *fakePolicyStore) PatchHealthStatus(_ context.Context, name string, health objectstore.HealthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obj == nil {
		return &objectstore.Error{Kind: objectstore.KindNotFound, Err: errors.New("not found")}
	}
	f.obj.Status.HealthStatus = health
	return nil
}

func (f *fakePolicyStore) Watch(_ context.Context, name string) (<-chan objectstore.PolicyEvent, error) {
	ch := make(chan objectstore.PolicyEvent, 8)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakePolicyStore) push(ev objectstore.PolicyEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.watchers {
		ch <- ev
	}
}

func TestEnsureExists_CreatesWhenAbsent(t *testing.T) {
	store := newFakePolicyStore()
	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock)

	require.NoError(t, c.EnsureExists(context.Background()))
	obj, err := store.Get(context.Background(), "mainnet-pool1abcd-eu-west-1")
	require.NoError(t, err)
	require.Equal(t, objectstore.ForgeStatePriorityBased, obj.Spec.ForgeState)
}

func TestEnsureExists_NoopWhenPresent(t *testing.T) {
	store := newFakePolicyStore()
	clock := clockwork.NewFakeClock()
	_, err := store.Create(context.Background(), &objectstore.PolicyObject{
		Name: "mainnet-pool1abcd-eu-west-1",
		Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateEnabled, Priority: 5},
	})
	require.NoError(t, err)

	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock)
	require.NoError(t, c.EnsureExists(context.Background()))

	obj, err := store.Get(context.Background(), "mainnet-pool1abcd-eu-west-1")
	require.NoError(t, err)
	require.Equal(t, objectstore.ForgeStateEnabled, obj.Spec.ForgeState, "existing spec must not be overwritten")
}

func TestShouldAllowForging_DisabledClusterManagementAlwaysAllows(t *testing.T) {
	store := newFakePolicyStore()
	_, err := store.Create(context.Background(), &objectstore.PolicyObject{
		Name: "mainnet-pool1abcd-eu-west-1",
		Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateDisabled},
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock,
		policy.WithClusterManagementDisabled())

	allowed, reason := c.ShouldAllowForging()
	require.True(t, allowed, "a Disabled policy object must not block forging when cluster management is off")
	require.Equal(t, "disabled", reason)
}

func TestEnsureExistsStartStop_NoopWhenClusterManagementDisabled(t *testing.T) {
	store := newFakePolicyStore()
	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock,
		policy.WithClusterManagementDisabled())

	require.NoError(t, c.EnsureExists(context.Background()))
	_, err := store.Get(context.Background(), "mainnet-pool1abcd-eu-west-1")
	require.Error(t, err, "inert controller must never create the policy object")

	c.Start(context.Background())
	c.Stop()

	require.NoError(t, c.PatchLeaderStatus(context.Background(), true))
	require.NoError(t, c.ClearLeaderIfSelf(context.Background()))
	_, err = store.Get(context.Background(), "mainnet-pool1abcd-eu-west-1")
	require.Error(t, err, "inert controller must never publish status either")
}

func TestWatchLoop_SeedsFromInitialGet(t *testing.T) {
	store := newFakePolicyStore()
	_, err := store.Create(context.Background(), &objectstore.PolicyObject{
		Name: "mainnet-pool1abcd-eu-west-1",
		Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateDisabled},
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	require.Eventually(t, func() bool {
		allowed, _ := c.ShouldAllowForging()
		return !allowed
	}, time.Second, time.Millisecond)
}

func TestWatchLoop_AppliesModifiedEvent(t *testing.T) {
	store := newFakePolicyStore()
	_, err := store.Create(context.Background(), &objectstore.PolicyObject{
		Name: "mainnet-pool1abcd-eu-west-1",
		Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateEnabled},
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	require.Eventually(t, func() bool {
		allowed, _ := c.ShouldAllowForging()
		return allowed
	}, time.Second, time.Millisecond)

	store.push(objectstore.PolicyEvent{
		Type: objectstore.PolicyModified,
		Object: &objectstore.PolicyObject{
			Name: "mainnet-pool1abcd-eu-west-1",
			Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateDisabled},
		},
	})

	require.Eventually(t, func() bool {
		allowed, reason := c.ShouldAllowForging()
		return !allowed && reason == "cluster_disabled"
	}, time.Second, time.Millisecond)
}

func TestClearLeaderIfSelf_OnlyClearsOwnClaim(t *testing.T) {
	store := newFakePolicyStore()
	_, err := store.Create(context.Background(), &objectstore.PolicyObject{
		Name: "mainnet-pool1abcd-eu-west-1",
		Spec: objectstore.PolicySpec{ForgeState: objectstore.ForgeStateEnabled},
	})
	require.NoError(t, err)
	require.NoError(t, store.PatchLeaderStatus(context.Background(), "mainnet-pool1abcd-eu-west-1", objectstore.LeaderStatusPatch{
		ActiveLeader: "ns/replica-b",
	}))

	clock := clockwork.NewFakeClock()
	c := policy.New(store, "mainnet-pool1abcd-eu-west-1", "ns/replica-a", clock)

	require.NoError(t, c.ClearLeaderIfSelf(context.Background()))

	obj, err := store.Get(context.Background(), "mainnet-pool1abcd-eu-west-1")
	require.NoError(t, err)
	require.Equal(t, "ns/replica-b", obj.Status.ActiveLeader, "must not clear another replica's claim")
}
