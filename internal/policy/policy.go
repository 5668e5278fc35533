// Package policy implements the Policy Object Controller from spec
// section 4.4: the effective-state computation over spec + override +
// health, the watch-driven local view of the policy object, and the
// status publish that feeds the control loop's forging gate.
package policy

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/mochipool/cardano-forge-manager/internal/health"
	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
)

// healthView is the read-only subset of *health.Prober the effective-state
// computation needs. A nil healthView (no healthCheck.endpoint configured)
// is treated as "always healthy".
type healthView interface {
	ConsecutiveFailures() int
}

// EffectiveResult is the outcome of ComputeEffective.
type EffectiveResult struct {
	State    objectstore.ForgeState
	Priority int
	Reason   string
}

// ComputeEffective is the pure function from spec section 4.4 step-by-step:
// override (if active) outranks health; health penalizes priority only
// when the base state is Priority-based; Disabled/Enabled get terminal
// reasons. now is passed explicitly so override expiry is deterministic
// under tests.
func ComputeEffective(spec objectstore.PolicySpec, consecutiveFailures int, now time.Time) EffectiveResult {
	result := EffectiveResult{
		State:    spec.ForgeState,
		Priority: spec.Priority,
		Reason:   "base",
	}

	if spec.Override != nil && spec.Override.Enabled && spec.Override.ExpiresAt.After(now) {
		if spec.Override.ForceState != "" {
			result.State = spec.Override.ForceState
		}
		if spec.Override.ForcePriority != nil {
			result.Priority = *spec.Override.ForcePriority
		}
		result.Reason = "manual_override"
		return result
	}

	if result.State == objectstore.ForgeStatePriorityBased {
		threshold := spec.HealthCheck.FailureThreshold
		switch {
		case threshold > 0 && consecutiveFailures >= threshold:
			result.Priority = spec.Priority + 100
			result.Reason = "health_degraded"
		case consecutiveFailures > 0:
			result.Priority = spec.Priority + 10
			result.Reason = "health_intermittent"
		}
	}

	switch result.State {
	case objectstore.ForgeStateDisabled:
		result.Reason = "cluster_disabled"
	case objectstore.ForgeStateEnabled:
		result.Reason = "cluster_enabled"
	}

	return result
}

// ShouldAllowForging is the gate predicate from spec section 4.4: false
// iff the effective state is Disabled. Priority arbitration across
// replicas is out of scope here; the priority field is published for
// out-of-band tooling.
func ShouldAllowForging(r EffectiveResult) (bool, string) {
	if r.State == objectstore.ForgeStateDisabled {
		return false, r.Reason
	}
	return true, r.Reason
}

// Controller is the public Policy Object Controller surface from spec
// section 4.4.
type Controller struct {
	store          objectstore.PolicyStore
	name           string
	identity       string
	clock          clockwork.Clock
	log            logr.Logger
	restartBackoff time.Duration
	health         healthView
	disabled       bool

	mu        sync.RWMutex
	lastSpec  objectstore.PolicySpec
	haveSpec  bool
	observedG int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger attaches a logger; the zero value discards all output.
func WithLogger(log logr.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithRestartBackoff overrides the default 5s watch-restart backoff from
// spec section 4.4, e.g. from the WATCH_RESTART_BACKOFF config key.
func WithRestartBackoff(d time.Duration) Option {
	return func(c *Controller) { c.restartBackoff = d }
}

// WithHealth attaches the local health prober's read view so the
// effective-state computation can apply the health penalty.
func WithHealth(h *health.Prober) Option {
	return func(c *Controller) { c.health = h }
}

// WithClusterManagementDisabled makes the Controller inert, per spec
// section 6's ENABLE_CLUSTER_MANAGEMENT=false contract: EnsureExists,
// Start, and the status-publish methods become no-ops, and
// ShouldAllowForging always reports (true, "disabled") without ever
// touching the policy object. For a single-cluster operator that never
// deployed the policy CRD, this is the difference between forging
// working and forging being silently blocked by a missing object.
func WithClusterManagementDisabled() Option {
	return func(c *Controller) { c.disabled = true }
}

// New builds a Controller for one named policy object.
func New(store objectstore.PolicyStore, name, identity string, clock clockwork.Clock, opts ...Option) *Controller {
	c := &Controller{
		store:          store,
		name:           name,
		identity:       identity,
		clock:          clock,
		log:            logr.Discard(),
		restartBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultSpec is the policy object's initial spec when EnsureExists must
// create it: permissive (Priority-based at the base priority) so a
// freshly-bootstrapped cluster doesn't accidentally disable forging.
func defaultSpec() objectstore.PolicySpec {
	return objectstore.PolicySpec{
		ForgeState: objectstore.ForgeStatePriorityBased,
		Priority:   0,
	}
}

// EnsureExists creates the policy object with a default spec if absent,
// per spec section 4.4. A concurrent creator racing this call is not an
// error: the object existing is the only postcondition that matters.
func (c *Controller) EnsureExists(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	_, err := c.store.Get(ctx, c.name)
	if err == nil {
		return nil
	}
	if !objectstore.IsKind(err, objectstore.KindNotFound) {
		return fmt.Errorf("checking policy object existence: %w", err)
	}

	_, err = c.store.Create(ctx, &objectstore.PolicyObject{
		Name: c.name,
		Spec: defaultSpec(),
	})
	if err != nil && !objectstore.IsKind(err, objectstore.KindConflict) {
		return fmt.Errorf("creating policy object: %w", err)
	}
	return nil
}

// Start spawns the watch task. The health prober, if any, is run
// separately by the caller (it has its own lifecycle tied to whether
// healthCheck.enabled is set) — Start only owns the watch loop per spec
// section 4.4's Start/Stop pair.
func (c *Controller) Start(ctx context.Context) {
	if c.disabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchLoop(ctx)
	}()
}

// Stop cancels the watch task and waits for it to exit. The wait has no
// timeout of its own; the watch loop returns once its context is cancelled.
func (c *Controller) Stop() {
	if c.disabled {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// watchLoop opens the change stream and reopens it on termination,
// distinguishing the "resource version too old" signal (restart
// immediately) from any other error (restart after restartBackoff), per
// spec section 4.4.
func (c *Controller) watchLoop(ctx context.Context) {
	// Seed the local view before the first watch event arrives, so
	// ShouldAllowForging has something to report immediately on startup.
	if obj, err := c.store.Get(ctx, c.name); err == nil {
		c.observe(obj)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := c.store.Watch(ctx, c.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.V(1).Info("policy watch failed to open, backing off", "error", err.Error())
			c.sleep(ctx, c.restartBackoff)
			continue
		}

		gone := c.consumeEvents(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if !gone {
			c.sleep(ctx, c.restartBackoff)
		}
	}
}

// consumeEvents drains one watch channel until it closes, reporting
// whether closure was due to a Gone event (immediate restart, no
// backoff).
func (c *Controller) consumeEvents(ctx context.Context, events <-chan objectstore.PolicyEvent) (gone bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			switch ev.Type {
			case objectstore.PolicyGone:
				return true
			case objectstore.PolicyError:
				c.log.V(1).Info("policy watch stream error", "error", ev.Err)
				return false
			case objectstore.PolicyDeleted:
				// The policy object is administrator-owned; deletion is
				// not expected in steady state. Keep the last-known spec
				// rather than falling back to a default, per spec section
				// 4.4's "last-known spec atomically replaced on event".
			case objectstore.PolicyAdded, objectstore.PolicyModified:
				if ev.Object != nil {
					c.observeAndMaybePatch(ctx, ev.Object)
				}
			}
		}
	}
}

// observe atomically replaces the local view of the policy spec.
func (c *Controller) observe(obj *objectstore.PolicyObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSpec = obj.Spec
	c.haveSpec = true
	c.observedG = obj.Generation
}

// observeAndMaybePatch updates the local view and, if the spec changed or
// the published status lacks an effective state, proactively republishes
// status — per spec section 4.4's watch-loop behavior.
func (c *Controller) observeAndMaybePatch(ctx context.Context, obj *objectstore.PolicyObject) {
	c.mu.Lock()
	changed := !c.haveSpec || !reflect.DeepEqual(c.lastSpec, obj.Spec)
	c.lastSpec = obj.Spec
	c.haveSpec = true
	c.observedG = obj.Generation
	c.mu.Unlock()

	if changed || obj.Status.EffectiveState == "" {
		if err := c.publishStatus(ctx, false, ""); err != nil {
			c.log.V(1).Info("failed to publish status after watch event", "error", err.Error())
		}
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clock.After(d):
	}
}

// consecutiveFailures reads the attached health view, treating a nil
// view (no health check configured) as always-healthy.
func (c *Controller) consecutiveFailures() int {
	if c.health == nil {
		return 0
	}
	return c.health.ConsecutiveFailures()
}

// Effective returns the current effective-state computation over the
// last-observed spec, local health, and the current clock time.
func (c *Controller) Effective() EffectiveResult {
	c.mu.RLock()
	spec := c.lastSpec
	c.mu.RUnlock()
	return ComputeEffective(spec, c.consecutiveFailures(), c.clock.Now())
}

// ShouldAllowForging is the gate consulted by the control loop, per spec
// section 4.4. When cluster management is disabled, the object is never
// read and forging is always allowed.
func (c *Controller) ShouldAllowForging() (bool, string) {
	if c.disabled {
		return true, "disabled"
	}
	return ShouldAllowForging(c.Effective())
}

// PatchLeaderStatus writes the comprehensive leader-status update (spec
// section 4.6's updateLeaderStatus), called by the control loop once per
// iteration whenever held is true. forgingEnabled is recomputed from the
// current effective state rather than trusted from the caller, so a
// policy change observed between the gate check and this patch can never
// publish a stale allow/deny.
func (c *Controller) PatchLeaderStatus(ctx context.Context, held bool) error {
	if c.disabled {
		return nil
	}
	leader := ""
	if held {
		leader = c.identity
	}
	return c.publishStatus(ctx, held, leader)
}

// publishStatus computes the current effective result and patches it,
// along with the caller-supplied leader fields, onto the policy status
// sub-resource. When held is false, activeLeader is left blank here: the
// control loop is responsible for deciding whether clearing is even safe
// (it must only clear a claim this replica itself made).
func (c *Controller) publishStatus(ctx context.Context, held bool, activeLeader string) error {
	eff := c.Effective()
	forgingEnabled := held
	if !held {
		forgingEnabled = false
	} else {
		allowed, _ := ShouldAllowForging(eff)
		forgingEnabled = allowed
	}

	c.mu.RLock()
	generation := c.observedG
	c.mu.RUnlock()

	return c.store.PatchLeaderStatus(ctx, c.name, objectstore.LeaderStatusPatch{
		EffectiveState:     eff.State,
		EffectivePriority:  eff.Priority,
		ActiveLeader:       activeLeader,
		ForgingEnabled:     forgingEnabled,
		LastTransition:     c.clock.Now(),
		Reason:             eff.Reason,
		Message:            statusMessage(eff, forgingEnabled),
		ObservedGeneration: generation,
	})
}

// statusMessage renders a short human-readable gloss of eff.Reason for the
// status sub-resource's message field, so `kubectl get -o yaml` surfaces why
// forging is (or isn't) allowed without the reader needing to know the
// reason-code taxonomy from spec section 4.4.
func statusMessage(eff EffectiveResult, forgingEnabled bool) string {
	switch eff.Reason {
	case "manual_override":
		return fmt.Sprintf("forging %s by manual override (priority %d)", onOff(forgingEnabled), eff.Priority)
	case "health_degraded":
		return fmt.Sprintf("forging allowed with degraded priority %d: health check failures reached threshold", eff.Priority)
	case "health_intermittent":
		return fmt.Sprintf("forging allowed with degraded priority %d: intermittent health failures", eff.Priority)
	case "cluster_disabled":
		return "forging disabled: cluster forgeState is Disabled"
	case "cluster_enabled":
		return "forging enabled: cluster forgeState is Enabled"
	case "disabled":
		return "cluster management disabled: forging always allowed"
	default:
		return fmt.Sprintf("forging %s at priority %d", onOff(forgingEnabled), eff.Priority)
	}
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// ClearLeaderIfSelf clears activeLeader only if the currently-published
// status attributes it to this replica's identity — the control loop must
// never clobber another replica's claim, per spec section 4.6 step 9.
func (c *Controller) ClearLeaderIfSelf(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	obj, err := c.store.Get(ctx, c.name)
	if err != nil {
		return fmt.Errorf("reading published status: %w", err)
	}
	if obj.Status.ActiveLeader != c.identity {
		return nil
	}
	return c.publishStatus(ctx, false, "")
}
