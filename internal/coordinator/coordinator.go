// Package coordinator implements the Control Loop from spec section 4.6:
// the single-threaded cooperative iteration over the liaison, lease
// manager, policy controller, and credential reconciler, plus the
// shutdown sequence.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/mochipool/cardano-forge-manager/internal/clockid"
	"github.com/mochipool/cardano-forge-manager/internal/credentials"
	"github.com/mochipool/cardano-forge-manager/internal/liaison"
	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
	"github.com/mochipool/cardano-forge-manager/internal/policy"
)

// Metrics is the narrow observability sink the loop reports into each
// iteration; internal/observability implements it.
type Metrics interface {
	ObserveIteration(held, forgingAllowed, desiredPresent, changed bool)
	ObserveReloadOutcome(delivered bool)
	ObserveLeadershipChange()
	ObserveCredentialOp(operation, file string)
	ObserveEffectivePriority(priority int)
	ObserveHealthFailures(n int)
}

// noopMetrics discards all observations, the zero value used when the
// caller does not wire a Metrics sink (e.g. in unit tests).
type noopMetrics struct{}

func (noopMetrics) ObserveIteration(bool, bool, bool, bool) {}
func (noopMetrics) ObserveReloadOutcome(bool)               {}
func (noopMetrics) ObserveLeadershipChange()                {}
func (noopMetrics) ObserveCredentialOp(string, string)      {}
func (noopMetrics) ObserveEffectivePriority(int)             {}
func (noopMetrics) ObserveHealthFailures(int)                {}

// Loop is the public Control Loop surface from spec section 4.6.
type Loop struct {
	lease       leaseManager
	policyCtrl  policyController
	reconciler  reconciler
	liaison     *liaison.Liaison
	clock       clockwork.Clock
	jitter      *clockid.Source
	baseInterval time.Duration
	log         logr.Logger
	metrics     Metrics
	health      healthProbe
	identity    string

	mu                sync.Mutex
	ranStartupCleanup bool
	haveTransitions   bool
	lastTransitions   int32
}

// leaseManager, policyController, reconciler are the exact method subsets
// this package calls, so tests can supply hand-written fakes without
// depending on the concrete leasemgr/policy/credentials types.
type leaseManager interface {
	TryAcquire(ctx context.Context) (bool, error)
	Forfeit(ctx context.Context)
	ObserveHolder() string
	Observe() objectstore.LeaseRecord
}

type policyController interface {
	ShouldAllowForging() (bool, string)
	PatchLeaderStatus(ctx context.Context, held bool) error
	ClearLeaderIfSelf(ctx context.Context) error
	Effective() policy.EffectiveResult
}

type reconciler interface {
	Reconcile(desiredPresent bool) credentials.Result
	ProvisionStartup() credentials.Result
}

// healthProbe is the read view of *health.Prober the loop needs to mirror
// the consecutive-failure count onto its own metric; nil means no health
// check is configured.
type healthProbe interface {
	ConsecutiveFailures() int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger attaches a logger; the zero value discards all output.
func WithLogger(log logr.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithMetrics attaches the observability sink.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithHealth attaches the health prober's read view so the loop can report
// health_consecutive_failures; omit when no health check is configured.
func WithHealth(h healthProbe) Option {
	return func(l *Loop) { l.health = h }
}

// New builds a Loop. baseInterval is the steady-state poll interval
// (spec section 4.6 step 11); identity is this replica's lease
// holder-identity string, used by the startup cleanup to tell this
// replica's own lease claim apart from another holder's.
func New(
	lease leaseManager,
	policyCtrl policyController,
	recon reconciler,
	liaison *liaison.Liaison,
	clock clockwork.Clock,
	jitter *clockid.Source,
	baseInterval time.Duration,
	identity string,
	opts ...Option,
) *Loop {
	l := &Loop{
		lease:        lease,
		policyCtrl:   policyCtrl,
		reconciler:   recon,
		liaison:      liaison,
		clock:        clock,
		jitter:       jitter,
		baseInterval: baseInterval,
		identity:     identity,
		log:          logr.Discard(),
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes iterations until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for ctx.Err() == nil {
		l.iterate(ctx)
	}
}

// iterate runs exactly one control-loop pass, per spec section 4.6.
func (l *Loop) iterate(ctx context.Context) {
	startup := l.liaison.StartupPhaseActive()

	if restarted := l.liaison.ConsumeRestartTransition(); restarted {
		// Producer restarted: forfeit and retract credentials before
		// returning to the startup track, per spec section 4.3's
		// mandated side effect.
		l.lease.Forfeit(ctx)
		l.reconciler.Reconcile(false)
		l.mu.Lock()
		l.ranStartupCleanup = false
		l.mu.Unlock()
	}

	if startup {
		l.reconciler.ProvisionStartup()
		l.sleepJittered(ctx, l.baseInterval)
		return
	}

	l.mu.Lock()
	firstPostStartup := !l.ranStartupCleanup
	l.ranStartupCleanup = true
	l.mu.Unlock()
	if firstPostStartup {
		l.startupCleanup(ctx)
	}

	held, err := l.lease.TryAcquire(ctx)
	if err != nil {
		l.log.V(1).Info("lease acquisition error, belief preserved", "error", err.Error())
	}
	l.observeLeadershipChange()

	forgingAllowed, gateReason := l.policyCtrl.ShouldAllowForging()
	if !forgingAllowed {
		l.log.V(1).Info("forging blocked by policy gate", "reason", gateReason)
	}
	desiredPresent := held && forgingAllowed

	l.metrics.ObserveEffectivePriority(l.policyCtrl.Effective().Priority)
	if l.health != nil {
		l.metrics.ObserveHealthFailures(l.health.ConsecutiveFailures())
	}

	result := l.reconciler.Reconcile(desiredPresent)
	for _, op := range result.Ops {
		l.metrics.ObserveCredentialOp(op.Action, op.Pair)
	}

	if result.Changed {
		reason := "disable_forging"
		if desiredPresent {
			reason = "enable_forging"
		}
		delivered, notifyErr := l.liaison.NotifyReload(reason)
		if notifyErr != nil {
			l.log.V(1).Info("reload notification failed", "error", notifyErr.Error())
		}
		l.metrics.ObserveReloadOutcome(delivered)
	}

	l.updateLeaderStatus(ctx, held)

	l.metrics.ObserveIteration(held, forgingAllowed, desiredPresent, result.Changed)

	l.sleepJittered(ctx, l.baseInterval)
}

// observeLeadershipChange reports one ObserveLeadershipChange per lease
// transition advance since the previous iteration, per spec section 6's
// leadership_changes_total metric. The first iteration only seeds the
// baseline; it never reports, since a freshly-started replica did not
// itself observe any transition.
func (l *Loop) observeLeadershipChange() {
	rec := l.lease.Observe()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.haveTransitions {
		for delta := rec.Transitions - l.lastTransitions; delta > 0; delta-- {
			l.metrics.ObserveLeadershipChange()
		}
	}
	l.lastTransitions = rec.Transitions
	l.haveTransitions = true
}

// startupCleanup is the one-shot check from spec section 4.6 step 3: if
// another replica (or a stale identity) holds the lease, retract any
// locally-present credentials and notify before the first steady-state
// iteration runs.
func (l *Loop) startupCleanup(ctx context.Context) {
	holder := l.lease.ObserveHolder()
	if holder == "" || holder == l.identity {
		return
	}
	result := l.reconciler.Reconcile(false)
	if result.Changed {
		delivered, err := l.liaison.NotifyReload("startup_cleanup")
		if err != nil {
			l.log.V(1).Info("startup cleanup notify failed", "error", err.Error())
		}
		l.metrics.ObserveReloadOutcome(delivered)
	}
}

// updateLeaderStatus is spec section 4.6 step 9: if held, always publish
// the comprehensive status; if not held, only clear activeLeader when the
// published claim is this replica's own.
func (l *Loop) updateLeaderStatus(ctx context.Context, held bool) {
	var err error
	if held {
		err = l.policyCtrl.PatchLeaderStatus(ctx, held)
	} else {
		err = l.policyCtrl.ClearLeaderIfSelf(ctx)
	}
	if err != nil {
		l.log.V(1).Info("status publish failed", "error", err.Error())
	}
}

// sleepJittered implements spec section 4.6 step 11/4.3 step 2: baseInterval
// +/- 20%, floored at 1 second, interruptible by ctx cancellation.
func (l *Loop) sleepJittered(ctx context.Context, base time.Duration) {
	fraction := l.jitter.JitterFraction(-0.2, 0.2)
	d := time.Duration(float64(base) * (1 + fraction))
	if d < time.Second {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-l.clock.After(d):
	}
}

// Shutdown performs the mandated shutdown sequence from spec section 4.6:
// retract credentials once background tasks have already been drained by
// the caller (the coordinator does not own the policy watch / health
// prober tasks' lifecycles; bootstrap does, via errgroup).
func (l *Loop) Shutdown(ctx context.Context) {
	l.reconciler.Reconcile(false)
}
