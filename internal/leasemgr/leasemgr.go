// Package leasemgr implements the local lease state machine from spec
// section 4.1: acquire/renew/relinquish with optimistic concurrency,
// jittered retry backoff, and race-safe takeover of expired leases.
package leasemgr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/mochipool/cardano-forge-manager/internal/clockid"
	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
)

const maxAttempts = 3

// Manager is the public Lease Manager surface from spec section 4.1.
type Manager struct {
	store         objectstore.LeaseStore
	namespace     string
	name          string
	identity      string
	leaseDuration time.Duration
	clock         clockwork.Clock
	jitter        *clockid.Source
	log           logr.Logger

	mu     sync.RWMutex
	last   objectstore.LeaseRecord
	belief bool

	contention atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger; the zero value discards all output.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New builds a lease Manager for one tenancy's derived lease name.
func New(store objectstore.LeaseStore, namespace, name, identity string, leaseDuration time.Duration, clock clockwork.Clock, jitter *clockid.Source, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		namespace:     namespace,
		name:          name,
		identity:      identity,
		leaseDuration: leaseDuration,
		clock:         clock,
		jitter:        jitter,
		log:           logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ContentionTotal returns the number of times this replica lost a race
// between observing a candidate lease and its patch landing.
func (m *Manager) ContentionTotal() int64 {
	return m.contention.Load()
}

// ObserveHolder returns the last known lease holder identity, used by the
// control loop's startup-cleanup check (spec section 4.6 step 3) without
// requiring callers to depend on the objectstore package directly.
func (m *Manager) ObserveHolder() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Holder
}

// Observe returns the last known lease state without mutation.
func (m *Manager) Observe() objectstore.LeaseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// TryAcquire attempts to acquire or renew the lease for this replica,
// per the algorithm in spec section 4.1.
func (m *Manager) TryAcquire(ctx context.Context) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		held, err := m.attempt(ctx)
		if err == nil {
			return held, nil
		}
		lastErr = err
		m.log.V(1).Info("lease attempt failed, retrying", "attempt", attempt, "error", err)

		if attempt == maxAttempts-1 {
			break
		}
		delay := backoffDelay(attempt, m.jitter)
		select {
		case <-ctx.Done():
			return m.believed(), ctx.Err()
		case <-m.clock.After(delay):
		}
	}
	// Retries exhausted: preserve the last known leadership belief rather
	// than surfacing failure as a downgrade (spec section 4.1, "Failure
	// semantics").
	return m.believed(), lastErr
}

// Forfeit clears holder if self; idempotent and best-effort.
func (m *Manager) Forfeit(ctx context.Context) {
	rec, err := m.store.Get(ctx, m.namespace, m.name)
	if err != nil {
		return
	}
	if rec.Holder != m.identity {
		m.recordObservation(*rec, false)
		return
	}

	cleared := *rec
	cleared.Holder = ""
	updated, err := m.store.Update(ctx, m.namespace, m.name, cleared)
	if err != nil {
		m.log.V(1).Info("forfeit patch failed, best-effort", "error", err)
		return
	}
	m.recordObservation(*updated, false)
}

func (m *Manager) attempt(ctx context.Context) (bool, error) {
	rec, err := m.store.Get(ctx, m.namespace, m.name)
	if err != nil {
		if objectstore.IsKind(err, objectstore.KindNotFound) {
			created, cerr := m.store.Create(ctx, m.namespace, m.name)
			if cerr != nil {
				return false, cerr
			}
			rec = created
		} else {
			return false, err
		}
	}

	now := m.clock.Now()
	expired := rec.Duration > 0 && rec.Expired(now)

	var canAcquire bool
	var reason string
	switch {
	case rec.Holder == m.identity:
		canAcquire, reason = true, "renewal"
	case rec.Holder == "":
		canAcquire, reason = true, "vacant"
	case expired:
		canAcquire, reason = true, fmt.Sprintf("takeover(previous=%s)", rec.Holder)
	}

	if !canAcquire {
		m.recordObservation(*rec, false)
		return false, nil
	}

	priorHolder := rec.Holder
	next := *rec
	next.Holder = m.identity
	next.RenewTime = now
	if priorHolder != m.identity {
		next.AcquireTime = now
	}
	if priorHolder != m.identity && priorHolder != "" {
		next.Transitions = rec.Transitions + 1
	}
	if next.Duration == 0 {
		next.Duration = m.leaseDuration
	}

	updated, err := m.store.Update(ctx, m.namespace, m.name, next)
	if err != nil {
		return false, err
	}

	held := updated.Holder == m.identity
	m.recordObservation(*updated, held)
	if !held {
		m.contention.Add(1)
	}
	m.log.V(1).Info("lease attempt resolved", "reason", reason, "held", held)
	return held, nil
}

func (m *Manager) recordObservation(rec objectstore.LeaseRecord, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = rec
	m.belief = held
}

func (m *Manager) believed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.belief
}

// backoffDelay implements spec section 4.1 step 6:
// min(0.5*2^attempt, 30) + uniform(0.1,0.3)*base seconds.
func backoffDelay(attempt int, jitter *clockid.Source) time.Duration {
	base := math.Min(0.5*math.Pow(2, float64(attempt)), 30)
	jittered := base + jitter.JitterFraction(0.1, 0.3)*base
	return time.Duration(jittered * float64(time.Second))
}
