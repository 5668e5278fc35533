// Package health implements the Health Prober from spec section 4.5: a
// periodic HTTP probe of a configured endpoint, a consecutive-failure
// counter, and a best-effort publish of that counter onto the policy
// object's disjoint healthStatus sub-field.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/mochipool/cardano-forge-manager/internal/objectstore"
)

// HTTPDoer is satisfied by *http.Client; narrowed for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober runs the periodic endpoint check described in spec section 4.5.
type Prober struct {
	store      objectstore.PolicyStore
	policyName string
	endpoint   string
	interval   time.Duration
	timeout    time.Duration
	client     HTTPDoer
	clock      clockwork.Clock
	log        logr.Logger

	mu                  sync.RWMutex
	consecutiveFailures int
	lastProbeTime       time.Time
	lastMessage         string
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient overrides the default *http.Client, for tests.
func WithHTTPClient(c HTTPDoer) Option {
	return func(p *Prober) { p.client = c }
}

// WithLogger attaches a logger; the zero value discards all output.
func WithLogger(log logr.Logger) Option {
	return func(p *Prober) { p.log = log }
}

// New builds a Prober for one policy object's healthCheck spec.
func New(store objectstore.PolicyStore, policyName, endpoint string, interval, timeout time.Duration, clock clockwork.Clock, opts ...Option) *Prober {
	p := &Prober{
		store:      store,
		policyName: policyName,
		endpoint:   endpoint,
		interval:   interval,
		timeout:    timeout,
		clock:      clock,
		client:     &http.Client{},
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ConsecutiveFailures and LastProbeTime back the read-only view from spec
// section 4.5, consumed by the policy controller's effective-state
// computation and by the observability surface.
func (p *Prober) ConsecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecutiveFailures
}

func (p *Prober) LastProbeTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastProbeTime
}

// Run probes on a fixed interval until ctx is cancelled. The sleep between
// probes is interruptible, per spec section 4.5's cancellation requirement.
func (p *Prober) Run(ctx context.Context) {
	for {
		p.probeOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
	}
}

// probeOnce issues one GET, updates the local counter, and publishes the
// result onto the policy object's healthStatus sub-field. Probe failures
// and publish failures are both logged, never fatal: the prober keeps
// running on its own schedule regardless of transient object-store errors.
func (p *Prober) probeOnce(ctx context.Context) {
	now := p.clock.Now()
	healthy, message := p.check(ctx)

	p.mu.Lock()
	if healthy {
		p.consecutiveFailures = 0
	} else {
		p.consecutiveFailures++
	}
	p.lastProbeTime = now
	p.lastMessage = message
	failures := p.consecutiveFailures
	p.mu.Unlock()

	status := objectstore.HealthStatus{
		Healthy:             healthy,
		ConsecutiveFailures: failures,
		LastProbeTime:       now,
		Message:             message,
	}
	patchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.PatchHealthStatus(patchCtx, p.policyName, status); err != nil {
		p.log.V(1).Info("failed to publish health status", "error", err.Error())
	}
}

// check performs the transport call and classifies the result: success
// requires both a transport-level success and an HTTP 200, per spec
// section 4.5. Probes never run concurrently with each other — Run's
// single goroutine calls probeOnce serially.
func (p *Prober) check(ctx context.Context) (healthy bool, message string) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return false, "building request: " + err.Error()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "unexpected status: " + resp.Status
	}
	return true, ""
}
