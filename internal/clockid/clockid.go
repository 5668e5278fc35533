// Package clockid bundles the time source and jitter RNG shared by the
// lease manager and the control loop, plus this replica's stable identity.
package clockid

import (
	"fmt"
	"math/rand/v2"

	"github.com/jonboulle/clockwork"
)

// Replica is this process's immutable identity tuple. Its String form
// (namespace/name, without the PID) is the lease holder-identity.
type Replica struct {
	Namespace string
	Name      string
	PID       int
}

// String renders the identity the way it is stored as a lease holder.
func (r Replica) String() string {
	return fmt.Sprintf("%s/%s", r.Namespace, r.Name)
}

// Source supplies time and jitter to the rest of the coordinator. A real
// clock is used in production; tests inject clockwork.NewFakeClock().
type Source struct {
	Clock clockwork.Clock
	rng   *rand.Rand
}

// New builds a Source backed by the real wall clock.
func New() *Source {
	return &Source{
		Clock: clockwork.NewRealClock(),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewWithClock builds a Source backed by the given clock, for tests.
func NewWithClock(clock clockwork.Clock) *Source {
	return &Source{
		Clock: clock,
		rng:   rand.New(rand.NewPCG(1, 2)),
	}
}

// JitterFraction returns a uniformly distributed value in [lo, hi).
func (s *Source) JitterFraction(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}
