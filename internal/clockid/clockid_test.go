package clockid

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestReplica_StringRendersNamespaceAndName(t *testing.T) {
	r := Replica{Namespace: "cardano", Name: "forge-manager-0", PID: 42}
	require.Equal(t, "cardano/forge-manager-0", r.String())
}

func TestJitterFraction_StaysWithinBounds(t *testing.T) {
	s := NewWithClock(clockwork.NewFakeClock())
	for i := 0; i < 100; i++ {
		f := s.JitterFraction(-0.2, 0.2)
		require.GreaterOrEqual(t, f, -0.2)
		require.Less(t, f, 0.2)
	}
}

func TestNewWithClock_UsesGivenClock(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewWithClock(fake)
	require.Equal(t, fake, s.Clock)
}
