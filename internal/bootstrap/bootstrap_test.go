package bootstrap

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochipool/cardano-forge-manager/internal/config"
)

func TestSignalFor_KnownNames(t *testing.T) {
	require.Equal(t, syscall.SIGHUP, signalFor("SIGHUP"))
	require.Equal(t, syscall.SIGHUP, signalFor(""))
	require.Equal(t, syscall.SIGUSR1, signalFor("SIGUSR1"))
	require.Equal(t, syscall.SIGUSR2, signalFor("SIGUSR2"))
}

func TestSignalFor_UnknownNameFallsBackToSighup(t *testing.T) {
	require.Equal(t, syscall.SIGHUP, signalFor("SIGKILL"))
}

func TestCredentialPairs_SkipsIncompletePairs(t *testing.T) {
	cfg := &config.Config{
		SourceA: "/src/kes.skey",
		TargetA: "/run/secrets/kes.skey",
		SourceB: "/src/vrf.skey",
		// TargetB intentionally left empty.
		SourceC: "",
		TargetC: "/run/secrets/cert",
	}

	pairs := credentialPairs(cfg)
	require.Len(t, pairs, 1)
	require.Equal(t, "kes", pairs[0].Name)
	require.Equal(t, "/src/kes.skey", pairs[0].Source)
	require.Equal(t, "/run/secrets/kes.skey", pairs[0].Target)
}

func TestCredentialPairs_AllThreePresent(t *testing.T) {
	cfg := &config.Config{
		SourceA: "a-src", TargetA: "a-dst",
		SourceB: "b-src", TargetB: "b-dst",
		SourceC: "c-src", TargetC: "c-dst",
	}

	pairs := credentialPairs(cfg)
	require.Len(t, pairs, 3)
}

func TestNewLogger_RejectsInvalidLevel(t *testing.T) {
	_, err := NewLogger("not-a-level")
	require.Error(t, err)
}

func TestNewLogger_AcceptsKnownLevel(t *testing.T) {
	_, err := NewLogger("debug")
	require.NoError(t, err)
}
