package credentials_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochipool/cardano-forge-manager/internal/credentials"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testPairs(t *testing.T) (dir string, pairs []credentials.Pair) {
	t.Helper()
	dir = t.TempDir()
	srcDir := filepath.Join(dir, "src")
	tgtDir := filepath.Join(dir, "tgt")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	require.NoError(t, os.MkdirAll(tgtDir, 0755))

	names := []string{"kes.skey", "vrf.skey", "node.cert"}
	for _, n := range names {
		writeFile(t, filepath.Join(srcDir, n), "secret-"+n)
	}

	for _, n := range names {
		pairs = append(pairs, credentials.Pair{
			Name:   n,
			Source: filepath.Join(srcDir, n),
			Target: filepath.Join(tgtDir, n),
		})
	}
	return dir, pairs
}

func TestReconcile_PresentWritesAllFiles(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	result := r.Reconcile(true)
	require.True(t, result.Changed)

	for _, p := range pairs {
		data, err := os.ReadFile(p.Target)
		require.NoError(t, err)
		src, err := os.ReadFile(p.Source)
		require.NoError(t, err)
		require.Equal(t, src, data)

		info, err := os.Stat(p.Target)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestReconcile_IdempotentSecondCallReportsNoChange(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	first := r.Reconcile(true)
	require.True(t, first.Changed)

	second := r.Reconcile(true)
	require.False(t, second.Changed, "two consecutive Reconcile(true) calls with unchanged sources change at most once")
}

func TestReconcile_AbsentRemovesFiles(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	r.Reconcile(true)
	result := r.Reconcile(false)
	require.True(t, result.Changed)

	for _, p := range pairs {
		_, err := os.Stat(p.Target)
		require.True(t, os.IsNotExist(err))
	}
}

func TestReconcile_AbsentWhenAlreadyAbsentReportsNoChange(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	result := r.Reconcile(false)
	require.False(t, result.Changed)
}

func TestReconcile_DetectsContentDrift(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)
	r.Reconcile(true)

	// Mutate the source after the initial write.
	writeFile(t, pairs[0].Source, "rotated-secret")

	result := r.Reconcile(true)
	require.True(t, result.Changed)

	data, err := os.ReadFile(pairs[0].Target)
	require.NoError(t, err)
	require.Equal(t, "rotated-secret", string(data))
}

func TestProvisionStartup_DoesNotOverwriteExistingTarget(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	writeFile(t, pairs[0].Target, "pre-existing")

	result := r.ProvisionStartup()
	require.True(t, result.Changed, "the other two targets are still missing")

	data, err := os.ReadFile(pairs[0].Target)
	require.NoError(t, err)
	require.Equal(t, "pre-existing", string(data))
}

func TestAllPresent(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)

	require.False(t, r.AllPresent())

	r.Reconcile(true)
	require.True(t, r.AllPresent())

	r.Reconcile(false)
	require.False(t, r.AllPresent())
}

func TestAllPresent_EmptyFileNotConsideredPresent(t *testing.T) {
	_, pairs := testPairs(t)
	r := credentials.New(pairs...)
	r.Reconcile(true)

	require.NoError(t, os.WriteFile(pairs[0].Target, nil, 0600))
	require.False(t, r.AllPresent())
}
