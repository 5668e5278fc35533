package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"
)

func TestKubeLeaseStore_CreateThenGet(t *testing.T) {
	client := fake.NewSimpleClientset()
	store := NewKubeLeaseStore(client)
	ctx := context.Background()

	rec, err := store.Create(ctx, "cardano", "forge-leader-mainnet-pool1abcde")
	require.NoError(t, err)
	require.Equal(t, "", rec.Holder)

	got, err := store.Get(ctx, "cardano", "forge-leader-mainnet-pool1abcde")
	require.NoError(t, err)
	require.Equal(t, rec.ResourceVersion, got.ResourceVersion)
}

func TestKubeLeaseStore_CreateIsIdempotentOnAlreadyExists(t *testing.T) {
	client := fake.NewSimpleClientset()
	store := NewKubeLeaseStore(client)
	ctx := context.Background()

	first, err := store.Create(ctx, "cardano", "forge-leader-mainnet-pool1abcde")
	require.NoError(t, err)

	second, err := store.Create(ctx, "cardano", "forge-leader-mainnet-pool1abcde")
	require.NoError(t, err)
	require.Equal(t, first.ResourceVersion, second.ResourceVersion)
}

func TestKubeLeaseStore_Get_NotFound(t *testing.T) {
	client := fake.NewSimpleClientset()
	store := NewKubeLeaseStore(client)

	_, err := store.Get(context.Background(), "cardano", "missing")
	require.True(t, IsKind(err, KindNotFound))
}

func TestKubeLeaseStore_UpdateRoundTripsFields(t *testing.T) {
	client := fake.NewSimpleClientset()
	store := NewKubeLeaseStore(client)
	ctx := context.Background()

	created, err := store.Create(ctx, "cardano", "lease-1")
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	created.Holder = "cardano/forge-manager-0"
	created.Duration = 15 * time.Second
	created.AcquireTime = now
	created.RenewTime = now
	created.Transitions = 1

	updated, err := store.Update(ctx, "cardano", "lease-1", *created)
	require.NoError(t, err)
	require.Equal(t, "cardano/forge-manager-0", updated.Holder)
	require.Equal(t, 15*time.Second, updated.Duration)
	require.Equal(t, int32(1), updated.Transitions)
}

func TestLeaseRecord_Expired(t *testing.T) {
	now := time.Now()
	rec := LeaseRecord{RenewTime: now.Add(-20 * time.Second), Duration: 15 * time.Second}
	require.True(t, rec.Expired(now))

	fresh := LeaseRecord{RenewTime: now, Duration: 15 * time.Second}
	require.False(t, fresh.Expired(now))
}
