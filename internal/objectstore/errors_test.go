package objectstore

import (
	"errors"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/stretchr/testify/require"
)

var leaseGR = schema.GroupResource{Group: "coordination.k8s.io", Resource: "leases"}

func TestClassify_Nil(t *testing.T) {
	require.NoError(t, Classify(nil))
}

func TestClassify_Conflict(t *testing.T) {
	err := Classify(apierrors.NewConflict(leaseGR, "foo", errors.New("conflict")))
	require.True(t, IsKind(err, KindConflict))
}

func TestClassify_NotFound(t *testing.T) {
	err := Classify(apierrors.NewNotFound(leaseGR, "foo"))
	require.True(t, IsKind(err, KindNotFound))
}

func TestClassify_Gone(t *testing.T) {
	err := Classify(apierrors.NewResourceExpired("expired"))
	require.True(t, IsKind(err, KindGone))
}

func TestClassify_PermanentForbidden(t *testing.T) {
	err := Classify(apierrors.NewForbidden(leaseGR, "foo", errors.New("forbidden")))
	require.True(t, IsKind(err, KindPermanent))
}

func TestClassify_TransientServiceUnavailable(t *testing.T) {
	err := Classify(apierrors.NewServiceUnavailable("down"))
	require.True(t, IsKind(err, KindTransient))
}

func TestClassify_UnknownFallsBackToTransient(t *testing.T) {
	err := Classify(errors.New("boom"))
	require.True(t, IsKind(err, KindTransient))
}

func TestError_UnwrapReturnsUnderlying(t *testing.T) {
	inner := errors.New("boom")
	err := Classify(inner)
	require.ErrorIs(t, err, inner)
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "conflict", KindConflict.String())
	require.Equal(t, "not_found", KindNotFound.String())
	require.Equal(t, "gone", KindGone.String())
	require.Equal(t, "permanent", KindPermanent.String())
	require.Equal(t, "transient", KindTransient.String())
	require.Equal(t, "unknown", Kind(99).String())
}
