package objectstore

import (
	"context"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// LeaseRecord is the in-process view of spec.md's Lease Record, backed by
// the fields a coordination/v1 Lease carries natively.
type LeaseRecord struct {
	Holder          string
	Duration        time.Duration
	AcquireTime     time.Time
	RenewTime       time.Time
	Transitions     int32
	ResourceVersion string
}

// Expired reports whether the lease has elapsed its TTL as of now.
func (l LeaseRecord) Expired(now time.Time) bool {
	return l.RenewTime.Add(l.Duration).Before(now)
}

// LeaseStore is the typed lease resource contract from spec.md section 6:
// Get/Create/Update with resource-version optimistic concurrency.
type LeaseStore interface {
	Get(ctx context.Context, namespace, name string) (*LeaseRecord, error)
	Create(ctx context.Context, namespace, name string) (*LeaseRecord, error)
	Update(ctx context.Context, namespace, name string, rec LeaseRecord) (*LeaseRecord, error)
}

// kubeLeaseStore backs LeaseStore with the real coordination/v1 API.
type kubeLeaseStore struct {
	client kubernetes.Interface
}

// NewKubeLeaseStore builds a LeaseStore against a live cluster.
func NewKubeLeaseStore(client kubernetes.Interface) LeaseStore {
	return &kubeLeaseStore{client: client}
}

func (s *kubeLeaseStore) Get(ctx context.Context, namespace, name string) (*LeaseRecord, error) {
	lease, err := s.client.CoordinationV1().Leases(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, Classify(err)
	}
	return fromLease(lease), nil
}

func (s *kubeLeaseStore) Create(ctx context.Context, namespace, name string) (*LeaseRecord, error) {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: coordinationv1.LeaseSpec{},
	}
	created, err := s.client.CoordinationV1().Leases(namespace).Create(ctx, lease, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return s.Get(ctx, namespace, name)
		}
		return nil, Classify(err)
	}
	return fromLease(created), nil
}

func (s *kubeLeaseStore) Update(ctx context.Context, namespace, name string, rec LeaseRecord) (*LeaseRecord, error) {
	lease := toLease(namespace, name, rec)
	updated, err := s.client.CoordinationV1().Leases(namespace).Update(ctx, lease, metav1.UpdateOptions{})
	if err != nil {
		return nil, Classify(err)
	}
	return fromLease(updated), nil
}

func fromLease(l *coordinationv1.Lease) *LeaseRecord {
	rec := &LeaseRecord{ResourceVersion: l.ResourceVersion}
	if l.Spec.HolderIdentity != nil {
		rec.Holder = *l.Spec.HolderIdentity
	}
	if l.Spec.LeaseDurationSeconds != nil {
		rec.Duration = time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second
	}
	if l.Spec.AcquireTime != nil {
		rec.AcquireTime = l.Spec.AcquireTime.Time
	}
	if l.Spec.RenewTime != nil {
		rec.RenewTime = l.Spec.RenewTime.Time
	}
	if l.Spec.LeaseTransitions != nil {
		rec.Transitions = *l.Spec.LeaseTransitions
	}
	return rec
}

func toLease(namespace, name string, rec LeaseRecord) *coordinationv1.Lease {
	holder := rec.Holder
	durationSeconds := int32(rec.Duration / time.Second)
	acquire := metav1.NewMicroTime(rec.AcquireTime)
	renew := metav1.NewMicroTime(rec.RenewTime)
	transitions := rec.Transitions
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       namespace,
			Name:            name,
			ResourceVersion: rec.ResourceVersion,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &durationSeconds,
			AcquireTime:          &acquire,
			RenewTime:            &renew,
			LeaseTransitions:     &transitions,
		},
	}
}
