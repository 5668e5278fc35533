package objectstore

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// PolicyGroupVersion is the group/version of the cluster-scoped forge
// policy object. The schema definition itself (CRD YAML, OpenAPI
// validation) is an external-collaborator concern per spec.md section 1;
// only the wire shape consumed here is owned by this module.
var PolicyGroupVersion = schema.GroupVersion{Group: "forge.mochipool.io", Version: "v1alpha1"}

var policyGVK = PolicyGroupVersion.WithKind("ForgePolicy")
var policyListGVK = PolicyGroupVersion.WithKind("ForgePolicyList")

// kubePolicyStore backs PolicyStore with a controller-runtime watch-capable
// client over unstructured objects — no generated clientset/deepcopy is
// needed since unstructured.Unstructured already implements client.Object.
type kubePolicyStore struct {
	client client.WithWatch
}

// NewKubePolicyStore builds a PolicyStore against a live cluster.
func NewKubePolicyStore(c client.WithWatch) PolicyStore {
	return &kubePolicyStore{client: c}
}

func (s *kubePolicyStore) Get(ctx context.Context, name string) (*PolicyObject, error) {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(policyGVK)
	if err := s.client.Get(ctx, types.NamespacedName{Name: name}, u); err != nil {
		return nil, Classify(err)
	}
	return fromUnstructured(u)
}

func (s *kubePolicyStore) Create(ctx context.Context, obj *PolicyObject) (*PolicyObject, error) {
	u, err := toUnstructured(obj)
	if err != nil {
		return nil, err
	}
	if err := s.client.Create(ctx, u); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return s.Get(ctx, obj.Name)
		}
		return nil, Classify(err)
	}
	return fromUnstructured(u)
}

func (s *kubePolicyStore) PatchLeaderStatus(ctx context.Context, name string, patch LeaderStatusPatch) error {
	return s.patchStatusFields(ctx, name, func(u *unstructured.Unstructured) error {
		fields := map[string]any{
			"effectiveState":     string(patch.EffectiveState),
			"effectivePriority":  int64(patch.EffectivePriority),
			"activeLeader":       patch.ActiveLeader,
			"forgingEnabled":     patch.ForgingEnabled,
			"lastTransition":     patch.LastTransition.Format(time.RFC3339),
			"reason":             patch.Reason,
			"message":            patch.Message,
			"observedGeneration": patch.ObservedGeneration,
		}
		for k, v := range fields {
			if err := unstructured.SetNestedField(u.Object, v, "status", k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *kubePolicyStore) PatchHealthStatus(ctx context.Context, name string, health HealthStatus) error {
	return s.patchStatusFields(ctx, name, func(u *unstructured.Unstructured) error {
		return unstructured.SetNestedMap(u.Object, map[string]any{
			"healthy":             health.Healthy,
			"consecutiveFailures": int64(health.ConsecutiveFailures),
			"lastProbeTime":       health.LastProbeTime.Format(time.RFC3339),
			"message":             health.Message,
		}, "status", "healthStatus")
	})
}

// patchStatusFields fetches the current object, applies mutate to only the
// leaf fields it owns, and issues a merge-patch against the status
// sub-resource. Status sub-resource patches carry no resource-version
// precondition per spec.md section 4.4: concurrent callers are serialized
// upstream (the control loop and the health prober touch disjoint leaves).
func (s *kubePolicyStore) patchStatusFields(ctx context.Context, name string, mutate func(*unstructured.Unstructured) error) error {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(policyGVK)
	if err := s.client.Get(ctx, types.NamespacedName{Name: name}, u); err != nil {
		return Classify(err)
	}
	original := u.DeepCopy()
	if err := mutate(u); err != nil {
		return fmt.Errorf("building status patch: %w", err)
	}
	if err := s.client.Status().Patch(ctx, u, client.MergeFrom(original)); err != nil {
		return Classify(err)
	}
	return nil
}

func (s *kubePolicyStore) Watch(ctx context.Context, name string) (<-chan PolicyEvent, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(policyListGVK)
	w, err := s.client.Watch(ctx, list)
	if err != nil {
		return nil, Classify(err)
	}

	out := make(chan PolicyEvent)
	go func() {
		defer close(out)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				out <- translateWatchEvent(ev, name)
			}
		}
	}()
	return out, nil
}

func translateWatchEvent(ev watch.Event, name string) PolicyEvent {
	if ev.Type == watch.Error {
		if status, ok := ev.Object.(*metav1.Status); ok {
			err := apierrors.FromObject(status)
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				return PolicyEvent{Type: PolicyGone, Err: err}
			}
			return PolicyEvent{Type: PolicyError, Err: err}
		}
		return PolicyEvent{Type: PolicyError, Err: fmt.Errorf("watch error event")}
	}

	u, ok := ev.Object.(*unstructured.Unstructured)
	if !ok || u.GetName() != name {
		// Not our object (no field-selector index exists for this CRD);
		// the caller ignores zero-value events with no Object set.
		return PolicyEvent{Type: PolicyModified, Object: nil}
	}

	obj, err := fromUnstructured(u)
	if err != nil {
		return PolicyEvent{Type: PolicyError, Err: err}
	}

	switch ev.Type {
	case watch.Added:
		return PolicyEvent{Type: PolicyAdded, Object: obj}
	case watch.Deleted:
		return PolicyEvent{Type: PolicyDeleted, Object: obj}
	default:
		return PolicyEvent{Type: PolicyModified, Object: obj}
	}
}

func toUnstructured(obj *PolicyObject) (*unstructured.Unstructured, error) {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(policyGVK)
	u.SetName(obj.Name)
	if obj.ResourceVersion != "" {
		u.SetResourceVersion(obj.ResourceVersion)
	}
	if err := unstructured.SetNestedMap(u.Object, specToMap(obj.Spec), "spec"); err != nil {
		return nil, fmt.Errorf("building spec: %w", err)
	}
	if err := unstructured.SetNestedMap(u.Object, statusToMap(obj.Status), "status"); err != nil {
		return nil, fmt.Errorf("building status: %w", err)
	}
	return u, nil
}

func fromUnstructured(u *unstructured.Unstructured) (*PolicyObject, error) {
	obj := &PolicyObject{
		Name:            u.GetName(),
		ResourceVersion: u.GetResourceVersion(),
		Generation:      u.GetGeneration(),
	}

	specMap, _, _ := unstructured.NestedMap(u.Object, "spec")
	obj.Spec = specFromMap(specMap)

	statusMap, _, _ := unstructured.NestedMap(u.Object, "status")
	obj.Status = statusFromMap(statusMap)

	return obj, nil
}

func specToMap(s PolicySpec) map[string]any {
	m := map[string]any{
		"network": map[string]any{
			"name":  s.Network.Name,
			"magic": s.Network.Magic,
			"era":   s.Network.Era,
		},
		"pool": map[string]any{
			"id":     s.Pool.ID,
			"idHex":  s.Pool.IDHex,
			"name":   s.Pool.Name,
			"ticker": s.Pool.Ticker,
		},
		"application": map[string]any{
			"type":        s.Application.Type,
			"environment": s.Application.Environment,
		},
		"region":     s.Region,
		"forgeState": string(s.ForgeState),
		"priority":   int64(s.Priority),
		"healthCheck": map[string]any{
			"enabled":          s.HealthCheck.Enabled,
			"endpoint":         s.HealthCheck.Endpoint,
			"interval":         s.HealthCheck.Interval.String(),
			"timeout":          s.HealthCheck.Timeout.String(),
			"failureThreshold": int64(s.HealthCheck.FailureThreshold),
		},
	}
	if s.Override != nil {
		override := map[string]any{
			"enabled":   s.Override.Enabled,
			"reason":    s.Override.Reason,
			"expiresAt": s.Override.ExpiresAt.Format(time.RFC3339),
		}
		if s.Override.ForceState != "" {
			override["forceState"] = string(s.Override.ForceState)
		}
		if s.Override.ForcePriority != nil {
			override["forcePriority"] = int64(*s.Override.ForcePriority)
		}
		m["override"] = override
	}
	return m
}

func specFromMap(m map[string]any) PolicySpec {
	var s PolicySpec
	if m == nil {
		return s
	}
	if v, ok, _ := unstructured.NestedString(m, "network", "name"); ok {
		s.Network.Name = v
	}
	if v, ok, _ := unstructured.NestedInt64(m, "network", "magic"); ok {
		s.Network.Magic = v
	}
	if v, ok, _ := unstructured.NestedString(m, "network", "era"); ok {
		s.Network.Era = v
	}
	if v, ok, _ := unstructured.NestedString(m, "pool", "id"); ok {
		s.Pool.ID = v
	}
	if v, ok, _ := unstructured.NestedString(m, "pool", "idHex"); ok {
		s.Pool.IDHex = v
	}
	if v, ok, _ := unstructured.NestedString(m, "pool", "name"); ok {
		s.Pool.Name = v
	}
	if v, ok, _ := unstructured.NestedString(m, "pool", "ticker"); ok {
		s.Pool.Ticker = v
	}
	if v, ok, _ := unstructured.NestedString(m, "application", "type"); ok {
		s.Application.Type = v
	}
	if v, ok, _ := unstructured.NestedString(m, "application", "environment"); ok {
		s.Application.Environment = v
	}
	if v, ok, _ := unstructured.NestedString(m, "region"); ok {
		s.Region = v
	}
	if v, ok, _ := unstructured.NestedString(m, "forgeState"); ok {
		s.ForgeState = ForgeState(v)
	}
	if v, ok, _ := unstructured.NestedInt64(m, "priority"); ok {
		s.Priority = int(v)
	}
	if v, ok, _ := unstructured.NestedBool(m, "healthCheck", "enabled"); ok {
		s.HealthCheck.Enabled = v
	}
	if v, ok, _ := unstructured.NestedString(m, "healthCheck", "endpoint"); ok {
		s.HealthCheck.Endpoint = v
	}
	if v, ok, _ := unstructured.NestedString(m, "healthCheck", "interval"); ok {
		s.HealthCheck.Interval, _ = time.ParseDuration(v)
	}
	if v, ok, _ := unstructured.NestedString(m, "healthCheck", "timeout"); ok {
		s.HealthCheck.Timeout, _ = time.ParseDuration(v)
	}
	if v, ok, _ := unstructured.NestedInt64(m, "healthCheck", "failureThreshold"); ok {
		s.HealthCheck.FailureThreshold = int(v)
	}
	if overrideMap, ok, _ := unstructured.NestedMap(m, "override"); ok {
		o := &Override{}
		if v, ok, _ := unstructured.NestedBool(overrideMap, "enabled"); ok {
			o.Enabled = v
		}
		if v, ok, _ := unstructured.NestedString(overrideMap, "forceState"); ok {
			o.ForceState = ForgeState(v)
		}
		if v, ok, _ := unstructured.NestedInt64(overrideMap, "forcePriority"); ok {
			p := int(v)
			o.ForcePriority = &p
		}
		if v, ok, _ := unstructured.NestedString(overrideMap, "reason"); ok {
			o.Reason = v
		}
		if v, ok, _ := unstructured.NestedString(overrideMap, "expiresAt"); ok {
			o.ExpiresAt, _ = time.Parse(time.RFC3339, v)
		}
		s.Override = o
	}
	return s
}

func statusToMap(st PolicyStatus) map[string]any {
	conditions := make([]any, 0, len(st.Conditions))
	for _, c := range st.Conditions {
		conditions = append(conditions, map[string]any{
			"type":               c.Type,
			"status":             c.Status,
			"lastTransitionTime": c.LastTransitionTime.Format(time.RFC3339),
			"reason":             c.Reason,
			"message":            c.Message,
		})
	}
	return map[string]any{
		"effectiveState":     string(st.EffectiveState),
		"effectivePriority":  int64(st.EffectivePriority),
		"activeLeader":       st.ActiveLeader,
		"forgingEnabled":     st.ForgingEnabled,
		"lastTransition":     st.LastTransition.Format(time.RFC3339),
		"reason":             st.Reason,
		"message":            st.Message,
		"observedGeneration": st.ObservedGeneration,
		"healthStatus": map[string]any{
			"healthy":             st.HealthStatus.Healthy,
			"consecutiveFailures": int64(st.HealthStatus.ConsecutiveFailures),
			"lastProbeTime":       st.HealthStatus.LastProbeTime.Format(time.RFC3339),
			"message":             st.HealthStatus.Message,
		},
		"conditions": conditions,
	}
}

func statusFromMap(m map[string]any) PolicyStatus {
	var st PolicyStatus
	if m == nil {
		return st
	}
	if v, ok, _ := unstructured.NestedString(m, "effectiveState"); ok {
		st.EffectiveState = ForgeState(v)
	}
	if v, ok, _ := unstructured.NestedInt64(m, "effectivePriority"); ok {
		st.EffectivePriority = int(v)
	}
	if v, ok, _ := unstructured.NestedString(m, "activeLeader"); ok {
		st.ActiveLeader = v
	}
	if v, ok, _ := unstructured.NestedBool(m, "forgingEnabled"); ok {
		st.ForgingEnabled = v
	}
	if v, ok, _ := unstructured.NestedString(m, "lastTransition"); ok {
		st.LastTransition, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok, _ := unstructured.NestedString(m, "reason"); ok {
		st.Reason = v
	}
	if v, ok, _ := unstructured.NestedString(m, "message"); ok {
		st.Message = v
	}
	if v, ok, _ := unstructured.NestedInt64(m, "observedGeneration"); ok {
		st.ObservedGeneration = v
	}
	if v, ok, _ := unstructured.NestedBool(m, "healthStatus", "healthy"); ok {
		st.HealthStatus.Healthy = v
	}
	if v, ok, _ := unstructured.NestedInt64(m, "healthStatus", "consecutiveFailures"); ok {
		st.HealthStatus.ConsecutiveFailures = int(v)
	}
	if v, ok, _ := unstructured.NestedString(m, "healthStatus", "lastProbeTime"); ok {
		st.HealthStatus.LastProbeTime, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok, _ := unstructured.NestedString(m, "healthStatus", "message"); ok {
		st.HealthStatus.Message = v
	}
	return st
}
