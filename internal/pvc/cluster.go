// Package pvc adapts PersistentVolumeClaims and PVCAutoScaler resources to the autoscaler engine.
package pvc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/kube"
	"github.com/volumania/volumania/internal/quantity"
)

// Client is a controller client. It is a subset of client.Client.
type Client interface {
	client.Reader
	client.Writer
	client.StatusClient
}

var _ autoscaler.Cluster = (*Cluster)(nil)

// Cluster reads and grows PVCs and keeps PVCAutoScaler resources in step with policies.
type Cluster struct {
	client    Client
	recorder  record.EventRecorder
	log       logr.Logger
	namespace string
}

// NewCluster returns a Cluster. An empty namespace watches all namespaces.
func NewCluster(c Client, recorder record.EventRecorder, log logr.Logger, namespace string) *Cluster {
	return &Cluster{client: c, recorder: recorder, log: log, namespace: namespace}
}

// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

func (c *Cluster) ListVolumes(ctx context.Context) ([]autoscaler.Volume, error) {
	var list corev1.PersistentVolumeClaimList
	if err := c.client.List(ctx, &list, c.listOpts()...); err != nil {
		return nil, classify(fmt.Errorf("list pvcs: %w", err))
	}
	return lo.Map(list.Items, func(pvc corev1.PersistentVolumeClaim, _ int) autoscaler.Volume {
		return toVolume(&pvc)
	}), nil
}

func (c *Cluster) ReadVolume(ctx context.Context, key types.NamespacedName) (autoscaler.Volume, error) {
	var pvc corev1.PersistentVolumeClaim
	if err := c.client.Get(ctx, key, &pvc); err != nil {
		return autoscaler.Volume{}, classify(fmt.Errorf("get pvc %s: %w", key, err))
	}
	return toVolume(&pvc), nil
}

// WriteDesiredCapacity raises the storage request of the PVC. A request that is already at
// least size is left alone. The patch carries the observed resourceVersion so a concurrent
// change surfaces as a conflict.
func (c *Cluster) WriteDesiredCapacity(ctx context.Context, key types.NamespacedName, size quantity.Quantity) error {
	var pvc corev1.PersistentVolumeClaim
	if err := c.client.Get(ctx, key, &pvc); err != nil {
		return classify(fmt.Errorf("get pvc %s: %w", key, err))
	}

	current := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	desired := size.ToResource()
	if current.Cmp(desired) >= 0 {
		return nil
	}

	patch := pvc.DeepCopy()
	if patch.Spec.Resources.Requests == nil {
		patch.Spec.Resources.Requests = corev1.ResourceList{}
	}
	patch.Spec.Resources.Requests[corev1.ResourceStorage] = desired
	reporter := kube.NewEventReporter(c.log, c.recorder, &pvc)
	if err := c.client.Patch(ctx, patch, client.MergeFromWithOptions(&pvc, client.MergeFromWithOptimisticLock{})); err != nil {
		err = classify(fmt.Errorf("patch pvc %s: %w", key, err))
		reporter.RecordError("VolumeExpansionFailed", err)
		return err
	}
	reporter.RecordInfo("VolumeExpansionRequested", fmt.Sprintf("Requested storage %s (was %s)", size, quantity.FromResource(current)))
	return nil
}

func (c *Cluster) HasAutoscaler(ctx context.Context, key types.NamespacedName) (bool, error) {
	var pvc corev1.PersistentVolumeClaim
	if err := c.client.Get(ctx, key, &pvc); err != nil {
		return false, classify(fmt.Errorf("get pvc %s: %w", key, err))
	}
	if markerEnabled(&pvc) {
		return true, nil
	}

	resources, err := c.listResources(ctx, client.InNamespace(key.Namespace))
	if err != nil {
		return false, err
	}
	return lo.SomeBy(resources, func(r policyResource) bool { return r.Spec.PVCName == key.Name }), nil
}

// SetAutoscalerMarker sets or clears the autoscaler annotation on the PVC. A missing PVC is
// not an error.
func (c *Cluster) SetAutoscalerMarker(ctx context.Context, key types.NamespacedName, enabled bool) error {
	var pvc corev1.PersistentVolumeClaim
	if err := c.client.Get(ctx, key, &pvc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return classify(fmt.Errorf("get pvc %s: %w", key, err))
	}
	if markerEnabled(&pvc) == enabled {
		return nil
	}

	patch := pvc.DeepCopy()
	if enabled {
		if patch.Annotations == nil {
			patch.Annotations = make(map[string]string)
		}
		patch.Annotations[kube.AutoscalerEnabled] = "true"
	} else {
		delete(patch.Annotations, kube.AutoscalerEnabled)
	}
	if err := c.client.Patch(ctx, patch, client.MergeFrom(&pvc)); err != nil {
		return classify(fmt.Errorf("patch pvc %s: %w", key, err))
	}
	return nil
}

func (c *Cluster) listOpts() []client.ListOption {
	if c.namespace == "" {
		return nil
	}
	return []client.ListOption{client.InNamespace(c.namespace)}
}

func markerEnabled(pvc *corev1.PersistentVolumeClaim) bool {
	return strings.EqualFold(strings.TrimSpace(pvc.Annotations[kube.AutoscalerEnabled]), "true")
}

func toVolume(pvc *corev1.PersistentVolumeClaim) autoscaler.Volume {
	size, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if !ok {
		size = pvc.Status.Capacity[corev1.ResourceStorage]
	}
	storageClass := "default"
	if pvc.Spec.StorageClassName != nil {
		storageClass = *pvc.Spec.StorageClassName
	}
	return autoscaler.Volume{
		ID:           string(pvc.UID),
		Name:         pvc.Name,
		Namespace:    pvc.Namespace,
		Size:         quantity.FromResource(size),
		Status:       autoscaler.VolumePhase(pvc.Status.Phase),
		StorageClass: storageClass,
		AccessModes: lo.Map(pvc.Spec.AccessModes, func(m corev1.PersistentVolumeAccessMode, _ int) string {
			return string(m)
		}),
		HasAutoscaler: markerEnabled(pvc),
		CreatedAt:     pvc.CreationTimestamp.Time,
	}
}

// classify wraps err with the autoscaler error matching its API status. Errors without an API
// status come from the transport and mean the cluster could not be reached.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var status apierrors.APIStatus
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case !errors.As(err, &status):
		return fmt.Errorf("%w: %w", autoscaler.ErrClusterUnreachable, err)
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %w", autoscaler.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %w", autoscaler.ErrAlreadyExists, err)
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %w", autoscaler.ErrConflict, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsTooManyRequests(err), apierrors.IsInternalError(err):
		return fmt.Errorf("%w: %w", autoscaler.ErrClusterUnreachable, err)
	}
	return err
}
