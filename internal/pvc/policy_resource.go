package pvc

import (
	"context"
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	volumaniav1 "github.com/volumania/volumania/api/v1"
	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/kube"
	"github.com/volumania/volumania/internal/quantity"
)

type policyResource = volumaniav1.PVCAutoScaler

// +kubebuilder:rbac:groups=scaling.volumania.io,resources=pvcautoscalers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=scaling.volumania.io,resources=pvcautoscalers/status,verbs=get;update;patch

func (c *Cluster) CreatePolicyResource(ctx context.Context, p autoscaler.Policy) error {
	if err := c.client.Create(ctx, ToResource(p)); err != nil {
		return classify(fmt.Errorf("create %s %s/%s: %w", volumaniav1.PVCAutoScalerController, p.Namespace, p.Name, err))
	}
	return nil
}

func (c *Cluster) DeletePolicyResource(ctx context.Context, p autoscaler.Policy) error {
	obj := &policyResource{ObjectMeta: metav1.ObjectMeta{Name: p.Name, Namespace: p.Namespace}}
	if err := c.client.Delete(ctx, obj); client.IgnoreNotFound(err) != nil {
		return classify(fmt.Errorf("delete %s %s/%s: %w", volumaniav1.PVCAutoScalerController, p.Namespace, p.Name, err))
	}
	return nil
}

// ListPolicyResources returns every PVCAutoScaler as a policy. Resources with malformed sizes are
// skipped.
func (c *Cluster) ListPolicyResources(ctx context.Context) ([]autoscaler.Policy, error) {
	resources, err := c.listResources(ctx, c.listOpts()...)
	if err != nil {
		return nil, err
	}
	out := make([]autoscaler.Policy, 0, len(resources))
	for i := range resources {
		p, err := FromResource(&resources[i])
		if err != nil {
			c.log.Info("Skipping malformed policy resource", "resource", client.ObjectKeyFromObject(&resources[i]).String(), "error", err.Error())
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Cluster) UpdatePolicyResourceStatus(ctx context.Context, p autoscaler.Policy, observed quantity.Quantity) error {
	key := types.NamespacedName{Namespace: p.Namespace, Name: p.Name}
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var obj policyResource
		if err := c.client.Get(ctx, key, &obj); err != nil {
			return err
		}
		obj.Status.Phase = string(p.Status)
		obj.Status.Reason = p.Reason
		obj.Status.ConsecutiveFailures = p.ConsecutiveFailures
		if p.LastScaleTime != nil {
			t := metav1.NewTime(*p.LastScaleTime)
			obj.Status.LastScaleTime = &t
		}
		if !observed.IsZero() {
			obj.Status.CurrentSize = observed.String()
		}
		return c.client.Status().Update(ctx, &obj)
	})
	if err != nil {
		return classify(fmt.Errorf("update %s %s status: %w", volumaniav1.PVCAutoScalerController, key, err))
	}
	return nil
}

func (c *Cluster) listResources(ctx context.Context, opts ...client.ListOption) ([]policyResource, error) {
	var list volumaniav1.PVCAutoScalerList
	if err := c.client.List(ctx, &list, opts...); err != nil {
		return nil, classify(fmt.Errorf("list %s: %w", volumaniav1.PVCAutoScalerController, err))
	}
	return list.Items, nil
}

// ToResource builds the PVCAutoScaler that represents p.
func ToResource(p autoscaler.Policy) *volumaniav1.PVCAutoScaler {
	obj := &volumaniav1.PVCAutoScaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    map[string]string{kube.ManagedBy: kube.ManagedByName},
		},
		Spec: volumaniav1.PVCAutoScalerSpec{
			PVCName:              p.PVCName,
			MinSize:              p.MinSize.String(),
			MaxSize:              p.MaxSize.String(),
			StepSize:             p.StepSize.String(),
			TriggerAbovePercent:  p.TriggerAbovePercent,
			CheckIntervalSeconds: p.CheckIntervalSeconds,
			CooldownSeconds:      p.CooldownSeconds,
		},
	}
	if p.ID != "" {
		obj.Annotations = map[string]string{volumaniav1.PolicyIDAnnotation: p.ID}
	}
	return obj
}

// FromResource converts a PVCAutoScaler to a policy. Resources without a policy id annotation
// were created outside volumania and get the cluster origin.
func FromResource(obj *volumaniav1.PVCAutoScaler) (autoscaler.Policy, error) {
	var errs []error
	parse := func(field, s string) quantity.Quantity {
		q, err := quantity.Parse(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return q
	}

	p := autoscaler.Policy{
		ID:                   obj.Annotations[volumaniav1.PolicyIDAnnotation],
		Name:                 obj.Name,
		Namespace:            obj.Namespace,
		PVCName:              obj.Spec.PVCName,
		MinSize:              parse("minSize", obj.Spec.MinSize),
		MaxSize:              parse("maxSize", obj.Spec.MaxSize),
		StepSize:             parse("stepSize", obj.Spec.StepSize),
		TriggerAbovePercent:  obj.Spec.TriggerAbovePercent,
		CheckIntervalSeconds: obj.Spec.CheckIntervalSeconds,
		CooldownSeconds:      obj.Spec.CooldownSeconds,
		Status:               autoscaler.Status(obj.Status.Phase),
		Reason:               obj.Status.Reason,
		ConsecutiveFailures:  obj.Status.ConsecutiveFailures,
		CreatedAt:            obj.CreationTimestamp.Time,
	}
	if len(errs) > 0 {
		return autoscaler.Policy{}, errors.Join(errs...)
	}
	if p.ID == "" {
		p.ID = autoscaler.ClusterPolicyID(p.Namespace, p.Name)
		p.Origin = autoscaler.OriginCluster
	}
	if t := obj.Status.LastScaleTime; t != nil {
		ts := t.Time
		p.LastScaleTime = &ts
	}
	return p, nil
}
