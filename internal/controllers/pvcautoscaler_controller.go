/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	volumaniav1 "github.com/volumania/volumania/api/v1"
	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/kube"
	"github.com/volumania/volumania/internal/pvc"
)

var (
	stopResult    ctrl.Result
	requeueResult = ctrl.Result{RequeueAfter: 30 * time.Second}
)

// PolicyAdopter takes over policies declared as PVCAutoScaler resources.
type PolicyAdopter interface {
	Adopt(ctx context.Context, p autoscaler.Policy) error
	ReleaseByName(ctx context.Context, namespace, name string) error
}

// PVCAutoScalerReconciler imports PVCAutoScaler resources into the autoscaler engine and
// releases them once deleted.
type PVCAutoScalerReconciler struct {
	client.Client
	adopter  PolicyAdopter
	recorder record.EventRecorder
}

func NewPVCAutoScaler(client client.Client, recorder record.EventRecorder, adopter PolicyAdopter) *PVCAutoScalerReconciler {
	return &PVCAutoScalerReconciler{
		Client:   client,
		adopter:  adopter,
		recorder: recorder,
	}
}

//+kubebuilder:rbac:groups=scaling.volumania.io,resources=pvcautoscalers,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=scaling.volumania.io,resources=pvcautoscalers/status,verbs=get;update;patch

// Reconcile hands the resource's policy to the engine. Checks themselves run on the engine's
// own schedule, so nothing is requeued on success.
func (r *PVCAutoScalerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	crd := new(volumaniav1.PVCAutoScaler)
	reporter := kube.NewEventReporter(log.FromContext(ctx).WithName(volumaniav1.PVCAutoScalerController), r.recorder, nil)

	reporter.Debug("Entering reconcile loop", "request", req.NamespacedName)
	if err := r.Client.Get(ctx, req.NamespacedName, crd); err != nil {
		if kube.IsNotFound(err) {
			reporter.Info("Resource deleted, releasing policy", "request", req.NamespacedName)
			return stopResult, r.adopter.ReleaseByName(ctx, req.Namespace, req.Name)
		}
		return stopResult, err
	}
	reporter = reporter.UpdateResource(crd)

	p, err := pvc.FromResource(crd)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		reporter.Error(err, "Invalid policy resource")
		reporter.RecordError("InvalidSpec", err)
		// An edit to .spec bumps the generation and triggers a new reconcile.
		return stopResult, nil
	}

	err = r.adopter.Adopt(ctx, p)
	if errors.Is(err, autoscaler.ErrDuplicateTarget) {
		reporter.Info("Volume already has an autoscaler, ignoring resource", "error", err.Error())
		reporter.RecordError("DuplicateTarget", err)
		return stopResult, nil
	}
	if err != nil {
		reporter.Error(err, "Failed to adopt policy")
		reporter.RecordError("AdoptFailed", fmt.Errorf("failed to adopt policy: %w", err))
		return requeueResult, nil
	}
	return stopResult, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *PVCAutoScalerReconciler) SetupWithManager(_ context.Context, mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&volumaniav1.PVCAutoScaler{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Complete(r)
}
