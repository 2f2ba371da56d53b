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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PVCAutoScalerController is the canonical controller name.
const PVCAutoScalerController = "PVCAutoScaler"

// PolicyIDAnnotation records the id of the local policy record a resource was created from.
const PolicyIDAnnotation = "volumania.io/policy-id"

// PVCAutoScalerSpec defines the desired state of PVCAutoScaler
type PVCAutoScalerSpec struct {
	// PVCName is the PersistentVolumeClaim in the same namespace this policy scales.
	// +kubebuilder:validation:MinLength:=1
	PVCName string `json:"pvcName"`

	// MinSize is the smallest capacity the claim is expected to have when the policy is created.
	// The autoscaler never shrinks a claim.
	MinSize string `json:"minSize"`

	// MaxSize is a storage quantity (e.g. 100Gi). Scaling stops once the claim reaches it.
	MaxSize string `json:"maxSize"`

	// StepSize is how much capacity to add on each scale up (e.g. 10Gi).
	StepSize string `json:"stepSize"`

	// The percentage of used disk space required to trigger scaling.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=100
	TriggerAbovePercent int32 `json:"triggerAbovePercent"`

	// How often usage is checked.
	// +kubebuilder:validation:Minimum=10
	CheckIntervalSeconds int32 `json:"checkIntervalSeconds"`

	// How long to wait after a scale up before scaling again.
	// +kubebuilder:validation:Minimum=60
	CooldownSeconds int32 `json:"cooldownSeconds"`
}

// PVCAutoScalerStatus defines the observed state of PVCAutoScaler
type PVCAutoScalerStatus struct {
	// Phase is one of Active, Inactive or Error.
	// +optional
	Phase string `json:"phase,omitempty"`

	// LastScaleTime is when the claim was last grown.
	// +optional
	LastScaleTime *metav1.Time `json:"lastScaleTime,omitempty"`

	// Reason explains the Error phase.
	// +optional
	Reason string `json:"reason,omitempty"`

	// ConsecutiveFailures counts failed checks since the last successful one.
	// +optional
	ConsecutiveFailures int32 `json:"consecutiveFailures,omitempty"`

	// CurrentSize is the claim's requested capacity observed on the last check.
	// +optional
	CurrentSize string `json:"currentSize,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=pvcas
//+kubebuilder:printcolumn:name="PVC",type="string",JSONPath=".spec.pvcName"
//+kubebuilder:printcolumn:name="Max",type="string",JSONPath=".spec.maxSize"
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
//+kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// PVCAutoScaler is the Schema for the pvcautoscalers API
type PVCAutoScaler struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PVCAutoScalerSpec   `json:"spec,omitempty"`
	Status PVCAutoScalerStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// PVCAutoScalerList contains a list of PVCAutoScaler
type PVCAutoScalerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PVCAutoScaler `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PVCAutoScaler{}, &PVCAutoScalerList{})
}
