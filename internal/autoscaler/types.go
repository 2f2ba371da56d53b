package autoscaler

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/quantity"
)

// FailureThreshold is the number of consecutive failed checks that moves a policy to Error.
const FailureThreshold = 3

// Bounds enforced on every policy.
const (
	MinCheckIntervalSeconds = 10
	MinCooldownSeconds      = 60
)

// Status is the state of a policy.
type Status string

const (
	StatusActive   Status = "Active"
	StatusInactive Status = "Inactive"
	StatusError    Status = "Error"
	// StatusUnknown is only reported by the registry while the cluster is unreachable. It is
	// never persisted.
	StatusUnknown Status = "Unknown"
)

// Origin records where a policy was first created.
type Origin string

const (
	OriginAPI     Origin = "api"
	OriginCluster Origin = "cluster"
)

// VolumePhase mirrors the PVC binding phase.
type VolumePhase string

const (
	VolumeBound   VolumePhase = "Bound"
	VolumePending VolumePhase = "Pending"
	VolumeLost    VolumePhase = "Lost"
)

// Volume is a read-only view of a persistent volume claim.
type Volume struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Namespace     string            `json:"namespace"`
	Size          quantity.Quantity `json:"size"`
	UsedBytes     int64             `json:"usedBytes"`
	TotalBytes    int64             `json:"totalBytes"`
	UsagePercent  float64           `json:"usagePercent"`
	Status        VolumePhase       `json:"status"`
	StorageClass  string            `json:"storageClass"`
	AccessModes   []string          `json:"accessModes"`
	HasAutoscaler bool              `json:"hasAutoscaler"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Key returns the volume identity.
func (v Volume) Key() types.NamespacedName {
	return types.NamespacedName{Namespace: v.Namespace, Name: v.Name}
}

// WithUsage returns v with usage fields set from u.
func (v Volume) WithUsage(u Usage) Volume {
	u = u.Clamp()
	v.UsedBytes = u.UsedBytes
	v.TotalBytes = u.TotalBytes
	v.UsagePercent = u.Percent()
	return v
}

// Usage is a usage sample for one volume.
type Usage struct {
	UsedBytes  int64
	TotalBytes int64
}

// Clamp returns u with used bytes bounded to [0, total].
func (u Usage) Clamp() Usage {
	if u.TotalBytes < 0 {
		u.TotalBytes = 0
	}
	if u.UsedBytes < 0 {
		u.UsedBytes = 0
	}
	if u.UsedBytes > u.TotalBytes {
		u.UsedBytes = u.TotalBytes
	}
	return u
}

// Percent returns used/total as a percentage, or 0 when total is 0.
func (u Usage) Percent() float64 {
	u = u.Clamp()
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.TotalBytes) * 100
}

// PolicyKey identifies a policy across the local store and the cluster, whose ids differ.
type PolicyKey struct {
	Namespace string
	PVCName   string
	Name      string
}

func (k PolicyKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.PVCName, k.Name)
}

// Policy is an autoscaler bound to exactly one volume.
type Policy struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Namespace            string            `json:"namespace"`
	PVCName              string            `json:"pvcName"`
	MinSize              quantity.Quantity `json:"minSize"`
	MaxSize              quantity.Quantity `json:"maxSize"`
	StepSize             quantity.Quantity `json:"stepSize"`
	TriggerAbovePercent  int32             `json:"triggerAbovePercent"`
	CheckIntervalSeconds int32             `json:"checkIntervalSeconds"`
	CooldownSeconds      int32             `json:"cooldownSeconds"`
	Status               Status            `json:"status"`
	Reason               string            `json:"reason,omitempty"`
	ConsecutiveFailures  int32             `json:"consecutiveFailures,omitempty"`
	LastScaleTime        *time.Time        `json:"lastScaleTime,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	Origin               Origin            `json:"origin,omitempty"`
}

// Key returns the composite identity used to match local and cluster copies.
func (p Policy) Key() PolicyKey {
	return PolicyKey{Namespace: p.Namespace, PVCName: p.PVCName, Name: p.Name}
}

// Target returns the volume the policy scales.
func (p Policy) Target() types.NamespacedName {
	return types.NamespacedName{Namespace: p.Namespace, Name: p.PVCName}
}

// CheckInterval returns the polling cadence, never below the minimum.
func (p Policy) CheckInterval() time.Duration {
	s := p.CheckIntervalSeconds
	if s < MinCheckIntervalSeconds {
		s = MinCheckIntervalSeconds
	}
	return time.Duration(s) * time.Second
}

// Cooldown returns the quiet period after a scale up, never below the minimum.
func (p Policy) Cooldown() time.Duration {
	s := p.CooldownSeconds
	if s < MinCooldownSeconds {
		s = MinCooldownSeconds
	}
	return time.Duration(s) * time.Second
}

// DeepCopy returns a copy that shares no pointers with p.
func (p Policy) DeepCopy() Policy {
	out := p
	if p.LastScaleTime != nil {
		t := *p.LastScaleTime
		out.LastScaleTime = &t
	}
	return out
}

// Request holds the caller supplied fields of a new policy.
type Request struct {
	Name                 string `json:"name"`
	Namespace            string `json:"namespace"`
	PVCName              string `json:"pvcName"`
	MinSize              string `json:"minSize"`
	MaxSize              string `json:"maxSize"`
	StepSize             string `json:"stepSize"`
	TriggerAbovePercent  int32  `json:"triggerAbovePercent"`
	CheckIntervalSeconds int32  `json:"checkIntervalSeconds"`
	CooldownSeconds      int32  `json:"cooldownSeconds"`
}
