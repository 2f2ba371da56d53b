package autoscaler

import (
	"context"

	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/quantity"
)

// Store persists policies locally. Implementations return ErrNotFound for unknown ids and
// must hand out copies.
type Store interface {
	Put(ctx context.Context, p Policy) error
	Get(ctx context.Context, id string) (Policy, error)
	// List returns all policies in insertion order.
	List(ctx context.Context) ([]Policy, error)
	Delete(ctx context.Context, id string) (bool, error)
	FindByTarget(ctx context.Context, target types.NamespacedName) (Policy, error)
}

// Cluster is the orchestration platform. Implementations wrap failures with ErrNotFound,
// ErrAlreadyExists, ErrConflict or ErrClusterUnreachable.
type Cluster interface {
	ListVolumes(ctx context.Context) ([]Volume, error)
	ReadVolume(ctx context.Context, key types.NamespacedName) (Volume, error)
	// WriteDesiredCapacity requests a larger size for the volume.
	WriteDesiredCapacity(ctx context.Context, key types.NamespacedName, size quantity.Quantity) error

	CreatePolicyResource(ctx context.Context, p Policy) error
	// DeletePolicyResource succeeds when the resource is already gone.
	DeletePolicyResource(ctx context.Context, p Policy) error
	ListPolicyResources(ctx context.Context) ([]Policy, error)
	// UpdatePolicyResourceStatus copies status onto the resource. A zero observed size leaves the
	// recorded size untouched.
	UpdatePolicyResourceStatus(ctx context.Context, p Policy, observed quantity.Quantity) error

	// HasAutoscaler reports whether the volume carries the autoscaler marker or is targeted by
	// any policy resource.
	HasAutoscaler(ctx context.Context, key types.NamespacedName) (bool, error)
	SetAutoscalerMarker(ctx context.Context, key types.NamespacedName, enabled bool) error
}

// Sampler reads filesystem usage for a volume. It returns ErrMetricsUnavailable when no
// sample can be taken.
type Sampler interface {
	SampleUsage(ctx context.Context, key types.NamespacedName) (Usage, error)
}

// Recorder observes engine activity.
type Recorder interface {
	RecordDecision(p Policy, d Decision)
	RecordPolicies(all []Policy)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(Policy, Decision) {}
func (nopRecorder) RecordPolicies([]Policy)         {}
