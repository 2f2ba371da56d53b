package autoscaler

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
)

// Registry merges the local record store with the policy resources found in the cluster.
type Registry struct {
	store   Store
	cluster Cluster
	log     logr.Logger
}

func NewRegistry(store Store, cluster Cluster, log logr.Logger) *Registry {
	return &Registry{store: store, cluster: cluster, log: log}
}

// AllPolicies returns the merged view. When the cluster cannot be listed the local records are
// returned alone with status Unknown.
func (r *Registry) AllPolicies(ctx context.Context) ([]Policy, error) {
	local, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local policies: %w", err)
	}
	remote, err := r.cluster.ListPolicyResources(ctx)
	if err != nil {
		r.log.Info("Cluster policies unavailable, serving local records only", "error", err.Error())
		return Degrade(local), nil
	}
	return Merge(local, remote), nil
}

// Find returns the merged policy with the given id.
func (r *Registry) Find(ctx context.Context, id string) (Policy, error) {
	all, err := r.AllPolicies(ctx)
	if err != nil {
		return Policy{}, err
	}
	p, ok := lo.Find(all, func(p Policy) bool { return p.ID == id })
	if !ok {
		return Policy{}, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// Degrade marks copies of local as Unknown.
func Degrade(local []Policy) []Policy {
	return lo.Map(local, func(p Policy, _ int) Policy {
		p = p.DeepCopy()
		p.Status = StatusUnknown
		return p
	})
}

// Merge unions local and remote keyed by PolicyKey. Local records come first in insertion order,
// followed by cluster-only policies.
//
// Authority per field when both copies exist:
//   - id, origin, createdAt: local.
//   - status, reason, consecutiveFailures: cluster when it reports a status, else local.
//   - lastScaleTime: cluster when set, but never earlier than the local value.
//   - request parameters: cluster, with local filling any field the cluster copy lacks.
func Merge(local, remote []Policy) []Policy {
	remoteByKey := lo.Associate(remote, func(p Policy) (PolicyKey, Policy) { return p.Key(), p })
	seen := make(map[PolicyKey]bool, len(local))

	out := make([]Policy, 0, len(local)+len(remote))
	for _, l := range local {
		seen[l.Key()] = true
		if c, ok := remoteByKey[l.Key()]; ok {
			out = append(out, mergeOne(l, c))
			continue
		}
		out = append(out, l.DeepCopy())
	}
	for _, c := range remote {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c.DeepCopy())
	}
	return out
}

func mergeOne(local, cluster Policy) Policy {
	out := local.DeepCopy()

	if cluster.Status != "" {
		out.Status = cluster.Status
		out.Reason = cluster.Reason
		out.ConsecutiveFailures = cluster.ConsecutiveFailures
	}
	if cluster.LastScaleTime != nil && (out.LastScaleTime == nil || cluster.LastScaleTime.After(*out.LastScaleTime)) {
		t := *cluster.LastScaleTime
		out.LastScaleTime = &t
	}

	if !cluster.MinSize.IsZero() {
		out.MinSize = cluster.MinSize
	}
	if !cluster.MaxSize.IsZero() {
		out.MaxSize = cluster.MaxSize
	}
	if !cluster.StepSize.IsZero() {
		out.StepSize = cluster.StepSize
	}
	if cluster.TriggerAbovePercent != 0 {
		out.TriggerAbovePercent = cluster.TriggerAbovePercent
	}
	if cluster.CheckIntervalSeconds != 0 {
		out.CheckIntervalSeconds = cluster.CheckIntervalSeconds
	}
	if cluster.CooldownSeconds != 0 {
		out.CooldownSeconds = cluster.CooldownSeconds
	}
	return out
}
