package autoscaler

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/quantity"
)

// volumeSampleLimit bounds concurrent usage samples when listing volumes.
const volumeSampleLimit = 8

// CreateResult is the outcome of a successful CreatePolicy.
type CreateResult struct {
	Policy Policy
	// Warning is set when the policy was only stored locally.
	Warning string
}

// CreatePolicy validates req, records the policy locally and in the cluster, and schedules its
// checks. Validation and lookup failures return before any side effect.
func (e *Engine) CreatePolicy(ctx context.Context, req Request) (CreateResult, error) {
	p, err := req.toPolicy()
	if err != nil {
		return CreateResult{}, err
	}
	target := p.Target()

	unlock := e.locks.Lock("target/" + target.String())
	defer unlock()

	vol, err := e.readVolume(ctx, target)
	switch {
	case errors.Is(err, ErrNotFound):
		return CreateResult{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, target)
	case err != nil:
		return CreateResult{}, fmt.Errorf("read volume %s: %w", target, err)
	}
	if vol.Size.Cmp(p.MinSize) < 0 {
		return CreateResult{}, fmt.Errorf("%w: volume capacity %s is below minSize %s", ErrInvalidRequest, vol.Size, p.MinSize)
	}

	if err := e.ensureUnclaimed(ctx, target); err != nil {
		return CreateResult{}, err
	}

	p.ID = e.newID()
	p.Status = StatusActive
	p.CreatedAt = e.clock.Now()
	p.Origin = OriginAPI

	var result CreateResult
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err = asUnreachable(callCtx, e.cluster.CreatePolicyResource(callCtx, p))
	cancel()
	created := err == nil
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return CreateResult{}, fmt.Errorf("%w: policy resource %s already exists", ErrDuplicateTarget, p.Key())
	case errors.Is(err, ErrClusterUnreachable):
		result.Warning = fmt.Sprintf("policy resource was not created, stored locally only: %v", err)
		e.log.Info("Storing policy locally only", "policy", p.Key().String(), "error", err.Error())
	case err != nil:
		return CreateResult{}, fmt.Errorf("create policy resource: %w", err)
	}

	if err := e.store.Put(ctx, p); err != nil {
		if created {
			if rerr := e.cluster.DeletePolicyResource(ctx, p); rerr != nil {
				e.log.Error(rerr, "Failed to roll back policy resource", "policy", p.Key().String())
			}
		}
		return CreateResult{}, fmt.Errorf("store policy: %w", err)
	}

	e.setMarker(ctx, target, true)
	e.schedule(p.ID)
	e.log.Info("Created policy", "policy", p.Key().String(), "id", p.ID)

	result.Policy = p
	return result, nil
}

func (e *Engine) ensureUnclaimed(ctx context.Context, target types.NamespacedName) error {
	_, err := e.store.FindByTarget(ctx, target)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, target)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("look up policies for %s: %w", target, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	claimed, err := e.cluster.HasAutoscaler(callCtx, target)
	if err != nil {
		return fmt.Errorf("look up autoscaler for %s: %w", target, asUnreachable(callCtx, err))
	}
	if claimed {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, target)
	}
	return nil
}

// DeletePolicy removes the policy from the cluster and the store and stops its checks. It
// returns false when no policy has the given id. If the cluster resource cannot be removed the
// policy keeps running and the error is returned.
func (e *Engine) DeletePolicy(ctx context.Context, id string) (bool, error) {
	p, err := e.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return e.deleteClusterOnly(ctx, id)
	case err != nil:
		return false, fmt.Errorf("load policy %s: %w", id, err)
	}

	unlockTarget := e.locks.Lock("target/" + p.Target().String())
	defer unlockTarget()

	done := e.unschedule(id)
	unlock := e.locks.Lock(id)

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err = asUnreachable(callCtx, e.cluster.DeletePolicyResource(callCtx, p))
	cancel()
	if err != nil {
		unlock()
		e.schedule(id)
		return false, fmt.Errorf("delete policy resource %s: %w", p.Key(), err)
	}

	deleted, err := e.store.Delete(ctx, id)
	unlock()
	if err != nil {
		e.schedule(id)
		return false, fmt.Errorf("delete policy %s: %w", id, err)
	}
	<-done

	e.setMarker(ctx, p.Target(), false)
	e.log.Info("Deleted policy", "policy", p.Key().String(), "id", id)
	return deleted, nil
}

// deleteClusterOnly removes a policy that only exists as a cluster resource.
func (e *Engine) deleteClusterOnly(ctx context.Context, id string) (bool, error) {
	p, err := e.registry.Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := asUnreachable(callCtx, e.cluster.DeletePolicyResource(callCtx, p)); err != nil {
		return false, fmt.Errorf("delete policy resource %s: %w", p.Key(), err)
	}
	e.setMarker(ctx, p.Target(), false)
	return true, nil
}

// ListPolicies returns the merged policy view.
func (e *Engine) ListPolicies(ctx context.Context) ([]Policy, error) {
	all, err := e.registry.AllPolicies(ctx)
	if err != nil {
		return nil, err
	}
	e.recorder.RecordPolicies(all)
	return all, nil
}

// GetPolicy returns one policy of the merged view.
func (e *Engine) GetPolicy(ctx context.Context, id string) (Policy, error) {
	return e.registry.Find(ctx, id)
}

// SetStatus switches a policy between Active and Inactive.
func (e *Engine) SetStatus(ctx context.Context, id string, status Status) (Policy, error) {
	if status != StatusActive && status != StatusInactive {
		return Policy{}, fmt.Errorf("%w: status must be %s or %s", ErrInvalidRequest, StatusActive, StatusInactive)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	p.Status = status
	p.Reason = ""
	p.ConsecutiveFailures = 0
	if err := e.store.Put(ctx, p); err != nil {
		return Policy{}, fmt.Errorf("store policy: %w", err)
	}
	e.mirror(ctx, p, quantity.Quantity{})
	e.schedule(id)
	return p, nil
}

// ListVolumes returns all volumes with usage filled in where a sample could be taken.
func (e *Engine) ListVolumes(ctx context.Context) ([]Volume, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	vols, err := e.cluster.ListVolumes(callCtx)
	err = asUnreachable(callCtx, err)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	var eg errgroup.Group
	eg.SetLimit(volumeSampleLimit)
	for i := range vols {
		i := i
		eg.Go(func() error {
			vols[i] = e.withUsage(ctx, vols[i])
			return nil
		})
	}
	_ = eg.Wait()
	return vols, nil
}

// GetVolume returns one volume with usage filled in where a sample could be taken.
func (e *Engine) GetVolume(ctx context.Context, key types.NamespacedName) (Volume, error) {
	vol, err := e.readVolume(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Volume{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, key)
	}
	if err != nil {
		return Volume{}, fmt.Errorf("read volume %s: %w", key, err)
	}
	return e.withUsage(ctx, vol), nil
}

func (e *Engine) withUsage(ctx context.Context, v Volume) Volume {
	u, err := e.sampleUsage(ctx, v.Key())
	if err != nil {
		return v
	}
	return v.WithUsage(u)
}

// Adopt records a policy found as a cluster resource and schedules it. A resource targeting a
// volume that already has a different policy is not recorded and ErrDuplicateTarget is returned.
func (e *Engine) Adopt(ctx context.Context, remote Policy) error {
	unlock := e.locks.Lock("target/" + remote.Target().String())
	defer unlock()

	existing, err := e.findByKey(ctx, remote.Key())
	if err != nil {
		return err
	}
	if existing != nil {
		merged := Merge([]Policy{*existing}, []Policy{remote})[0]
		if !statusEqual(*existing, merged) {
			unlockID := e.locks.Lock(existing.ID)
			err = e.store.Put(ctx, merged)
			unlockID()
			if err != nil {
				return fmt.Errorf("update policy %s: %w", merged.Key(), err)
			}
		}
		e.schedule(existing.ID)
		return nil
	}

	p, err := e.importPolicy(ctx, remote)
	if err != nil {
		return err
	}
	e.setMarker(ctx, p.Target(), true)
	e.schedule(p.ID)
	return nil
}

// importPolicy stores a cluster-only policy with origin cluster. It fails with
// ErrDuplicateTarget when the volume already has a policy. The caller holds the target lock.
func (e *Engine) importPolicy(ctx context.Context, remote Policy) (Policy, error) {
	other, err := e.store.FindByTarget(ctx, remote.Target())
	switch {
	case err == nil:
		e.log.Info("Ignoring policy resource for a volume that already has an autoscaler",
			"policy", remote.Key().String(), "existing", other.Key().String())
		return Policy{}, fmt.Errorf("%w: %s is already scaled by %s", ErrDuplicateTarget, remote.Target(), other.Name)
	case !errors.Is(err, ErrNotFound):
		return Policy{}, fmt.Errorf("look up policies for %s: %w", remote.Target(), err)
	}

	p := remote.DeepCopy()
	if p.ID == "" {
		p.ID = ClusterPolicyID(p.Namespace, p.Name)
	}
	p.Origin = OriginCluster
	if p.Status == "" || p.Status == StatusUnknown {
		p.Status = StatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.clock.Now()
	}
	if err := e.store.Put(ctx, p); err != nil {
		return Policy{}, fmt.Errorf("import policy %s: %w", p.Key(), err)
	}
	e.log.Info("Imported cluster policy", "policy", p.Key().String(), "id", p.ID)
	return p, nil
}

// Release forgets a cluster-origin policy whose resource was deleted. Policies created through
// the API are kept and their resource is recreated by the next check.
func (e *Engine) Release(ctx context.Context, key PolicyKey) error {
	existing, err := e.findByKey(ctx, key)
	if err != nil || existing == nil || existing.Origin != OriginCluster {
		return err
	}

	unlockTarget := e.locks.Lock("target/" + existing.Target().String())
	defer unlockTarget()

	done := e.unschedule(existing.ID)
	unlock := e.locks.Lock(existing.ID)
	_, err = e.store.Delete(ctx, existing.ID)
	unlock()
	if err != nil {
		e.schedule(existing.ID)
		return fmt.Errorf("delete policy %s: %w", existing.ID, err)
	}
	<-done
	e.setMarker(ctx, existing.Target(), false)
	e.log.Info("Released cluster policy", "policy", key.String(), "id", existing.ID)
	return nil
}

// ReleaseByName releases the cluster-origin policy with the given resource name. Deleted
// resources are only known by name.
func (e *Engine) ReleaseByName(ctx context.Context, namespace, name string) error {
	all, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list local policies: %w", err)
	}
	p, ok := lo.Find(all, func(p Policy) bool { return p.Namespace == namespace && p.Name == name })
	if !ok {
		return nil
	}
	return e.Release(ctx, p.Key())
}

func (e *Engine) findByKey(ctx context.Context, key PolicyKey) (*Policy, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local policies: %w", err)
	}
	p, ok := lo.Find(all, func(p Policy) bool { return p.Key() == key })
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (e *Engine) setMarker(ctx context.Context, key types.NamespacedName, enabled bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := e.cluster.SetAutoscalerMarker(callCtx, key, enabled); err != nil {
		e.log.Info("Failed to update autoscaler marker", "pvc", key.String(), "enabled", enabled, "error", err.Error())
	}
}
