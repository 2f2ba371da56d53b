package pvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/healthcheck"
	"github.com/volumania/volumania/internal/kube"
)

const sidecarTimeout = 10 * time.Second

var ErrNoPodsFound = errors.New("no running pods mount the pvc")

// DiskUsager fetches disk usage statistics
type DiskUsager interface {
	DiskUsage(ctx context.Context, host string) ([]healthcheck.DiskUsageResponse, error)
}

var _ autoscaler.Sampler = (*SidecarSampler)(nil)

// SidecarSampler asks the usage sidecars of the pods mounting a PVC for its filesystem usage.
type SidecarSampler struct {
	diskClient DiskUsager
	client     client.Reader
}

func NewSidecarSampler(diskClient DiskUsager, lister client.Reader) *SidecarSampler {
	return &SidecarSampler{diskClient: diskClient, client: lister}
}

// +kubebuilder:rbac:groups=core,resources=pods,verbs=get;list;watch

// SampleUsage queries every running pod that mounts key and returns the sample with the most
// used bytes. It fails with autoscaler.ErrMetricsUnavailable when no pod answers.
func (s *SidecarSampler) SampleUsage(ctx context.Context, key types.NamespacedName) (autoscaler.Usage, error) {
	var pods corev1.PodList
	if err := s.client.List(ctx, &pods,
		client.InNamespace(key.Namespace),
		client.MatchingFields{kube.ClaimNameField: key.Name},
	); err != nil {
		return autoscaler.Usage{}, fmt.Errorf("%w: list pods: %w", autoscaler.ErrMetricsUnavailable, err)
	}

	running := lo.Filter(pods.Items, func(pod corev1.Pod, _ int) bool {
		return pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != ""
	})
	if len(running) == 0 {
		return autoscaler.Usage{}, fmt.Errorf("%w: %s: %w", autoscaler.ErrMetricsUnavailable, key, ErrNoPodsFound)
	}

	var (
		found = make([]*autoscaler.Usage, len(running))
		errs  = make([]error, len(running))
		eg    errgroup.Group
	)
	for i := range running {
		i := i
		eg.Go(func() error {
			pod := running[i]
			cctx, cancel := context.WithTimeout(ctx, sidecarTimeout)
			defer cancel()
			resp, err := s.diskClient.DiskUsage(cctx, "http://"+pod.Status.PodIP)
			if err != nil {
				errs[i] = fmt.Errorf("pod %s: %w", pod.Name, err)
				return nil
			}
			item, ok := lo.Find(resp, func(r healthcheck.DiskUsageResponse) bool { return r.PVCName == key.Name })
			if !ok {
				errs[i] = fmt.Errorf("pod %s: no usage reported for %s", pod.Name, key.Name)
				return nil
			}
			found[i] = &autoscaler.Usage{
				UsedBytes:  int64(item.AllBytes - item.FreeBytes),
				TotalBytes: int64(item.AllBytes),
			}
			return nil
		})
	}
	_ = eg.Wait()

	samples := lo.Filter(found, func(u *autoscaler.Usage, _ int) bool { return u != nil })
	if len(samples) == 0 {
		return autoscaler.Usage{}, fmt.Errorf("%w: %w", autoscaler.ErrMetricsUnavailable, errors.Join(errs...))
	}
	best := lo.MaxBy(samples, func(a, b *autoscaler.Usage) bool { return a.UsedBytes > b.UsedBytes })
	return best.Clamp(), nil
}

// IndexClaimNames registers the pod index used to find the pods mounting a PVC.
func IndexClaimNames(ctx context.Context, indexer client.FieldIndexer) error {
	if err := indexer.IndexField(ctx, &corev1.Pod{}, kube.ClaimNameField, ClaimNames); err != nil {
		return fmt.Errorf("pod index field %s: %w", kube.ClaimNameField, err)
	}
	return nil
}

// ClaimNames extracts the PVC names mounted by a pod.
func ClaimNames(obj client.Object) []string {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil
	}
	var names []string
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil {
			names = append(names, vol.PersistentVolumeClaim.ClaimName)
		}
	}
	return lo.Uniq(names)
}
