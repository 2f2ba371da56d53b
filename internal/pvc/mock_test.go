package pvc

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	volumaniav1 "github.com/volumania/volumania/api/v1"
	"github.com/volumania/volumania/internal/healthcheck"
	"github.com/volumania/volumania/internal/kube"
)

type mockReader struct {
	mu sync.Mutex

	ObjectList  corev1.PodList
	GotListOpts []client.ListOption
	ListErr     error
}

func (m *mockReader) Get(context.Context, client.ObjectKey, client.Object, ...client.GetOption) error {
	panic("implement me")
}

func (m *mockReader) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx == nil {
		panic("nil context")
	}
	m.GotListOpts = opts

	switch ref := list.(type) {
	case *corev1.PodList:
		*ref = m.ObjectList
	default:
		panic(fmt.Errorf("unknown ObjectList type: %T", list))
	}
	return m.ListErr
}

type mockDiskUsager func(ctx context.Context, host string) ([]healthcheck.DiskUsageResponse, error)

func (fn mockDiskUsager) DiskUsage(ctx context.Context, host string) ([]healthcheck.DiskUsageResponse, error) {
	if ctx == nil {
		panic("nil context")
	}
	return fn(ctx, host)
}

// ptr returns the pointer for any type.
// In k8s, many specs require a pointer to a scalar.
func ptr[T any](v T) *T {
	return &v
}

func testScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		panic(err)
	}
	if err := volumaniav1.AddToScheme(scheme); err != nil {
		panic(err)
	}
	return scheme
}

func newFakeClient(funcs interceptor.Funcs, objs ...client.Object) client.WithWatch {
	return fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithObjects(objs...).
		WithStatusSubresource(&volumaniav1.PVCAutoScaler{}).
		WithIndex(&corev1.Pod{}, kube.ClaimNameField, ClaimNames).
		WithInterceptorFuncs(funcs).
		Build()
}

// mockPodBuilder builds corev1.Pods mounting claims.
type mockPodBuilder struct {
	pod *corev1.Pod
}

func newMockPodBuilder(namespace, name string) mockPodBuilder {
	return mockPodBuilder{pod: &corev1.Pod{
		TypeMeta:   metav1.TypeMeta{Kind: "Pod", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec: corev1.PodSpec{
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr(true),
				FSGroup:      ptr(int64(1025)),
			},
			Containers: []corev1.Container{{Name: "app", Image: "nginx:1.25"}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}}
}

func (b mockPodBuilder) WithClaim(volume, claim string) mockPodBuilder {
	pod := b.pod.DeepCopy()
	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: volume,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
		},
	})
	return mockPodBuilder{pod: pod}
}

func (b mockPodBuilder) WithIP(ip string) mockPodBuilder {
	pod := b.pod.DeepCopy()
	pod.Status.PodIP = ip
	return mockPodBuilder{pod: pod}
}

func (b mockPodBuilder) WithPhase(phase corev1.PodPhase) mockPodBuilder {
	pod := b.pod.DeepCopy()
	pod.Status.Phase = phase
	return mockPodBuilder{pod: pod}
}

func (b mockPodBuilder) Build() corev1.Pod {
	return *b.pod.DeepCopy()
}

var noIntercept interceptor.Funcs
