package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/volumania/volumania/internal/inject"
	"github.com/volumania/volumania/internal/kube"
)

// WebhookPath is where the pod mutating webhook is served.
const WebhookPath = "/mutate-v1-pod-usage-sidecar"

var _ webhook.AdmissionHandler = (*podInterceptor)(nil)

// NewPodInterceptorWebhook creates a new pod mutating webhook to be registered.
// defaultImage is used when the pod does not name a sidecar image.
func NewPodInterceptorWebhook(c client.Reader, decoder *admission.Decoder, recorder record.EventRecorder, defaultImage string) webhook.AdmissionHandler {
	return &podInterceptor{
		client:       c,
		decoder:      decoder,
		recorder:     recorder,
		defaultImage: defaultImage,
	}
}

// You need to ensure the path here match the path in the marker.
// +kubebuilder:webhook:path=/mutate-v1-pod-usage-sidecar,mutating=true,failurePolicy=ignore,groups="core",resources=pods,sideEffects=None,verbs=create,versions=v1,name=mpod.usage-sidecar.volumania.io,admissionReviewVersions=v1

// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;update;patch

// podInterceptor adds the usage sidecar to pods that ask for it or mount an autoscaled PVC.
type podInterceptor struct {
	client       client.Reader
	decoder      *admission.Decoder
	recorder     record.EventRecorder
	defaultImage string
}

// Handle injects the sidecar when the pod opts in through annotation or mounts a PVC marked
// for autoscaling.
func (d *podInterceptor) Handle(ctx context.Context, req admission.Request) admission.Response {
	reporter := kube.NewEventReporter(log.FromContext(ctx).WithName("pod-webhook"), d.recorder, nil)

	pod := &corev1.Pod{}
	if err := d.decoder.Decode(req, pod); err != nil {
		reporter.Error(err, "Failed to decode pod")
		return admission.Errored(http.StatusBadRequest, err)
	}
	if pod.Namespace == "" {
		pod.Namespace = req.Namespace
	}

	if inject.HasSidecar(pod) {
		return admission.Allowed("sidecar already present")
	}

	claims := inject.Claims(pod)
	if len(claims) == 0 {
		return admission.Allowed("no pvc to monitor")
	}

	optIn := strings.TrimSpace(strings.ToLower(pod.Annotations[kube.UsageSidecar]))
	switch optIn {
	case "false":
		return admission.Allowed("sidecar disabled by annotation")
	case "true":
	default:
		if !d.mountsAutoscaledClaim(ctx, reporter, pod.Namespace, claims) {
			return admission.Allowed("no autoscaled pvc mounted")
		}
	}

	image := strings.TrimSpace(pod.Annotations[kube.SidecarImage])
	if image == "" {
		image = d.defaultImage
	}
	if image == "" {
		return admission.Allowed("no sidecar image configured")
	}

	sidecar, err := inject.Sidecar(claims, image)
	if err != nil {
		reporter.RecordError("InjectUsageSidecar", err)
		return admission.Allowed("no pvc to monitor")
	}
	pod.Spec.Containers = append(pod.Spec.Containers, sidecar)

	marshaledPod, err := json.Marshal(pod)
	if err != nil {
		reporter.RecordError("InjectUsageSidecar", err)
		return admission.Errored(http.StatusInternalServerError, err)
	}
	reporter.Info("Injected usage sidecar", "pod", pod.GenerateName+pod.Name, "namespace", pod.Namespace)
	return admission.PatchResponseFromRaw(req.Object.Raw, marshaledPod)
}

func (d *podInterceptor) mountsAutoscaledClaim(ctx context.Context, reporter kube.Reporter, namespace string, claims map[string]string) bool {
	return lo.SomeBy(lo.Uniq(lo.Values(claims)), func(name string) bool {
		var pvc corev1.PersistentVolumeClaim
		if err := d.client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &pvc); err != nil {
			reporter.Debug("Skipping claim lookup", "pvc", fmt.Sprintf("%s/%s", namespace, name), "error", err.Error())
			return false
		}
		return strings.EqualFold(pvc.Annotations[kube.AutoscalerEnabled], "true")
	})
}
