// Package inject builds the usage sidecar added to pods that mount autoscaled volumes.
package inject

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/volumania/volumania/internal/healthcheck"
)

// ContainerName is the name of the injected sidecar.
const ContainerName = "volumania-usage"

var ErrNoClaims = errors.New("no PVCs to monitor")

// Sidecar returns the usage sidecar for a pod. claims maps pod volume names to claim names.
func Sidecar(claims map[string]string, image string) (corev1.Container, error) {
	if len(claims) == 0 {
		return corev1.Container{}, ErrNoClaims
	}

	volumes := lo.Keys(claims)
	sort.Strings(volumes)

	// Mounts required by sidecar container.
	mounts := make([]corev1.VolumeMount, 0, len(volumes))
	for _, vol := range volumes {
		mounts = append(mounts, corev1.VolumeMount{
			Name:      vol,
			MountPath: filepath.Clean(healthcheck.Mount + "/" + claims[vol]),
			ReadOnly:  true,
		})
	}
	pvcNames := lo.Uniq(lo.Map(volumes, func(vol string, _ int) string { return claims[vol] }))

	return corev1.Container{
		Name:            ContainerName,
		Image:           image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"/manager", "healthcheck", "--pvcs", strings.Join(pvcNames, ",")},
		VolumeMounts:    mounts,
		Ports:           []corev1.ContainerPort{{Name: "usage", ContainerPort: healthcheck.Port, Protocol: corev1.ProtocolTCP}},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("5m"),
				corev1.ResourceMemory: resource.MustParse("16Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse("64Mi"),
			},
		},
		SecurityContext: &corev1.SecurityContext{
			ReadOnlyRootFilesystem:   lo.ToPtr(true),
			AllowPrivilegeEscalation: lo.ToPtr(false),
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path:   healthcheck.DiskPath,
					Port:   intstr.FromInt(healthcheck.Port),
					Scheme: corev1.URISchemeHTTP,
				},
			},
			InitialDelaySeconds: 1,
			TimeoutSeconds:      10,
			PeriodSeconds:       10,
			SuccessThreshold:    1,
			FailureThreshold:    3,
		},
	}, nil
}

// HasSidecar reports whether the pod already runs the usage sidecar.
func HasSidecar(pod *corev1.Pod) bool {
	return lo.ContainsBy(pod.Spec.Containers, func(c corev1.Container) bool { return c.Name == ContainerName })
}

// Claims maps the pod's PVC-backed volume names to their claim names.
func Claims(pod *corev1.Pod) map[string]string {
	claims := make(map[string]string)
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil {
			claims[vol.Name] = vol.PersistentVolumeClaim.ClaimName
		}
	}
	return claims
}
