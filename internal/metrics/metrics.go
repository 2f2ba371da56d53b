// Package metrics exposes autoscaler activity to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/volumania/volumania/internal/autoscaler"
)

const (
	namespace = "volumania"
	subsystem = "autoscaler"
)

var _ autoscaler.Recorder = (*Metrics)(nil)

// Metrics contains all autoscaler Prometheus metrics
type Metrics struct {
	Decisions      *prometheus.CounterVec
	ScaleFailures  *prometheus.CounterVec
	UsagePercent   *prometheus.GaugeVec
	RequestedBytes *prometheus.GaugeVec
	Policies       *prometheus.GaugeVec
}

// New creates autoscaler metrics
func New() *Metrics {
	volumeLabels := []string{"namespace", "pvc"}

	return &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "decisions_total",
				Help:      "Completed checks by outcome",
			},
			[]string{"action"},
		),
		ScaleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scale_failures_total",
				Help:      "Failed checks by cause",
			},
			[]string{"reason"},
		),
		UsagePercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "usage_percent",
				Help:      "Filesystem usage observed on the last check",
			},
			volumeLabels,
		),
		RequestedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requested_bytes",
				Help:      "Storage request of the volume after the last check",
			},
			volumeLabels,
		),
		Policies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "policies",
				Help:      "Known policies by status",
			},
			[]string{"status"},
		),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Decisions, m.ScaleFailures, m.UsagePercent, m.RequestedBytes, m.Policies} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) RecordDecision(p autoscaler.Policy, d autoscaler.Decision) {
	m.Decisions.WithLabelValues(string(d.Action)).Inc()

	switch d.Action {
	case autoscaler.ActionFailed, autoscaler.ActionVolumeMissing:
		m.ScaleFailures.WithLabelValues(failureReason(d.Err)).Inc()
	}
	if d.Action == autoscaler.ActionVolumeMissing {
		m.UsagePercent.DeleteLabelValues(p.Namespace, p.PVCName)
		m.RequestedBytes.DeleteLabelValues(p.Namespace, p.PVCName)
		return
	}

	if d.Action != autoscaler.ActionNoMetrics && d.Action != autoscaler.ActionFailed {
		m.UsagePercent.WithLabelValues(p.Namespace, p.PVCName).Set(d.UsagePercent)
	}
	requested := d.From
	if d.Action == autoscaler.ActionScaled {
		requested = d.To
	}
	if !requested.IsZero() {
		m.RequestedBytes.WithLabelValues(p.Namespace, p.PVCName).Set(float64(requested.Bytes()))
	}
}

func (m *Metrics) RecordPolicies(all []autoscaler.Policy) {
	counts := make(map[autoscaler.Status]int, 4)
	for _, p := range all {
		counts[p.Status]++
	}
	for _, status := range []autoscaler.Status{autoscaler.StatusActive, autoscaler.StatusInactive, autoscaler.StatusError, autoscaler.StatusUnknown} {
		m.Policies.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, autoscaler.ErrTargetVolumeMissing):
		return "volume_missing"
	case errors.Is(err, autoscaler.ErrClusterUnreachable):
		return "cluster_unreachable"
	case errors.Is(err, autoscaler.ErrConflict):
		return "conflict"
	default:
		return "other"
	}
}
