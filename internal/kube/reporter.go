package kube

import (
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

// Logger logs at the levels used across controllers and adapters.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
	Error(err error, msg string, keysAndValues ...interface{})
}

// Reporter logs and records kubernetes events against a resource.
type Reporter interface {
	Logger
	RecordInfo(reason, msg string)
	RecordError(reason string, err error)
}

// EventReporter logs through logr and records events through an EventRecorder. Events are
// dropped when no resource is attached.
type EventReporter struct {
	log      logr.Logger
	recorder record.EventRecorder
	resource runtime.Object
}

func NewEventReporter(logger logr.Logger, recorder record.EventRecorder, resource runtime.Object) EventReporter {
	return EventReporter{log: logger, recorder: recorder, resource: resource}
}

func (r EventReporter) Debug(msg string, keysAndValues ...interface{}) {
	r.log.V(1).Info(msg, keysAndValues...)
}

func (r EventReporter) Info(msg string, keysAndValues ...interface{}) {
	r.log.Info(msg, keysAndValues...)
}

func (r EventReporter) Error(err error, msg string, keysAndValues ...interface{}) {
	r.log.Error(err, msg, keysAndValues...)
}

func (r EventReporter) RecordInfo(reason, msg string) {
	if r.resource == nil || r.recorder == nil {
		return
	}
	r.recorder.Event(r.resource, corev1.EventTypeNormal, reason, msg)
}

func (r EventReporter) RecordError(reason string, err error) {
	if r.resource == nil || r.recorder == nil {
		return
	}
	r.recorder.Event(r.resource, corev1.EventTypeWarning, reason, err.Error())
}

// UpdateResource returns a copy of r that records events against resource.
func (r EventReporter) UpdateResource(resource runtime.Object) EventReporter {
	r.resource = resource
	return r
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Debug(string, ...interface{})        {}
func (NopReporter) Info(string, ...interface{})         {}
func (NopReporter) Error(error, string, ...interface{}) {}
func (NopReporter) RecordInfo(string, string)           {}
func (NopReporter) RecordError(string, error)           {}
