package autoscaler

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/volumania/volumania/internal/kube"
	"github.com/volumania/volumania/internal/quantity"
)

// DefaultPolicyName is the resource name used when a request does not name its policy.
func DefaultPolicyName(pvcName string) string {
	return kube.ToName(pvcName + "-autoscaler")
}

// toPolicy validates r and returns the policy it describes, without id, status or timestamps.
// All problems are reported together, wrapped in ErrInvalidRequest.
func (r Request) toPolicy() (Policy, error) {
	var (
		errs []error
		p    = Policy{
			Name:                 strings.TrimSpace(r.Name),
			Namespace:            strings.TrimSpace(r.Namespace),
			PVCName:              strings.TrimSpace(r.PVCName),
			TriggerAbovePercent:  r.TriggerAbovePercent,
			CheckIntervalSeconds: r.CheckIntervalSeconds,
			CooldownSeconds:      r.CooldownSeconds,
		}
	)

	if p.Name == "" && p.PVCName != "" {
		p.Name = DefaultPolicyName(p.PVCName)
	}

	parse := func(field, s string) quantity.Quantity {
		q, err := quantity.Parse(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return q
	}
	p.MinSize = parse("minSize", r.MinSize)
	p.MaxSize = parse("maxSize", r.MaxSize)
	p.StepSize = parse("stepSize", r.StepSize)
	errs = append(errs, p.check()...)

	if len(errs) > 0 {
		return Policy{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return p, nil
}

// Validate reports every bound p violates, wrapped in ErrInvalidRequest.
func (p Policy) Validate() error {
	if errs := p.check(); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

func (p Policy) check() []error {
	var errs []error
	for _, msg := range validation.IsDNS1123Label(p.Namespace) {
		errs = append(errs, fmt.Errorf("namespace: %s", msg))
	}
	for _, msg := range validation.IsDNS1123Subdomain(p.PVCName) {
		errs = append(errs, fmt.Errorf("pvcName: %s", msg))
	}
	for _, msg := range validation.IsDNS1123Subdomain(p.Name) {
		errs = append(errs, fmt.Errorf("name: %s", msg))
	}
	if p.MinSize.Cmp(p.MaxSize) > 0 {
		errs = append(errs, fmt.Errorf("minSize %s exceeds maxSize %s", p.MinSize, p.MaxSize))
	}
	if p.StepSize.Bytes() <= 0 {
		errs = append(errs, errors.New("stepSize must be greater than zero"))
	}
	if p.TriggerAbovePercent < 1 || p.TriggerAbovePercent > 100 {
		errs = append(errs, fmt.Errorf("triggerAbovePercent must be within [1,100], got %d", p.TriggerAbovePercent))
	}
	if p.CheckIntervalSeconds < MinCheckIntervalSeconds {
		errs = append(errs, fmt.Errorf("checkIntervalSeconds must be at least %d, got %d", MinCheckIntervalSeconds, p.CheckIntervalSeconds))
	}
	if p.CooldownSeconds < MinCooldownSeconds {
		errs = append(errs, fmt.Errorf("cooldownSeconds must be at least %d, got %d", MinCooldownSeconds, p.CooldownSeconds))
	}
	return errs
}
