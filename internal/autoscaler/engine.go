package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"

	"github.com/volumania/volumania/internal/quantity"
)

// DefaultCallTimeout bounds every call to the cluster or the usage sampler.
const DefaultCallTimeout = 10 * time.Second

// Action is the outcome of one check.
type Action string

const (
	ActionScaled        Action = "Scaled"
	ActionBelowTrigger  Action = "BelowTrigger"
	ActionCooldown      Action = "Cooldown"
	ActionAtMax         Action = "AtMax"
	ActionNoMetrics     Action = "NoMetrics"
	ActionVolumeMissing Action = "VolumeMissing"
	ActionFailed        Action = "Failed"
	ActionInactive      Action = "Inactive"
	ActionCancelled     Action = "Cancelled"
)

// Decision describes what a check observed and did.
type Decision struct {
	PolicyID     string
	Action       Action
	UsagePercent float64
	From         quantity.Quantity
	To           quantity.Quantity
	Err          error
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log logr.Logger) Option { return func(e *Engine) { e.log = log } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithCallTimeout overrides DefaultCallTimeout. Non-positive values are ignored.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// Engine runs one periodic check per policy and serves policy management requests.
type Engine struct {
	store    Store
	cluster  Cluster
	sampler  Sampler
	registry *Registry

	log         logr.Logger
	recorder    Recorder
	clock       clock.Clock
	callTimeout time.Duration
	newID       func() string

	locks keyLock

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[string]*task
}

func NewEngine(store Store, cluster Cluster, sampler Sampler, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		cluster:     cluster,
		sampler:     sampler,
		log:         logr.Discard(),
		recorder:    nopRecorder{},
		clock:       clock.RealClock{},
		callTimeout: DefaultCallTimeout,
		newID:       func() string { return uuid.New().String() },
		tasks:       make(map[string]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = NewRegistry(store, cluster, e.log.WithName("registry"))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Registry returns the merged policy view used by the engine.
func (e *Engine) Registry() *Registry { return e.registry }

// Check runs one reconciliation cycle for the policy with the given id and persists the outcome.
// A policy deleted while its check is running is left untouched.
func (e *Engine) Check(ctx context.Context, id string) (Decision, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Decision{PolicyID: id, Action: ActionCancelled}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load policy %s: %w", id, err)
	}
	if p.Status == StatusInactive {
		return Decision{PolicyID: id, Action: ActionInactive}, nil
	}

	d := e.evaluate(ctx, &p)
	d.PolicyID = id
	if ctx.Err() != nil && d.Action != ActionScaled {
		return Decision{PolicyID: id, Action: ActionCancelled}, nil
	}

	// A completed write is recorded even when ctx ends, so the cooldown holds after a restart.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := e.store.Get(persistCtx, id); errors.Is(err, ErrNotFound) {
		return Decision{PolicyID: id, Action: ActionCancelled}, nil
	}
	if err := e.store.Put(persistCtx, p); err != nil {
		return d, fmt.Errorf("persist policy %s: %w", id, err)
	}

	observed := d.From
	if d.Action == ActionScaled {
		observed = d.To
	}
	e.mirror(persistCtx, p, observed)
	e.recorder.RecordDecision(p, d)
	e.logDecision(p, d)
	return d, nil
}

// evaluate decides and performs at most one capacity write, updating p's status fields.
func (e *Engine) evaluate(ctx context.Context, p *Policy) Decision {
	key := p.Target()

	vol, err := e.readVolume(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		p.Status = StatusError
		p.Reason = ErrTargetVolumeMissing.Error()
		return Decision{Action: ActionVolumeMissing, Err: ErrTargetVolumeMissing}
	case err != nil:
		e.recordFailure(p, err)
		return Decision{Action: ActionFailed, Err: err}
	}

	d := Decision{From: vol.Size}
	usage, err := e.sampleUsage(ctx, key)
	if err != nil {
		d.Action = ActionNoMetrics
		d.Err = err
		return d
	}
	d.UsagePercent = usage.Percent()

	if d.UsagePercent < float64(p.TriggerAbovePercent) {
		e.recordSuccess(p)
		d.Action = ActionBelowTrigger
		return d
	}

	now := e.clock.Now()
	if p.LastScaleTime != nil && now.Sub(*p.LastScaleTime) < p.Cooldown() {
		e.recordSuccess(p)
		d.Action = ActionCooldown
		return d
	}

	candidate := quantity.Min(vol.Size.Add(p.StepSize), p.MaxSize)
	if candidate.Cmp(vol.Size) <= 0 {
		e.recordSuccess(p)
		d.Action = ActionAtMax
		return d
	}
	d.To = candidate

	if ctx.Err() != nil {
		d.Action = ActionCancelled
		return d
	}
	if err := e.writeCapacity(ctx, key, candidate); err != nil {
		e.recordFailure(p, err)
		d.Action = ActionFailed
		d.Err = err
		return d
	}

	if p.LastScaleTime == nil || now.After(*p.LastScaleTime) {
		p.LastScaleTime = &now
	}
	e.recordSuccess(p)
	d.Action = ActionScaled
	return d
}

func (e *Engine) recordSuccess(p *Policy) {
	p.ConsecutiveFailures = 0
	if p.Status == StatusError {
		p.Status = StatusActive
	}
	if p.Status == StatusActive {
		p.Reason = ""
	}
}

// recordFailure counts a failed cycle. Transient failures move the policy to Error at the
// threshold; any other failure does so at once.
func (e *Engine) recordFailure(p *Policy, err error) {
	p.ConsecutiveFailures++
	if p.ConsecutiveFailures >= FailureThreshold || !isTransient(err) {
		p.Status = StatusError
		p.Reason = err.Error()
	}
}

// mirror copies the outcome onto the policy resource. Failures are logged only.
func (e *Engine) mirror(ctx context.Context, p Policy, observed quantity.Quantity) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	err := e.cluster.UpdatePolicyResourceStatus(callCtx, p, observed)
	if errors.Is(err, ErrNotFound) && p.Origin != OriginCluster {
		if err = e.cluster.CreatePolicyResource(callCtx, p); err == nil {
			err = e.cluster.UpdatePolicyResourceStatus(callCtx, p, observed)
		}
	}
	if err != nil {
		e.log.V(1).Info("Failed to mirror policy status", "policy", p.Key().String(), "error", err.Error())
	}
}

func (e *Engine) logDecision(p Policy, d Decision) {
	log := e.log.WithValues("policy", p.Key().String(), "id", p.ID, "action", string(d.Action))
	switch d.Action {
	case ActionScaled:
		log.Info("Requested volume expansion", "from", d.From.String(), "to", d.To.String(), "usagePercent", d.UsagePercent)
	case ActionFailed, ActionVolumeMissing:
		log.Error(d.Err, "Check failed", "consecutiveFailures", p.ConsecutiveFailures, "status", string(p.Status))
	case ActionNoMetrics:
		log.V(1).Info("Usage unavailable, skipping", "error", d.Err.Error())
	default:
		log.V(1).Info("No action", "usagePercent", d.UsagePercent, "size", d.From.String())
	}
}

func (e *Engine) readVolume(ctx context.Context, key types.NamespacedName) (Volume, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	v, err := e.cluster.ReadVolume(callCtx, key)
	return v, asUnreachable(callCtx, err)
}

func (e *Engine) writeCapacity(ctx context.Context, key types.NamespacedName, size quantity.Quantity) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return asUnreachable(callCtx, e.cluster.WriteDesiredCapacity(callCtx, key, size))
}

func (e *Engine) sampleUsage(ctx context.Context, key types.NamespacedName) (Usage, error) {
	if e.sampler == nil {
		return Usage{}, ErrMetricsUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	u, err := e.sampler.SampleUsage(callCtx, key)
	if err != nil {
		if !errors.Is(err, ErrMetricsUnavailable) {
			err = fmt.Errorf("%w: %w", ErrMetricsUnavailable, err)
		}
		return Usage{}, err
	}
	return u.Clamp(), nil
}

// asUnreachable classifies a call that ran past its deadline as an unreachable cluster.
func asUnreachable(callCtx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrClusterUnreachable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
	}
	return err
}
