package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start imports cluster policies, schedules every known policy and blocks until ctx is done.
// It satisfies manager.Runnable.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Sync(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Stop cancels all checks and waits for them to return.
func (e *Engine) Stop() {
	e.cancel()
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.tasks))
	for id, t := range e.tasks {
		tasks = append(tasks, t)
		delete(e.tasks, id)
	}
	e.mu.Unlock()
	for _, t := range tasks {
		<-t.done
	}
}

// Sync reconciles the store with the cluster and schedules every policy. Cluster-only policies
// are imported with origin cluster unless their volume already has a policy. When the cluster is unreachable only local policies are
// scheduled.
func (e *Engine) Sync(ctx context.Context) error {
	local, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list local policies: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	remote, err := e.cluster.ListPolicyResources(callCtx)
	cancel()
	if err != nil {
		e.log.Info("Cluster policies unavailable, scheduling local records only", "error", err.Error())
		for _, p := range local {
			e.schedule(p.ID)
		}
		return nil
	}

	localByKey := make(map[PolicyKey]Policy, len(local))
	for _, p := range local {
		localByKey[p.Key()] = p
	}
	for _, m := range Merge(local, remote) {
		l, ok := localByKey[m.Key()]
		switch {
		case !ok:
			unlock := e.locks.Lock("target/" + m.Target().String())
			imported, err := e.importPolicy(ctx, m)
			unlock()
			if errors.Is(err, ErrDuplicateTarget) {
				continue
			}
			if err != nil {
				return err
			}
			m = imported
		case !statusEqual(l, m):
			if err := e.store.Put(ctx, m); err != nil {
				return fmt.Errorf("update policy %s: %w", m.Key(), err)
			}
		}
		e.schedule(m.ID)
	}
	return nil
}

// ClusterPolicyID is the id given to policies first seen as cluster resources.
func ClusterPolicyID(namespace, name string) string {
	return fmt.Sprintf("k8s-%s-%s", namespace, name)
}

func statusEqual(a, b Policy) bool {
	if a.Status != b.Status || a.Reason != b.Reason || a.ConsecutiveFailures != b.ConsecutiveFailures {
		return false
	}
	if (a.LastScaleTime == nil) != (b.LastScaleTime == nil) {
		return false
	}
	if a.LastScaleTime != nil && !a.LastScaleTime.Equal(*b.LastScaleTime) {
		return false
	}
	return a.MinSize.Equal(b.MinSize) && a.MaxSize.Equal(b.MaxSize) && a.StepSize.Equal(b.StepSize) &&
		a.TriggerAbovePercent == b.TriggerAbovePercent &&
		a.CheckIntervalSeconds == b.CheckIntervalSeconds &&
		a.CooldownSeconds == b.CooldownSeconds
}

// schedule starts the periodic check for id unless one is already running.
func (e *Engine) schedule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[id]; ok || e.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.tasks[id] = t
	go e.run(ctx, id, t)
}

// unschedule cancels the periodic check for id. The returned channel closes once the check
// has returned.
func (e *Engine) unschedule(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	delete(e.tasks, id)
	t.cancel()
	return t.done
}

// Scheduled reports whether a periodic check runs for id.
func (e *Engine) Scheduled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[id]
	return ok
}

// run waits one interval between checks. The interval is re-read before every wait.
func (e *Engine) run(ctx context.Context, id string, t *task) {
	defer close(t.done)
	defer e.forget(id, t)

	interval := time.Duration(MinCheckIntervalSeconds) * time.Second
	for {
		p, err := e.store.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			return
		case err != nil:
			e.log.Error(err, "Failed to load policy, keeping previous interval", "id", id)
		default:
			interval = p.CheckInterval()
		}

		timer := e.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		d, err := e.Check(ctx, id)
		if err != nil {
			e.log.Error(err, "Check failed", "id", id)
			continue
		}
		if d.Action == ActionCancelled && ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) forget(id string, t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tasks[id] == t {
		delete(e.tasks, id)
	}
	t.cancel()
}
