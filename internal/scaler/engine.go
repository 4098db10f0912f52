package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/provider"
	"Rigger/internal/registry"

	"github.com/google/uuid"
)

// TokenTracker is the slice of the token lifecycle manager the engine needs:
// new instances start refresh timers, destroyed ones stop them.
type TokenTracker interface {
	Track(inst fleet.Instance)
	Untrack(id string)
}

// ReapPolicy picks which idle dynamic runner to reap from a non-empty
// candidate list.
type ReapPolicy func(candidates []fleet.Instance) fleet.Instance

// OldestLastBusy is the default reap policy: the runner that has been cold
// the longest goes first, oldest creation time breaking ties.
func OldestLastBusy(candidates []fleet.Instance) fleet.Instance {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastBusy.Equal(b.LastBusy) {
			return a.LastBusy.Before(b.LastBusy)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return candidates[0]
}

// Engine runs the periodic scaling cycle for every pool and owns all
// provision/decommission mechanics, including the ones health recovery and
// forced re-registration go through.
type Engine struct {
	interval time.Duration
	image    string
	reg      *registry.Registry
	driver   provider.Driver
	platform platform.API
	tokens   TokenTracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	reap     ReapPolicy
	kick     chan string
	now      func() time.Time

	mu    sync.Mutex
	gates map[string]*sync.Mutex
}

func New(
	interval time.Duration,
	image string,
	reg *registry.Registry,
	driver provider.Driver,
	api platform.API,
	tokens TokenTracker,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		interval: interval,
		image:    image,
		reg:      reg,
		driver:   driver,
		platform: api,
		tokens:   tokens,
		metrics:  met,
		logger:   logger.With("component", "scaler"),
		reap:     OldestLastBusy,
		kick:     make(chan string, 64),
		now:      time.Now,
		gates:    make(map[string]*sync.Mutex),
	}
}

// SetReapPolicy overrides the scale-down selection policy.
func (e *Engine) SetReapPolicy(p ReapPolicy) {
	e.reap = p
}

// RequestScaleUp asks for an out-of-band scale-up of the pool, consumed by
// the run loop. Never blocks; a full intent queue means a cycle is already
// imminent.
func (e *Engine) RequestScaleUp(repo string) {
	select {
	case e.kick <- repo:
	default:
	}
}

// Run drives the fixed-interval cycle until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("scaling engine starting", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scaling engine stopped")
			return nil
		case <-ticker.C:
			for _, pool := range e.reg.Pools() {
				e.Cycle(ctx, pool)
			}
		case repo := <-e.kick:
			pool, err := e.reg.GetPool(repo)
			if err != nil {
				e.logger.Warn("scale-up intent for unknown pool", "repo", repo)
				continue
			}
			if err := e.demandScaleUp(ctx, pool); err != nil && !errors.Is(err, fleet.ErrCapacityExceeded) {
				e.logger.Error("out-of-band scale-up failed", "repo", repo, "error", err)
			}
		}
	}
}

// Cycle evaluates one pool once. Only one cycle per pool runs at a time;
// an overlapping request is skipped, not queued.
func (e *Engine) Cycle(ctx context.Context, pool fleet.Pool) {
	gate := e.gate(pool.Repo)
	if !gate.TryLock() {
		return
	}
	defer gate.Unlock()

	start := e.now()
	status := "ok"
	if err := e.cycleLocked(ctx, pool); err != nil {
		status = "error"
		e.logger.Error("scaling cycle failed", "repo", pool.Repo, "error", err)
	}
	e.metrics.CycleTotal.WithLabelValues(pool.Repo, status).Inc()
	e.metrics.CycleDuration.WithLabelValues(pool.Repo).Observe(e.now().Sub(start).Seconds())
}

func (e *Engine) cycleLocked(ctx context.Context, pool fleet.Pool) error {
	instances, err := e.reg.ListInstances(pool.Repo)
	if err != nil {
		return err
	}
	e.exportStateGauges(pool.Repo, instances)

	// Finish off any runner stuck in draining from a failed destroy on a
	// previous attempt, whichever path started the decommission.
	for _, inst := range instances {
		if inst.State == fleet.StateDraining {
			if err := e.finishDecommission(ctx, inst, fleet.ReasonResume); err != nil {
				e.logger.Warn("draining runner still not destroyed", "instance", inst.ID, "error", err)
			}
		}
	}

	var busy, idleOrOnline int
	for _, inst := range instances {
		switch inst.State {
		case fleet.StateBusy:
			busy++
		case fleet.StateIdle, fleet.StateOnline:
			if !inst.Quarantined {
				idleOrOnline++
			}
		}
	}

	// Utilization against the pool's threshold; 1.0 means scale only
	// when every serving runner is busy.
	saturated := false
	if busy > 0 {
		utilization := float64(busy) / float64(busy+idleOrOnline)
		saturated = utilization >= pool.EffectiveScaleUpThreshold()
	}

	if saturated {
		err := e.demandScaleUpLocked(ctx, pool)
		if errors.Is(err, fleet.ErrCapacityExceeded) {
			e.logger.Debug("pool saturated at ceiling", "repo", pool.Repo)
			return nil
		}
		return err
	}

	return e.maybeReap(ctx, pool, instances)
}

// demandScaleUp is the out-of-band entry; it takes the pool gate itself.
func (e *Engine) demandScaleUp(ctx context.Context, pool fleet.Pool) error {
	gate := e.gate(pool.Repo)
	gate.Lock()
	defer gate.Unlock()
	return e.demandScaleUpLocked(ctx, pool)
}

func (e *Engine) demandScaleUpLocked(ctx context.Context, pool fleet.Pool) error {
	if e.reg.DynamicCount(pool.Repo) >= pool.DynamicCeiling {
		return fmt.Errorf("pool %s: %w", pool.Repo, fleet.ErrCapacityExceeded)
	}
	if !e.cooldownElapsed(pool) {
		e.logger.Debug("scale-up deferred by cooldown", "repo", pool.Repo)
		return nil
	}

	_, err := e.provisionLocked(ctx, pool, fleet.KindDynamic, fleet.ReasonDemand)
	return err
}

func (e *Engine) maybeReap(ctx context.Context, pool fleet.Pool, instances []fleet.Instance) error {
	if !e.cooldownElapsed(pool) {
		return nil
	}

	now := e.now()
	var candidates []fleet.Instance
	for _, inst := range instances {
		if inst.Kind != fleet.KindDynamic || !inst.State.Reapable() {
			continue
		}
		if now.Sub(idleSince(inst)) > pool.IdleTimeout {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// One reap per cooldown window keeps the pool from oscillating.
	victim := e.reap(candidates)
	e.logger.Info("reaping idle dynamic runner",
		"repo", pool.Repo,
		"instance", victim.ID,
		"idle_for", now.Sub(idleSince(victim)).String(),
	)
	return e.Decommission(ctx, victim, fleet.ReasonIdleTimeout)
}

// Provision creates one runner: credential first, then the execution unit,
// then the registry commit that makes it visible. Callers outside the run
// loop (health recovery, forced re-registration) use this directly.
func (e *Engine) Provision(ctx context.Context, pool fleet.Pool, kind fleet.Kind, reason string) (fleet.Instance, error) {
	gate := e.gate(pool.Repo)
	gate.Lock()
	defer gate.Unlock()
	if kind == fleet.KindDynamic && e.reg.DynamicCount(pool.Repo) >= pool.DynamicCeiling {
		return fleet.Instance{}, fmt.Errorf("pool %s: %w", pool.Repo, fleet.ErrCapacityExceeded)
	}
	return e.provisionLocked(ctx, pool, kind, reason)
}

func (e *Engine) provisionLocked(ctx context.Context, pool fleet.Pool, kind fleet.Kind, reason string) (fleet.Instance, error) {
	id := uuid.New().String()
	name := runnerName(pool.Repo, id)

	cred, err := e.platform.IssueCredential(ctx, pool.Repo, name, pool.Labels)
	if err != nil {
		e.recordFailure(pool.Repo, fleet.ActionScaleUp, reason, "", fmt.Sprintf("issue credential: %v", err))
		return fleet.Instance{}, fmt.Errorf("issue credential for %s: %w", name, err)
	}

	now := e.now()
	inst := fleet.Instance{
		ID:         id,
		Name:       name,
		Repo:       pool.Repo,
		Kind:       kind,
		State:      fleet.StateProvisioning,
		Labels:     pool.Labels,
		Credential: cred,
		CreatedAt:  now,
		LastBusy:   now,
	}

	// The provisioning record reserves the ceiling slot before the slow
	// runtime call; a create failure rolls it back.
	inst, err = e.reg.UpsertInstance(inst)
	if err != nil {
		return fleet.Instance{}, err
	}

	handle, err := e.driver.Create(ctx, provider.Spec{
		Name:       name,
		Image:      e.image,
		Repo:       pool.Repo,
		Labels:     pool.Labels,
		Credential: cred.Value,
	})
	e.countDriverOp("create", err)
	if err != nil {
		_ = e.reg.RemoveInstance(id)
		e.recordFailure(pool.Repo, fleet.ActionScaleUp, reason, id, fmt.Sprintf("create unit: %v", err))
		return fleet.Instance{}, fmt.Errorf("create unit for %s: %w", name, err)
	}

	inst.Handle = handle
	inst, err = e.reg.UpsertInstance(inst)
	if err != nil {
		return fleet.Instance{}, err
	}
	e.tokens.Track(inst)

	if err := e.reg.AppendEvent(fleet.Event{
		Repo:       pool.Repo,
		Action:     fleet.ActionScaleUp,
		Reason:     reason,
		InstanceID: id,
	}); err != nil {
		e.logger.Error("failed to record scale-up event", "error", err)
	}
	e.metrics.ScaleUpEvents.WithLabelValues(pool.Repo, reason).Inc()

	e.logger.Info("runner provisioned",
		"repo", pool.Repo,
		"instance", id,
		"kind", kind,
		"reason", reason,
	)
	return inst, nil
}

// Decommission drains and destroys one runner, removing its record only
// after the unit is confirmed gone so no orphaned container outlives its
// registry entry.
func (e *Engine) Decommission(ctx context.Context, inst fleet.Instance, reason string) error {
	drained, err := e.reg.Transition(inst.ID, inst.State, fleet.StateDraining)
	if errors.Is(err, fleet.ErrConflict) || errors.Is(err, fleet.ErrNotFound) {
		// Someone else changed or removed it first (a job landed, or
		// recovery beat us to it). Their decision stands.
		return nil
	}
	if err != nil {
		return err
	}
	return e.finishDecommission(ctx, drained, reason)
}

func (e *Engine) finishDecommission(ctx context.Context, inst fleet.Instance, reason string) error {
	err := e.driver.Destroy(ctx, inst.Handle)
	e.countDriverOp("destroy", err)
	if err != nil {
		e.recordFailure(inst.Repo, fleet.ActionScaleDown, reason, inst.ID, fmt.Sprintf("destroy unit: %v", err))
		return fmt.Errorf("destroy unit %s: %w", inst.Handle, err)
	}

	if err := e.platform.RemoveRunner(ctx, inst.Repo, inst.Name); err != nil {
		// The roster entry will age out on its own; not worth blocking
		// teardown over.
		e.logger.Warn("failed to deregister runner", "runner", inst.Name, "error", err)
	}

	e.tokens.Untrack(inst.ID)
	if _, err := e.reg.Transition(inst.ID, fleet.StateDraining, fleet.StateTerminated); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		e.logger.Warn("terminate transition failed", "instance", inst.ID, "error", err)
	}
	if err := e.reg.RemoveInstance(inst.ID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return err
	}

	if err := e.reg.AppendEvent(fleet.Event{
		Repo:       inst.Repo,
		Action:     fleet.ActionScaleDown,
		Reason:     reason,
		InstanceID: inst.ID,
	}); err != nil {
		e.logger.Error("failed to record scale-down event", "error", err)
	}
	e.metrics.ScaleDownEvents.WithLabelValues(inst.Repo, reason).Inc()
	return nil
}

// Recreate tears a runner down and provisions a replacement of the same
// kind in the same pool. Used for forced re-registration and dedicated
// runner recovery.
func (e *Engine) Recreate(ctx context.Context, inst fleet.Instance, reason string) error {
	pool, err := e.reg.GetPool(inst.Repo)
	if err != nil {
		return err
	}
	if err := e.Decommission(ctx, inst, reason); err != nil {
		return err
	}
	_, err = e.Provision(ctx, pool, inst.Kind, reason)
	return err
}

// EnsureDedicated brings every pool up to its configured dedicated runner
// count. Called at startup and after dedicated-runner recovery.
func (e *Engine) EnsureDedicated(ctx context.Context) error {
	for _, pool := range e.reg.Pools() {
		instances, err := e.reg.ListInstances(pool.Repo)
		if err != nil {
			return err
		}
		have := 0
		for _, inst := range instances {
			if inst.Kind == fleet.KindDedicated && inst.State.Active() {
				have++
			}
		}
		for ; have < pool.DedicatedCount; have++ {
			if _, err := e.Provision(ctx, pool, fleet.KindDedicated, fleet.ReasonBootstrap); err != nil {
				return fmt.Errorf("bootstrap dedicated runner for %s: %w", pool.Repo, err)
			}
		}
	}
	return nil
}

func (e *Engine) cooldownElapsed(pool fleet.Pool) bool {
	last, ok := e.reg.LastScalingAction(pool.Repo)
	if !ok {
		return true
	}
	return e.now().Sub(last) >= pool.Cooldown
}

func (e *Engine) exportStateGauges(repo string, instances []fleet.Instance) {
	counts := make(map[fleet.State]int)
	for _, inst := range instances {
		counts[inst.State]++
	}
	for _, s := range []fleet.State{
		fleet.StateProvisioning, fleet.StateOnline, fleet.StateIdle,
		fleet.StateBusy, fleet.StateDraining, fleet.StateUnhealthy,
	} {
		e.metrics.RunnersByState.WithLabelValues(repo, string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) recordFailure(repo, action, reason, instanceID, detail string) {
	if err := e.reg.AppendEvent(fleet.Event{
		Repo:       repo,
		Action:     action,
		Reason:     reason,
		InstanceID: instanceID,
		Failed:     true,
		Detail:     detail,
	}); err != nil {
		e.logger.Error("failed to record failed scaling event", "error", err)
	}
}

func (e *Engine) countDriverOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.DriverOperations.WithLabelValues(e.driver.Name(), op, status).Inc()
}

func (e *Engine) gate(repo string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[repo]
	if !ok {
		g = &sync.Mutex{}
		e.gates[repo] = g
	}
	return g
}

func idleSince(inst fleet.Instance) time.Time {
	if inst.LastBusy.After(inst.CreatedAt) {
		return inst.LastBusy
	}
	return inst.CreatedAt
}

func runnerName(repo, id string) string {
	sanitized := strings.NewReplacer("/", "-", ".", "-").Replace(repo)
	return fmt.Sprintf("%s-%s", sanitized, id[:8])
}
