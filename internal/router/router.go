// Package router matches queued jobs to runners that can take them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/registry"
)

// ScaleKicker lets the router signal unmet demand without waiting for the
// next scaling cycle.
type ScaleKicker interface {
	RequestScaleUp(repo string)
}

type Verdict string

const (
	VerdictAssigned Verdict = "assigned"
	VerdictQueued   Verdict = "queued"
)

// Assignment is the outcome of routing one job.
type Assignment struct {
	Verdict  Verdict
	Instance fleet.Instance
}

type Router struct {
	reg      *registry.Registry
	platform platform.API
	scaler   ScaleKicker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
}

func NewRouter(
	reg *registry.Registry,
	api platform.API,
	scaler ScaleKicker,
	interval time.Duration,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Router {
	return &Router{
		reg:      reg,
		platform: api,
		scaler:   scaler,
		metrics:  met,
		logger:   logger.With("component", "router"),
		interval: interval,
	}
}

// Route assigns one job to a runner. Dedicated runners are preferred; among
// dynamic ones the most recently busy wins, so colder runners age toward
// the idle reaper. A job that no current runner can take is queued and a
// scale-up intent raised, except when the pool's dynamic ceiling is already
// spent. That case surfaces as fleet.ErrCapacityExceeded so callers can
// apply backpressure rather than treat it as a routing failure.
func (r *Router) Route(ctx context.Context, job platform.Job) (Assignment, error) {
	pool, err := r.reg.GetPool(job.Repo)
	if err != nil {
		return Assignment{}, fmt.Errorf("route job %d: %w", job.ID, err)
	}

	for _, kind := range pool.BlockedKinds {
		if job.Kind == kind {
			r.metrics.RoutedJobs.WithLabelValues(pool.Repo, "blocked").Inc()
			return Assignment{}, fmt.Errorf("job kind %q blocked in pool %s: %w",
				job.Kind, pool.Repo, fleet.ErrBadSpec)
		}
	}

	instances, err := r.reg.ListInstances(pool.Repo)
	if err != nil {
		return Assignment{}, err
	}

	for _, inst := range candidates(instances, job) {
		claimed, err := r.reg.Transition(inst.ID, fleet.StateIdle, fleet.StateBusy)
		if errors.Is(err, fleet.ErrConflict) || errors.Is(err, fleet.ErrNotFound) {
			// Lost the race for this runner, try the next one.
			continue
		}
		if err != nil {
			return Assignment{}, err
		}
		r.metrics.RoutedJobs.WithLabelValues(pool.Repo, "assigned").Inc()
		r.logger.Info("job routed", "job", job.ID, "runner", claimed.Name, "kind", claimed.Kind)
		return Assignment{Verdict: VerdictAssigned, Instance: claimed}, nil
	}

	if r.reg.DynamicCount(pool.Repo) >= pool.DynamicCeiling {
		r.metrics.RoutedJobs.WithLabelValues(pool.Repo, "backpressure").Inc()
		return Assignment{}, fmt.Errorf("pool %s at dynamic ceiling %d: %w",
			pool.Repo, pool.DynamicCeiling, fleet.ErrCapacityExceeded)
	}

	r.scaler.RequestScaleUp(pool.Repo)
	r.metrics.RoutedJobs.WithLabelValues(pool.Repo, "queued").Inc()
	r.logger.Info("no eligible runner, job queued", "job", job.ID, "repo", pool.Repo)
	return Assignment{Verdict: VerdictQueued}, nil
}

// candidates filters to runners that can take the job and orders them by
// preference.
func candidates(instances []fleet.Instance, job platform.Job) []fleet.Instance {
	var out []fleet.Instance
	for _, inst := range instances {
		if inst.State != fleet.StateIdle || inst.Quarantined {
			continue
		}
		if !inst.HasAllLabels(job.Labels) {
			continue
		}
		if inst.HasAnyLabel(job.AntiAffinity) {
			continue
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == fleet.KindDedicated
		}
		return out[i].LastBusy.After(out[j].LastBusy)
	})
	return out
}

// Drain polls the platform's queued jobs at the configured interval and
// routes whatever it finds. Routing errors other than capacity backpressure
// are logged and skipped; the job stays queued on the platform side.
func (r *Router) Drain(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("drain loop started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("drain loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

func (r *Router) drainOnce(ctx context.Context) {
	for _, pool := range r.reg.Pools() {
		jobs, err := r.platform.QueuedJobs(ctx, pool.Repo)
		if err != nil {
			r.logger.Warn("queued jobs fetch failed", "pool", pool.Repo, "error", err)
			continue
		}
		r.metrics.QueueDepth.WithLabelValues(pool.Repo).Set(float64(len(jobs)))

		for _, job := range jobs {
			if _, err := r.Route(ctx, job); err != nil {
				if errors.Is(err, fleet.ErrCapacityExceeded) {
					// The rest of the queue cannot do better this round.
					break
				}
				r.logger.Warn("routing failed", "job", job.ID, "error", err)
			}
		}
	}
}
