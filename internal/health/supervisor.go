// Package health watches the platform's runner roster and keeps the
// registry's view of each instance honest. The platform is the heartbeat
// source: a runner that stops showing up there is presumed wedged, whatever
// its container claims.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/registry"
)

// Recoverer is the slice of the scaling engine the supervisor drives.
// Dedicated runners are rebuilt in place, dynamic ones are simply torn
// down and left for demand to replace.
type Recoverer interface {
	Recreate(ctx context.Context, inst fleet.Instance, reason string) error
	Decommission(ctx context.Context, inst fleet.Instance, reason string) error
}

type Supervisor struct {
	reg           *registry.Registry
	platform      platform.API
	recoverer     Recoverer
	metrics       *metrics.Metrics
	logger        *slog.Logger
	interval      time.Duration
	missThreshold int
	maxRecovery   int
	now           func() time.Time

	mu       sync.Mutex
	attempts map[string]int // failed recovery attempts per instance
}

func NewSupervisor(
	reg *registry.Registry,
	api platform.API,
	recoverer Recoverer,
	interval time.Duration,
	missThreshold int,
	maxRecovery int,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Supervisor {
	if missThreshold < 2 {
		missThreshold = 2
	}
	return &Supervisor{
		reg:           reg,
		platform:      api,
		recoverer:     recoverer,
		metrics:       met,
		logger:        logger.With("component", "health-supervisor"),
		interval:      interval,
		missThreshold: missThreshold,
		maxRecovery:   maxRecovery,
		now:           time.Now,
		attempts:      make(map[string]int),
	}
}

// Run sweeps every pool at the configured heartbeat interval until the
// context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("health supervisor started", "interval", s.interval, "miss_threshold", s.missThreshold)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one health pass over every pool.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, pool := range s.reg.Pools() {
		if err := s.sweepPool(ctx, pool); err != nil {
			s.logger.Error("health sweep failed", "pool", pool.Repo, "error", err)
		}
	}
}

func (s *Supervisor) sweepPool(ctx context.Context, pool fleet.Pool) error {
	roster, err := s.platform.ListRunners(ctx, pool.Repo)
	if err != nil {
		// No roster means no signal. Counting a platform outage as
		// missed heartbeats would mass-recreate a healthy fleet.
		s.logger.Warn("roster fetch failed, skipping sweep", "pool", pool.Repo, "error", err)
		return nil
	}
	present := make(map[string]platform.RunnerPresence, len(roster))
	for _, r := range roster {
		present[r.Name] = r
	}

	instances, err := s.reg.ListInstances(pool.Repo)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if p, ok := present[inst.Name]; ok && p.Online {
			s.markSeen(inst, p.Busy)
		} else {
			s.markMissed(pool, inst)
		}
	}

	return s.recoverUnhealthy(ctx, pool)
}

// markSeen records the heartbeat and reconciles the registry state with
// what the platform reports. A provisioning instance seen on the roster
// has finished registering and comes online here.
func (s *Supervisor) markSeen(inst fleet.Instance, busy bool) {
	s.mu.Lock()
	delete(s.attempts, inst.ID)
	s.mu.Unlock()

	if inst.MissedBeats != 0 || inst.LastHeartbeat.IsZero() || s.now().Sub(inst.LastHeartbeat) >= s.interval/2 {
		fresh, err := s.reg.GetInstance(inst.ID)
		if err != nil {
			return
		}
		fresh.MissedBeats = 0
		fresh.LastHeartbeat = s.now()
		if updated, err := s.reg.UpsertInstance(fresh); err == nil {
			inst = updated
		} else if !errors.Is(err, fleet.ErrConflict) {
			s.logger.Error("heartbeat update failed", "instance", inst.ID, "error", err)
		}
	}

	if inst.State == fleet.StateProvisioning {
		updated, err := s.reg.Transition(inst.ID, fleet.StateProvisioning, fleet.StateOnline)
		if err != nil {
			return
		}
		inst = updated
	}

	want := fleet.StateIdle
	if busy {
		want = fleet.StateBusy
	}
	switch {
	case inst.State == want:
	case inst.State == fleet.StateOnline, inst.State == fleet.StateIdle, inst.State == fleet.StateBusy:
		if _, err := s.reg.Transition(inst.ID, inst.State, want); err != nil && !errors.Is(err, fleet.ErrConflict) {
			s.logger.Warn("state reconcile failed", "instance", inst.ID, "want", want, "error", err)
		}
	}
}

func (s *Supervisor) markMissed(pool fleet.Pool, inst fleet.Instance) {
	switch inst.State {
	case fleet.StateOnline, fleet.StateIdle, fleet.StateBusy:
	default:
		// Provisioning instances have not registered yet, draining and
		// unhealthy ones are already being handled.
		return
	}

	fresh, err := s.reg.GetInstance(inst.ID)
	if err != nil {
		return
	}
	fresh.MissedBeats++
	updated, err := s.reg.UpsertInstance(fresh)
	if err != nil {
		if !errors.Is(err, fleet.ErrConflict) {
			s.logger.Error("missed-beat update failed", "instance", inst.ID, "error", err)
		}
		return
	}

	if updated.MissedBeats < s.missThreshold {
		s.logger.Debug("runner missed a heartbeat",
			"instance", inst.ID, "missed", updated.MissedBeats, "threshold", s.missThreshold)
		return
	}

	if _, err := s.reg.Transition(updated.ID, updated.State, fleet.StateUnhealthy); err != nil {
		if !errors.Is(err, fleet.ErrConflict) {
			s.logger.Error("unhealthy transition failed", "instance", inst.ID, "error", err)
		}
		return
	}
	s.metrics.UnhealthyRunners.WithLabelValues(pool.Repo).Inc()
	s.logger.Warn("runner declared unhealthy",
		"instance", inst.ID, "runner", inst.Name, "missed", updated.MissedBeats)
}

func (s *Supervisor) recoverUnhealthy(ctx context.Context, pool fleet.Pool) error {
	instances, err := s.reg.ListInstances(pool.Repo)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.State != fleet.StateUnhealthy || inst.Quarantined {
			continue
		}
		s.recover(ctx, pool, inst)
	}
	return nil
}

func (s *Supervisor) recover(ctx context.Context, pool fleet.Pool, inst fleet.Instance) {
	var err error
	switch inst.Kind {
	case fleet.KindDedicated:
		err = s.recoverer.Recreate(ctx, inst, fleet.ReasonRecovery)
	default:
		err = s.recoverer.Decommission(ctx, inst, fleet.ReasonRecovery)
	}
	if err == nil {
		s.mu.Lock()
		delete(s.attempts, inst.ID)
		s.mu.Unlock()
		s.metrics.RecoveryActions.WithLabelValues(pool.Repo, string(inst.Kind)).Inc()
		s.logger.Info("runner recovered", "instance", inst.ID, "kind", inst.Kind)
		return
	}

	s.mu.Lock()
	s.attempts[inst.ID]++
	n := s.attempts[inst.ID]
	s.mu.Unlock()

	s.logger.Error("recovery attempt failed",
		"instance", inst.ID, "kind", inst.Kind, "attempt", n, "error", err)
	if inst.Kind == fleet.KindDedicated && n >= s.maxRecovery {
		s.quarantine(inst, err)
	}
}

// quarantine flags a dedicated runner the supervisor has given up on. It
// stays in the registry, excluded from routing, until an operator steps in.
func (s *Supervisor) quarantine(inst fleet.Instance, cause error) {
	fresh, err := s.reg.GetInstance(inst.ID)
	if err != nil {
		return
	}
	fresh.Quarantined = true
	if _, err := s.reg.UpsertInstance(fresh); err != nil {
		s.logger.Error("quarantine update failed", "instance", inst.ID, "error", err)
		return
	}
	s.mu.Lock()
	delete(s.attempts, inst.ID)
	s.mu.Unlock()

	s.metrics.QuarantinedRunners.Inc()
	s.logger.Error("runner quarantined, operator attention required",
		"instance", inst.ID,
		"runner", inst.Name,
		"error", errors.Join(fleet.ErrUnrecoverable, cause),
	)
}
