package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/registry"

	"github.com/cenkalti/backoff/v4"
)

// Recreater performs a full re-registration: destroy the runner and build a
// replacement. Wired to the scaling engine after construction.
type Recreater interface {
	Recreate(ctx context.Context, inst fleet.Instance, reason string) error
}

// Manager keeps every tracked runner's registration credential fresh. Each
// instance gets a timer that fires at a fraction of the credential's TTL;
// the refresh happens well before expiry, never in reaction to it. A runner
// whose refresh exhausts its retries is recreated rather than left to run
// out mid-job: an expired credential silently drops the runner off the
// platform roster, which is worse than a brief outage.
type Manager struct {
	reg       *registry.Registry
	platform  platform.API
	metrics   *metrics.Metrics
	logger    *slog.Logger
	fraction  float64
	retries   uint64
	base      time.Duration
	recreater Recreater
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(
	reg *registry.Registry,
	api platform.API,
	fraction float64,
	maxRetries int,
	backoffBase time.Duration,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Manager{
		reg:      reg,
		platform: api,
		metrics:  met,
		logger:   logger.With("component", "token-manager"),
		fraction: fraction,
		retries:  uint64(maxRetries),
		base:     backoffBase,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetRecreater wires the forced re-registration path. Must be called before
// any timer can fire.
func (m *Manager) SetRecreater(r Recreater) {
	m.recreater = r
}

// Track schedules the instance's next proactive refresh. Re-tracking an
// instance replaces its pending timer.
func (m *Manager) Track(inst fleet.Instance) {
	fireAt := inst.Credential.RefreshAt(m.fraction)
	delay := fireAt.Sub(m.now())
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[inst.ID]; ok {
		old.Stop()
	}
	id := inst.ID
	m.timers[id] = time.AfterFunc(delay, func() {
		if m.ctx.Err() != nil {
			return
		}
		m.refresh(id)
	})

	m.logger.Debug("refresh scheduled",
		"instance", id,
		"fire_in", delay.Round(time.Second).String(),
		"expires_at", inst.Credential.ExpiresAt,
	)
}

// Untrack cancels the instance's pending refresh. Called whenever an
// instance is destroyed, so no timer outlives its runner.
func (m *Manager) Untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// Stop cancels all timers; in-flight refreshes see the cancelled context
// and bail out.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

// Tracked returns the number of instances with a pending refresh timer.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) refresh(id string) {
	inst, err := m.reg.GetInstance(id)
	if errors.Is(err, fleet.ErrNotFound) {
		m.Untrack(id)
		return
	}
	if err != nil {
		m.logger.Error("refresh lookup failed", "instance", id, "error", err)
		return
	}

	cred, err := m.requestWithBackoff(inst)
	if err != nil {
		m.metrics.CredentialRefresh.WithLabelValues("exhausted").Inc()
		m.forceRecreate(inst, err)
		return
	}

	if err := m.swapCredential(id, cred); err != nil {
		m.logger.Error("credential swap failed", "instance", id, "error", err)
		m.metrics.CredentialRefresh.WithLabelValues("swap-failed").Inc()
		return
	}
	m.metrics.CredentialRefresh.WithLabelValues("ok").Inc()

	inst.Credential = cred
	m.Track(inst)
	m.logger.Info("credential refreshed", "instance", id, "expires_at", cred.ExpiresAt)
}

// requestWithBackoff retries the platform call with bounded exponential
// backoff, giving up early if the old credential would expire before the
// next attempt could possibly help.
func (m *Manager) requestWithBackoff(inst fleet.Instance) (fleet.Credential, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.base
	b.MaxElapsedTime = time.Until(inst.Credential.ExpiresAt)

	var cred fleet.Credential
	op := func() error {
		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		defer cancel()

		c, err := m.platform.IssueCredential(ctx, inst.Repo, inst.Name, inst.Labels)
		if err != nil {
			m.metrics.CredentialRefresh.WithLabelValues("retry").Inc()
			if errors.Is(err, fleet.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		cred = c
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, m.retries), m.ctx))
	if err != nil {
		return fleet.Credential{}, fmt.Errorf("%v: %w", err, fleet.ErrCredentialExhausted)
	}
	return cred, nil
}

// swapCredential commits the new credential, retrying the optimistic write
// against concurrent state changes. Only the credential fields move; any
// concurrent transition keeps its effect.
func (m *Manager) swapCredential(id string, cred fleet.Credential) error {
	for attempt := 0; attempt < 5; attempt++ {
		inst, err := m.reg.GetInstance(id)
		if err != nil {
			return err
		}
		inst.Credential = cred
		if _, err := m.reg.UpsertInstance(inst); err == nil {
			return nil
		} else if !errors.Is(err, fleet.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("instance %s: credential swap kept losing races: %w", id, fleet.ErrConflict)
}

func (m *Manager) forceRecreate(inst fleet.Instance, cause error) {
	m.logger.Warn("credential refresh exhausted, forcing re-registration",
		"instance", inst.ID,
		"expires_at", inst.Credential.ExpiresAt,
		"error", cause,
	)
	m.Untrack(inst.ID)

	if m.recreater == nil {
		m.logger.Error("no recreater wired, runner will run out its credential", "instance", inst.ID)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
	defer cancel()
	if err := m.recreater.Recreate(ctx, inst, fleet.ReasonForcedRecreate); err != nil {
		m.logger.Error("forced re-registration failed", "instance", inst.ID, "error", err)
	}
}
