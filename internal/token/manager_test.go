package token

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/registry"
	"Rigger/internal/status"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu     sync.Mutex
	calls  int
	fail   bool
	ttl    time.Duration
	issued chan struct{}
}

func (f *fakePlatform) IssueCredential(ctx context.Context, repo, name string, labels []string) (fleet.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.issued != nil {
		select {
		case f.issued <- struct{}{}:
		default:
		}
	}
	if f.fail {
		return fleet.Credential{}, fmt.Errorf("rate limited: %w", fleet.ErrTransient)
	}
	now := time.Now()
	return fleet.Credential{Value: fmt.Sprintf("tok-%d", f.calls), IssuedAt: now, ExpiresAt: now.Add(f.ttl)}, nil
}

func (f *fakePlatform) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePlatform) QueuedJobs(context.Context, string) ([]platform.Job, error) {
	return nil, nil
}

func (f *fakePlatform) ListRunners(context.Context, string) ([]platform.RunnerPresence, error) {
	return nil, nil
}

func (f *fakePlatform) RemoveRunner(context.Context, string, string) error {
	return nil
}

type fakeRecreater struct {
	mu     sync.Mutex
	calls  []string
	reason string
	done   chan struct{}
}

func (f *fakeRecreater) Recreate(ctx context.Context, inst fleet.Instance, reason string) error {
	f.mu.Lock()
	f.calls = append(f.calls, inst.ID)
	f.reason = reason
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, api *fakePlatform, fraction float64, retries int) (*Manager, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(":memory:", status.NewBus(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.EnsurePool(fleet.Pool{
		Repo: "acme/widgets", DedicatedCount: 1, DynamicCeiling: 3,
		IdleTimeout: time.Minute, Cooldown: time.Second,
	}))

	met := metrics.NewMetrics(prometheus.NewRegistry())
	m := NewManager(reg, api, fraction, retries, time.Millisecond, met, testLogger())
	t.Cleanup(m.Stop)
	return m, reg
}

func seed(t *testing.T, reg *registry.Registry, ttl time.Duration) fleet.Instance {
	t.Helper()
	now := time.Now()
	inst, err := reg.UpsertInstance(fleet.Instance{
		ID:        "inst-1",
		Name:      "runner-inst-1",
		Repo:      "acme/widgets",
		Kind:      fleet.KindDynamic,
		State:     fleet.StateIdle,
		CreatedAt: now,
		Credential: fleet.Credential{
			Value: "tok-0", IssuedAt: now, ExpiresAt: now.Add(ttl),
		},
	})
	require.NoError(t, err)
	return inst
}

func TestRefreshAtFractionOfTTL(t *testing.T) {
	c := fleet.Credential{
		IssuedAt:  time.Unix(1000, 0),
		ExpiresAt: time.Unix(1000, 0).Add(time.Hour),
	}
	at := c.RefreshAt(0.75)
	assert.Equal(t, time.Unix(1000, 0).Add(45*time.Minute), at)
}

func TestProactiveRefreshBeforeExpiry(t *testing.T) {
	api := &fakePlatform{ttl: 400 * time.Millisecond, issued: make(chan struct{}, 4)}
	m, reg := setup(t, api, 0.5, 3)

	inst := seed(t, reg, 400*time.Millisecond)
	expiry := inst.Credential.ExpiresAt
	m.Track(inst)

	select {
	case <-api.issued:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never fired")
	}
	require.True(t, time.Now().Before(expiry), "refresh fired after the old credential expired")

	// The swapped credential lands in the registry.
	assert.Eventually(t, func() bool {
		got, err := reg.GetInstance(inst.ID)
		return err == nil && got.Credential.Value != "tok-0"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExhaustedRefreshForcesRecreate(t *testing.T) {
	api := &fakePlatform{fail: true, ttl: time.Second}
	m, reg := setup(t, api, 0.1, 2)

	rec := &fakeRecreater{done: make(chan struct{}, 1)}
	m.SetRecreater(rec)

	inst := seed(t, reg, 600*time.Millisecond)
	expiry := inst.Credential.ExpiresAt
	m.Track(inst)

	select {
	case <-rec.done:
	case <-time.After(3 * time.Second):
		t.Fatal("forced re-registration never fired")
	}
	require.True(t, time.Now().Before(expiry.Add(200*time.Millisecond)),
		"recreate came far too late relative to expiry")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{inst.ID}, rec.calls)
	assert.Equal(t, fleet.ReasonForcedRecreate, rec.reason)
	// Initial attempt plus the bounded retries.
	assert.Equal(t, 3, api.Calls())
}

func TestUntrackCancelsPendingRefresh(t *testing.T) {
	api := &fakePlatform{ttl: time.Hour}
	m, reg := setup(t, api, 0.5, 3)

	inst := seed(t, reg, 100*time.Millisecond)
	m.Track(inst)
	assert.Equal(t, 1, m.Tracked())

	m.Untrack(inst.ID)
	assert.Equal(t, 0, m.Tracked())

	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, api.Calls(), "cancelled timer still fired")
}

func TestRetrackReplacesTimer(t *testing.T) {
	api := &fakePlatform{ttl: time.Hour}
	m, reg := setup(t, api, 0.5, 3)

	inst := seed(t, reg, time.Hour)
	m.Track(inst)
	m.Track(inst)
	assert.Equal(t, 1, m.Tracked())
}

func TestRefreshOfRemovedInstanceIsNoop(t *testing.T) {
	api := &fakePlatform{ttl: time.Hour, issued: make(chan struct{}, 1)}
	m, reg := setup(t, api, 0.5, 3)

	inst := seed(t, reg, 60*time.Millisecond)
	m.Track(inst)
	require.NoError(t, reg.RemoveInstance(inst.ID))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, api.Calls(), "refresh ran for a destroyed instance")
	assert.Equal(t, 0, m.Tracked())
}
