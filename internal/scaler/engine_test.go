package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"Rigger/internal/fleet"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/provider"
	"Rigger/internal/registry"
	"Rigger/internal/status"

	"github.com/prometheus/client_golang/prometheus"
)

// Mock driver for testing
type mockDriver struct {
	mu        sync.Mutex
	created   []provider.Spec
	destroyed []string
	units     map[string]bool
	createErr error
}

func newMockDriver() *mockDriver {
	return &mockDriver{units: make(map[string]bool)}
}

func (m *mockDriver) Name() string { return "mock" }

func (m *mockDriver) Create(ctx context.Context, spec provider.Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	handle := fmt.Sprintf("unit-%d", len(m.created))
	m.created = append(m.created, spec)
	m.units[handle] = true
	return handle, nil
}

func (m *mockDriver) Destroy(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Destroying an absent unit is success, like the real drivers.
	delete(m.units, handle)
	m.destroyed = append(m.destroyed, handle)
	return nil
}

func (m *mockDriver) List(ctx context.Context, selector map[string]string) ([]provider.Unit, error) {
	return nil, nil
}

func (m *mockDriver) HealthCheck(ctx context.Context) error { return nil }
func (m *mockDriver) Close() error                          { return nil }

// Mock platform for testing
type mockPlatform struct {
	mu      sync.Mutex
	issued  int
	removed []string
	ttl     time.Duration
}

func (m *mockPlatform) IssueCredential(ctx context.Context, repo, name string, labels []string) (fleet.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued++
	now := time.Now()
	ttl := m.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return fleet.Credential{Value: fmt.Sprintf("tok-%d", m.issued), IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (m *mockPlatform) QueuedJobs(ctx context.Context, repo string) ([]platform.Job, error) {
	return nil, nil
}

func (m *mockPlatform) ListRunners(ctx context.Context, repo string) ([]platform.RunnerPresence, error) {
	return nil, nil
}

func (m *mockPlatform) RemoveRunner(ctx context.Context, repo, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, name)
	return nil
}

type noopTracker struct{}

func (noopTracker) Track(fleet.Instance) {}
func (noopTracker) Untrack(string)       {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, pool fleet.Pool) (*Engine, *registry.Registry, *mockDriver, *mockPlatform) {
	t.Helper()
	reg, err := registry.Open(":memory:", status.NewBus(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	if err := reg.EnsurePool(pool); err != nil {
		t.Fatal(err)
	}

	driver := newMockDriver()
	api := &mockPlatform{}
	met := metrics.NewMetrics(prometheus.NewRegistry())
	eng := New(30*time.Second, "runner:latest", reg, driver, api, noopTracker{}, met, testLogger())
	return eng, reg, driver, api
}

func testPool() fleet.Pool {
	return fleet.Pool{
		Repo:           "acme/widgets",
		DedicatedCount: 1,
		DynamicCeiling: 3,
		IdleTimeout:    5 * time.Minute,
		Cooldown:       time.Minute,
		Labels:         []string{"linux"},
	}
}

func seedInstance(t *testing.T, reg *registry.Registry, kind fleet.Kind, state fleet.State, lastBusy time.Time) fleet.Instance {
	t.Helper()
	id := fmt.Sprintf("seed-%d", time.Now().UnixNano())
	inst, err := reg.UpsertInstance(fleet.Instance{
		ID:        id,
		Name:      "runner-" + id,
		Repo:      "acme/widgets",
		Kind:      kind,
		State:     state,
		Handle:    "unit-" + id,
		CreatedAt: lastBusy.Add(-time.Hour),
		LastBusy:  lastBusy,
		Credential: fleet.Credential{
			Value: "tok", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestAllBusyTriggersExactlyOneScaleUp(t *testing.T) {
	pool := testPool()
	eng, reg, driver, _ := newTestEngine(t, pool)

	// One dedicated runner, busy: a second queued job saturates the pool.
	seedInstance(t, reg, fleet.KindDedicated, fleet.StateBusy, time.Now())

	eng.Cycle(context.Background(), pool)

	if len(driver.created) != 1 {
		t.Fatalf("driver created %d units, want 1", len(driver.created))
	}
	if got := reg.DynamicCount(pool.Repo); got != 1 {
		t.Errorf("dynamic count = %d, want 1", got)
	}

	events, _ := reg.Events(pool.Repo, 10)
	if len(events) != 1 || events[0].Reason != fleet.ReasonDemand {
		t.Fatalf("events = %+v, want one demand scale-up", events)
	}

	// Second cycle inside the cooldown window must not scale again.
	eng.Cycle(context.Background(), pool)
	if len(driver.created) != 1 {
		t.Errorf("cooldown violated: %d units created", len(driver.created))
	}
}

func TestNoScaleUpWhenIdleCapacityExists(t *testing.T) {
	pool := testPool()
	eng, reg, driver, _ := newTestEngine(t, pool)

	seedInstance(t, reg, fleet.KindDedicated, fleet.StateBusy, time.Now())
	seedInstance(t, reg, fleet.KindDynamic, fleet.StateIdle, time.Now())

	eng.Cycle(context.Background(), pool)

	if len(driver.created) != 0 {
		t.Errorf("scaled up despite idle capacity: %d units created", len(driver.created))
	}
}

func TestPartialUtilizationThreshold(t *testing.T) {
	pool := testPool()
	pool.ScaleUpThreshold = 0.5
	eng, reg, driver, _ := newTestEngine(t, pool)

	// Two busy out of three serving runners is 0.66, above the threshold.
	seedInstance(t, reg, fleet.KindDedicated, fleet.StateBusy, time.Now())
	seedInstance(t, reg, fleet.KindDynamic, fleet.StateBusy, time.Now())
	seedInstance(t, reg, fleet.KindDynamic, fleet.StateIdle, time.Now())

	eng.Cycle(context.Background(), pool)

	if len(driver.created) != 1 {
		t.Errorf("driver created %d units, want 1 at 0.66 utilization with threshold 0.5", len(driver.created))
	}
}

func TestIdlePoolNeverScalesUp(t *testing.T) {
	pool := testPool()
	pool.ScaleUpThreshold = 0.5
	eng, reg, driver, _ := newTestEngine(t, pool)

	seedInstance(t, reg, fleet.KindDedicated, fleet.StateIdle, time.Now())

	eng.Cycle(context.Background(), pool)

	if len(driver.created) != 0 {
		t.Errorf("scaled up a pool with zero busy runners: %d units created", len(driver.created))
	}
}

func TestCeilingNeverExceededUnderConcurrentScaleUps(t *testing.T) {
	pool := testPool()
	eng, reg, _, _ := newTestEngine(t, pool)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Provision(context.Background(), pool, fleet.KindDynamic, fleet.ReasonDemand)
			if err != nil && !errors.Is(err, fleet.ErrCapacityExceeded) {
				t.Errorf("unexpected provision error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := reg.DynamicCount(pool.Repo); got > pool.DynamicCeiling {
		t.Errorf("dynamic count %d exceeds ceiling %d", got, pool.DynamicCeiling)
	}
}

func TestIdleDynamicRunnerReaped(t *testing.T) {
	pool := testPool()
	eng, reg, driver, _ := newTestEngine(t, pool)

	// Dynamic runner cold for 6 minutes, dedicated one cold for a day.
	dynamic := seedInstance(t, reg, fleet.KindDynamic, fleet.StateIdle, time.Now().Add(-6*time.Minute))
	seedInstance(t, reg, fleet.KindDedicated, fleet.StateIdle, time.Now().Add(-24*time.Hour))

	eng.Cycle(context.Background(), pool)

	if len(driver.destroyed) != 1 {
		t.Fatalf("destroyed %d units, want 1", len(driver.destroyed))
	}
	if driver.destroyed[0] != dynamic.Handle {
		t.Errorf("destroyed %s, want the dynamic runner %s", driver.destroyed[0], dynamic.Handle)
	}
	if _, err := reg.GetInstance(dynamic.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Error("reaped instance still in registry")
	}

	events, _ := reg.Events(pool.Repo, 10)
	if len(events) != 1 || events[0].Reason != fleet.ReasonIdleTimeout {
		t.Fatalf("events = %+v, want one idle-timeout scale-down", events)
	}
}

func TestFreshIdleDynamicRunnerKept(t *testing.T) {
	pool := testPool()
	eng, _, driver, _ := newTestEngine(t, pool)
	reg := eng.reg

	seedInstance(t, reg, fleet.KindDynamic, fleet.StateIdle, time.Now().Add(-time.Minute))

	eng.Cycle(context.Background(), pool)

	if len(driver.destroyed) != 0 {
		t.Errorf("reaped a runner idle for under the timeout")
	}
}

func TestReapPicksOldestLastBusy(t *testing.T) {
	now := time.Now()
	candidates := []fleet.Instance{
		{ID: "b", LastBusy: now.Add(-10 * time.Minute), CreatedAt: now.Add(-time.Hour)},
		{ID: "a", LastBusy: now.Add(-30 * time.Minute), CreatedAt: now.Add(-time.Hour)},
		{ID: "c", LastBusy: now.Add(-30 * time.Minute), CreatedAt: now.Add(-2 * time.Hour)},
	}

	victim := OldestLastBusy(candidates)
	if victim.ID != "c" {
		t.Errorf("victim = %s, want c (coldest, oldest-created tie-break)", victim.ID)
	}
}

func TestDecommissionTwiceProducesOneEvent(t *testing.T) {
	pool := testPool()
	eng, reg, _, _ := newTestEngine(t, pool)

	inst := seedInstance(t, reg, fleet.KindDynamic, fleet.StateIdle, time.Now())

	if err := eng.Decommission(context.Background(), inst, fleet.ReasonIdleTimeout); err != nil {
		t.Fatalf("first Decommission() error = %v", err)
	}
	if err := eng.Decommission(context.Background(), inst, fleet.ReasonIdleTimeout); err != nil {
		t.Fatalf("second Decommission() error = %v", err)
	}

	events, _ := reg.Events(pool.Repo, 10)
	if len(events) != 1 {
		t.Errorf("got %d scale-down events, want 1 (no duplicate on repeat destroy)", len(events))
	}
}

func TestCreateFailureLogsFailedEventAndRollsBack(t *testing.T) {
	pool := testPool()
	eng, reg, driver, _ := newTestEngine(t, pool)
	driver.createErr = fmt.Errorf("boom: %w", fleet.ErrResourceExhausted)

	seedInstance(t, reg, fleet.KindDedicated, fleet.StateBusy, time.Now())

	eng.Cycle(context.Background(), pool)

	if got := reg.DynamicCount(pool.Repo); got != 0 {
		t.Errorf("dynamic count = %d after failed create, want 0", got)
	}
	events, _ := reg.Events(pool.Repo, 10)
	if len(events) != 1 || !events[0].Failed {
		t.Fatalf("events = %+v, want one failed event", events)
	}

	// The failed attempt does not consume the cooldown window: the next
	// cycle retries.
	driver.createErr = nil
	eng.Cycle(context.Background(), pool)
	if got := reg.DynamicCount(pool.Repo); got != 1 {
		t.Errorf("dynamic count = %d after retry cycle, want 1", got)
	}
}

func TestEnsureDedicatedBootstrapsPool(t *testing.T) {
	pool := testPool()
	pool.DedicatedCount = 2
	eng, reg, driver, _ := newTestEngine(t, pool)

	if err := eng.EnsureDedicated(context.Background()); err != nil {
		t.Fatalf("EnsureDedicated() error = %v", err)
	}

	if len(driver.created) != 2 {
		t.Errorf("created %d units, want 2", len(driver.created))
	}

	instances, _ := reg.ListInstances(pool.Repo)
	dedicated := 0
	for _, inst := range instances {
		if inst.Kind == fleet.KindDedicated {
			dedicated++
		}
	}
	if dedicated != 2 {
		t.Errorf("dedicated count = %d, want 2", dedicated)
	}

	// Idempotent: a second call provisions nothing.
	if err := eng.EnsureDedicated(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(driver.created) != 2 {
		t.Errorf("second EnsureDedicated created more units")
	}
}

func TestRecreateReplacesInstance(t *testing.T) {
	pool := testPool()
	eng, reg, driver, api := newTestEngine(t, pool)

	inst := seedInstance(t, reg, fleet.KindDedicated, fleet.StateIdle, time.Now())

	if err := eng.Recreate(context.Background(), inst, fleet.ReasonRecovery); err != nil {
		t.Fatalf("Recreate() error = %v", err)
	}

	if len(driver.destroyed) != 1 || len(driver.created) != 1 {
		t.Fatalf("destroyed=%d created=%d, want 1 and 1", len(driver.destroyed), len(driver.created))
	}
	if len(api.removed) != 1 {
		t.Errorf("platform deregistrations = %d, want 1", len(api.removed))
	}

	instances, _ := reg.ListInstances(pool.Repo)
	if len(instances) != 1 || instances[0].Kind != fleet.KindDedicated {
		t.Fatalf("instances = %+v, want one dedicated replacement", instances)
	}
	if instances[0].ID == inst.ID {
		t.Error("replacement kept the old instance ID")
	}
}

func TestStuckDrainingRunnerFinishedWithResumeReason(t *testing.T) {
	pool := testPool()
	eng, reg, driver, _ := newTestEngine(t, pool)

	// A decommission that failed partway leaves the runner in draining
	// with its unit still alive.
	stuck := seedInstance(t, reg, fleet.KindDynamic, fleet.StateDraining, time.Now().Add(-time.Hour))

	eng.Cycle(context.Background(), pool)

	if len(driver.destroyed) != 1 {
		t.Fatalf("driver destroyed %d units, want 1", len(driver.destroyed))
	}
	if _, err := reg.GetInstance(stuck.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Errorf("stuck runner still registered after cycle: %v", err)
	}

	events, _ := reg.Events(pool.Repo, 10)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Action != fleet.ActionScaleDown || events[0].Reason != fleet.ReasonResume {
		t.Errorf("event = %s/%s, want %s/%s",
			events[0].Action, events[0].Reason, fleet.ActionScaleDown, fleet.ReasonResume)
	}
}
