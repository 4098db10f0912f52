package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"Rigger/internal/config"
	"Rigger/internal/fleet"
	"Rigger/internal/provider"
	"Rigger/internal/registry"
	"Rigger/internal/status"
)

type stubDriver struct{}

func (stubDriver) Name() string { return "stub" }

func (stubDriver) Create(context.Context, provider.Spec) (string, error) { return "unit-1", nil }

func (stubDriver) Destroy(context.Context, string) error { return nil }
func (stubDriver) List(context.Context, map[string]string) ([]provider.Unit, error) {
	return nil, nil
}
func (stubDriver) HealthCheck(context.Context) error { return nil }
func (stubDriver) Close() error                      { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(":memory:", status.NewBus(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	if err := reg.EnsurePool(fleet.Pool{
		Repo: "acme/widgets", DedicatedCount: 1, DynamicCeiling: 3,
		IdleTimeout: 5 * time.Minute, Cooldown: time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Server: config.ServerConfig{Address: "127.0.0.1", Port: 8080}}
	return New(cfg, reg, stubDriver{}, nil, testLogger()), reg
}

func seedRunner(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	now := time.Now()
	if _, err := reg.UpsertInstance(fleet.Instance{
		ID:        id,
		Name:      "runner-" + id,
		Repo:      "acme/widgets",
		Kind:      fleet.KindDynamic,
		State:     fleet.StateIdle,
		CreatedAt: now,
		Credential: fleet.Credential{
			Value: "tok", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestHandleRunnersKnownRepo(t *testing.T) {
	s, reg := newTestServer(t)
	seedRunner(t, reg, "y1")

	rec := httptest.NewRecorder()
	s.handleRunners(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runners?repo=acme/widgets", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Count   int              `json:"count"`
		Runners []fleet.Instance `json:"runners"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Runners) != 1 || body.Runners[0].ID != "y1" {
		t.Errorf("body = %+v, want the one seeded runner", body)
	}
}

func TestHandleRunnersUnknownRepoIs404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleRunners(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runners?repo=acme/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for an unknown repository", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	s.config.Server.EnableAuth = true
	s.config.Server.APIKey = "sekrit"

	handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "sekrit")
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d, want 200", rec.Code)
	}
}
