package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Address: "0.0.0.0", Port: 8080},
		Platform: PlatformConfig{
			BaseURL: "https://ci.example.com/api",
			Token:   "tok",
		},
		Provider: ProviderConfig{Type: "docker", Image: "runner:latest"},
		Scaling:  ScalingConfig{Interval: 30 * time.Second},
		Token:    TokenConfig{RefreshFraction: 0.75, MaxRetries: 3},
		Health:   HealthConfig{HeartbeatInterval: 30 * time.Second, MissThreshold: 2, RecoveryAttempts: 3},
		Store:    StoreConfig{Path: "/tmp/fleet.db"},
		Pools: []PoolConfig{
			{Repo: "acme/widgets", DedicatedCount: 1, DynamicCeiling: 3, ScaleUpThreshold: 1.0, IdleTimeout: 5 * time.Minute, Cooldown: time.Minute},
		},
		LogLevel: "info",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing platform token",
			mutate:  func(c *Config) { c.Platform.Token = "" },
			wantErr: true,
		},
		{
			name:    "missing platform base url",
			mutate:  func(c *Config) { c.Platform.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "no pools",
			mutate:  func(c *Config) { c.Pools = nil },
			wantErr: true,
		},
		{
			name: "duplicate pool",
			mutate: func(c *Config) {
				c.Pools = append(c.Pools, c.Pools[0])
			},
			wantErr: true,
		},
		{
			name:    "negative ceiling",
			mutate:  func(c *Config) { c.Pools[0].DynamicCeiling = -1 },
			wantErr: true,
		},
		{
			name:    "scale-up threshold above one",
			mutate:  func(c *Config) { c.Pools[0].ScaleUpThreshold = 1.2 },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider.Type = "podman" },
			wantErr: true,
		},
		{
			name:    "ec2 without ami",
			mutate:  func(c *Config) { c.Provider.Type = "ec2"; c.Provider.AWS.Region = "eu-west-1" },
			wantErr: true,
		},
		{
			name:    "refresh fraction out of range",
			mutate:  func(c *Config) { c.Token.RefreshFraction = 1.5 },
			wantErr: true,
		},
		{
			name:    "miss threshold too low to tolerate blips",
			mutate:  func(c *Config) { c.Health.MissThreshold = 1 },
			wantErr: true,
		},
		{
			name:    "auth enabled without key",
			mutate:  func(c *Config) { c.Server.EnableAuth = true },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	os.Clearenv()

	path := filepath.Join(t.TempDir(), "rigger.yaml")
	data := `
platform:
  base_url: https://ci.example.com/api
  token: file-token
provider:
  type: docker
store:
  path: /tmp/fleet-test.db
pools:
  - repo: acme/widgets
    dynamic_ceiling: 3
  - repo: acme/gadgets
    dedicated_count: 2
    idle_timeout: 10m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Pools) != 2 {
		t.Fatalf("got %d pools, want 2", len(cfg.Pools))
	}
	// Pool defaults fill unset fields.
	if cfg.Pools[0].DedicatedCount != 1 {
		t.Errorf("pools[0].DedicatedCount = %d, want default 1", cfg.Pools[0].DedicatedCount)
	}
	if cfg.Pools[0].IdleTimeout != 5*time.Minute {
		t.Errorf("pools[0].IdleTimeout = %v, want default 5m", cfg.Pools[0].IdleTimeout)
	}
	if cfg.Pools[0].ScaleUpThreshold != 1.0 {
		t.Errorf("pools[0].ScaleUpThreshold = %v, want default 1.0", cfg.Pools[0].ScaleUpThreshold)
	}
	if cfg.Pools[1].IdleTimeout != 10*time.Minute {
		t.Errorf("pools[1].IdleTimeout = %v, want 10m", cfg.Pools[1].IdleTimeout)
	}
	if cfg.Token.RefreshFraction != 0.75 {
		t.Errorf("token.RefreshFraction = %v, want default 0.75", cfg.Token.RefreshFraction)
	}
	if cfg.Health.MissThreshold != 2 {
		t.Errorf("health.MissThreshold = %d, want default 2", cfg.Health.MissThreshold)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	os.Clearenv()
	if _, err := Load(""); err == nil {
		t.Error("Load() with no platform credentials should fail")
	}
}
