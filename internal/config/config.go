package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Platform       PlatformConfig       `mapstructure:"platform"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	Scaling        ScalingConfig        `mapstructure:"scaling"`
	Token          TokenConfig          `mapstructure:"token"`
	Health         HealthConfig         `mapstructure:"health"`
	Router         RouterConfig         `mapstructure:"router"`
	Store          StoreConfig          `mapstructure:"store"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Pools          []PoolConfig         `mapstructure:"pools"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type PlatformConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ProviderConfig struct {
	Type   string       `mapstructure:"type"`
	Image  string       `mapstructure:"image"`
	Docker DockerConfig `mapstructure:"docker"`
	AWS    AWSConfig    `mapstructure:"aws"`
}

type DockerConfig struct {
	Host          string            `mapstructure:"host"`
	RunnerWorkDir string            `mapstructure:"runner_work_dir"`
	Network       string            `mapstructure:"network"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	MemoryLimit   int64             `mapstructure:"memory_limit"`
	Labels        map[string]string `mapstructure:"labels"`
	Volumes       []string          `mapstructure:"volumes"`
	PullPolicy    string            `mapstructure:"pull_policy"`
	StopTimeout   time.Duration     `mapstructure:"stop_timeout"`
}

type AWSConfig struct {
	Region             string            `mapstructure:"region"`
	InstanceType       string            `mapstructure:"instance_type"`
	AMI                string            `mapstructure:"ami"`
	SubnetID           string            `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	KeyName            string            `mapstructure:"key_name"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	UseSpot            bool              `mapstructure:"use_spot"`
	SpotMaxPrice       string            `mapstructure:"spot_max_price"`
	Tags               map[string]string `mapstructure:"tags"`
	UserDataScript     string            `mapstructure:"user_data_script"`
	VolumeSize         int32             `mapstructure:"volume_size"`
	VolumeType         string            `mapstructure:"volume_type"`
}

type ScalingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TokenConfig struct {
	RefreshFraction float64       `mapstructure:"refresh_fraction"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
}

type HealthConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissThreshold     int           `mapstructure:"miss_threshold"`
	RecoveryAttempts  int           `mapstructure:"recovery_attempts"`
}

type RouterConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LeaderElectionConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	LockFilePath string        `mapstructure:"lock_file_path"`
	RetryPeriod  time.Duration `mapstructure:"retry_period"`
}

// PoolConfig is the per-repository scaling surface.
type PoolConfig struct {
	Repo             string        `mapstructure:"repo"`
	DedicatedCount   int           `mapstructure:"dedicated_count"`
	DynamicCeiling   int           `mapstructure:"dynamic_ceiling"`
	ScaleUpThreshold float64       `mapstructure:"scale_up_threshold"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	Labels           []string      `mapstructure:"labels"`
	BlockedKinds     []string      `mapstructure:"blocked_kinds"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RIGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyPoolDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)

	// Platform defaults
	v.SetDefault("platform.request_timeout", 30*time.Second)

	// Provider defaults
	v.SetDefault("provider.type", "docker")
	v.SetDefault("provider.image", "myoung34/github-runner:latest")
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.runner_work_dir", "/runner/_work")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "always")
	v.SetDefault("provider.docker.stop_timeout", 30*time.Second)
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.instance_type", "t3.medium")
	v.SetDefault("provider.aws.use_spot", true)
	v.SetDefault("provider.aws.volume_size", 30)
	v.SetDefault("provider.aws.volume_type", "gp3")

	// Scaling defaults
	v.SetDefault("scaling.interval", 30*time.Second)

	// Token defaults
	v.SetDefault("token.refresh_fraction", 0.75)
	v.SetDefault("token.max_retries", 3)
	v.SetDefault("token.backoff_base", 1*time.Second)

	// Health defaults
	v.SetDefault("health.heartbeat_interval", 30*time.Second)
	v.SetDefault("health.miss_threshold", 2)
	v.SetDefault("health.recovery_attempts", 3)

	// Router defaults
	v.SetDefault("router.drain_interval", 10*time.Second)

	// Store defaults
	v.SetDefault("store.path", "/var/lib/rigger/fleet.db")

	// Leader election defaults
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/rigger-leader.lock")
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	v.SetDefault("log_level", "info")
}

// applyPoolDefaults fills per-pool zero values with sane defaults so a pool
// entry only needs its repo.
func applyPoolDefaults(cfg *Config) {
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.DedicatedCount == 0 {
			p.DedicatedCount = 1
		}
		if p.DynamicCeiling == 0 {
			p.DynamicCeiling = 5
		}
		if p.ScaleUpThreshold == 0 {
			p.ScaleUpThreshold = 1.0
		}
		if p.IdleTimeout == 0 {
			p.IdleTimeout = 5 * time.Minute
		}
		if p.Cooldown == 0 {
			p.Cooldown = time.Minute
		}
	}
}

func (c *Config) Validate() error {
	// Platform validation
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Platform.Token == "" {
		return fmt.Errorf("platform.token is required")
	}

	// Pool validation
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Repo == "" {
			return fmt.Errorf("pools[].repo is required")
		}
		if seen[p.Repo] {
			return fmt.Errorf("pool %s configured twice", p.Repo)
		}
		seen[p.Repo] = true
		if p.DedicatedCount < 0 {
			return fmt.Errorf("pool %s: dedicated_count must be >= 0", p.Repo)
		}
		if p.DynamicCeiling < 0 {
			return fmt.Errorf("pool %s: dynamic_ceiling must be >= 0", p.Repo)
		}
		if p.ScaleUpThreshold <= 0 || p.ScaleUpThreshold > 1 {
			return fmt.Errorf("pool %s: scale_up_threshold must be in (0, 1]", p.Repo)
		}
		if p.IdleTimeout <= 0 {
			return fmt.Errorf("pool %s: idle_timeout must be > 0", p.Repo)
		}
		if p.Cooldown < 0 {
			return fmt.Errorf("pool %s: cooldown must be >= 0", p.Repo)
		}
	}

	// Provider validation
	if c.Provider.Type != "docker" && c.Provider.Type != "ec2" {
		return fmt.Errorf("provider.type must be either 'docker' or 'ec2'")
	}
	if c.Provider.Image == "" {
		return fmt.Errorf("provider.image is required")
	}
	if c.Provider.Type == "ec2" {
		if c.Provider.AWS.Region == "" {
			return fmt.Errorf("provider.aws.region is required when using ec2 provider")
		}
		if c.Provider.AWS.AMI == "" {
			return fmt.Errorf("provider.aws.ami is required when using ec2 provider")
		}
		if c.Provider.AWS.SubnetID == "" {
			return fmt.Errorf("provider.aws.subnet_id is required when using ec2 provider")
		}
		if len(c.Provider.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("provider.aws.security_group_ids is required when using ec2 provider")
		}
	}

	// Scaling validation
	if c.Scaling.Interval <= 0 {
		return fmt.Errorf("scaling.interval must be > 0")
	}

	// Token validation
	if c.Token.RefreshFraction <= 0 || c.Token.RefreshFraction >= 1 {
		return fmt.Errorf("token.refresh_fraction must be in (0, 1)")
	}
	if c.Token.MaxRetries < 0 {
		return fmt.Errorf("token.max_retries must be >= 0")
	}

	// Health validation
	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("health.heartbeat_interval must be > 0")
	}
	if c.Health.MissThreshold < 2 {
		return fmt.Errorf("health.miss_threshold must be >= 2")
	}
	if c.Health.RecoveryAttempts < 1 {
		return fmt.Errorf("health.recovery_attempts must be >= 1")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	// Store validation
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	// Leader election validation
	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.RetryPeriod <= 0 {
			return fmt.Errorf("leader_election.retry_period must be > 0")
		}
	}

	return nil
}
