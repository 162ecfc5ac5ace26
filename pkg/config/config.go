package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"voxrelay/pkg/jitter"
	"voxrelay/pkg/tracing"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Address              string        `yaml:"address"`
		MaxDatagramSize      int           `yaml:"max_datagram_size"`
		ReadBufferBytes      int           `yaml:"read_buffer_bytes"`
		SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout"`
		HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
		StreamInboxSize      int           `yaml:"stream_inbox_size"`
		PlayoutTick          time.Duration `yaml:"playout_tick"`
		PermissionRetry      time.Duration `yaml:"permission_retry"`
	} `yaml:"relay"`

	Keys struct {
		ServerSecret     string        `yaml:"server_secret"`
		GraceWindow      time.Duration `yaml:"grace_window"`
		RotationInterval time.Duration `yaml:"rotation_interval"`
	} `yaml:"keys"`

	FEC struct {
		GroupSize        int           `yaml:"group_size"`
		MaxPendingGroups int           `yaml:"max_pending_groups"`
		GroupTimeout     time.Duration `yaml:"group_timeout"`
	} `yaml:"fec"`

	Jitter jitter.Config `yaml:"jitter"`

	Bitrate struct {
		AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
		LossThresholdHigh  float64       `yaml:"loss_threshold_high"`
		LossThresholdLow   float64       `yaml:"loss_threshold_low"`
		RTTThresholdHigh   time.Duration `yaml:"rtt_threshold_high"`
		RTTComfortable     time.Duration `yaml:"rtt_comfortable"`
		DecreaseFactor     float64       `yaml:"decrease_factor"`
		IncreaseFactor     float64       `yaml:"increase_factor"`
		MinBitrate         int           `yaml:"min_bitrate"`
		MaxBitrate         int           `yaml:"max_bitrate"`
		StartBitrate       int           `yaml:"start_bitrate"`
		DirectiveQueueSize int           `yaml:"directive_queue_size"`
	} `yaml:"bitrate"`

	Floor struct {
		MaxConcurrentShares int              `yaml:"max_concurrent_shares"`
		BandwidthBudget     int64            `yaml:"bandwidth_budget"`
		DefaultTier         string           `yaml:"default_tier"`
		MaxShareDuration    time.Duration    `yaml:"max_share_duration"`
		RequestTimeout      time.Duration    `yaml:"request_timeout"`
		Tiers               map[string]int64 `yaml:"tiers"`
	} `yaml:"floor"`

	ICE struct {
		TurnURLs      []string      `yaml:"turn_urls"`
		TurnSecret    string        `yaml:"turn_secret"`
		TurnUser      string        `yaml:"turn_user"`
		TurnPassword  string        `yaml:"turn_password"`
		CredentialTTL time.Duration `yaml:"credential_ttl"`
	} `yaml:"ice"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		UDP struct {
			PacketsPerSecond float64 `yaml:"packets_per_second"`
			Burst            int     `yaml:"burst"`
		} `yaml:"udp"`
	} `yaml:"rate_limiting"`
}

// Load reads the YAML file at configPath (defaults when it does not exist),
// then .env, then environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads ./.env when present. Variables already set in the
// process environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Address = ":7878"
	cfg.Relay.MaxDatagramSize = 1500
	cfg.Relay.ReadBufferBytes = 4 << 20
	cfg.Relay.SessionIdleTimeout = 30 * time.Second
	cfg.Relay.HousekeepingInterval = time.Second
	cfg.Relay.StreamInboxSize = 256
	cfg.Relay.PlayoutTick = 5 * time.Millisecond
	cfg.Relay.PermissionRetry = 5 * time.Second

	cfg.Keys.GraceWindow = 10 * time.Second
	cfg.Keys.RotationInterval = 30 * time.Minute

	cfg.FEC.GroupSize = 3
	cfg.FEC.MaxPendingGroups = 16
	cfg.FEC.GroupTimeout = 500 * time.Millisecond

	cfg.Jitter = jitter.DefaultConfig()

	cfg.Bitrate.AdjustmentInterval = 5 * time.Second
	cfg.Bitrate.LossThresholdHigh = 0.10
	cfg.Bitrate.LossThresholdLow = 0.02
	cfg.Bitrate.RTTThresholdHigh = 200 * time.Millisecond
	cfg.Bitrate.RTTComfortable = 100 * time.Millisecond
	cfg.Bitrate.DecreaseFactor = 0.8
	cfg.Bitrate.IncreaseFactor = 1.1
	cfg.Bitrate.MinBitrate = 16000
	cfg.Bitrate.MaxBitrate = 128000
	cfg.Bitrate.StartBitrate = 64000
	cfg.Bitrate.DirectiveQueueSize = 64

	cfg.Floor.MaxConcurrentShares = 3
	cfg.Floor.BandwidthBudget = 15_000_000
	cfg.Floor.DefaultTier = "1080p30"
	cfg.Floor.MaxShareDuration = 4 * time.Hour
	cfg.Floor.RequestTimeout = 30 * time.Second
	cfg.Floor.Tiers = map[string]int64{
		"1080p60": 5_000_000,
		"1080p30": 3_500_000,
		"720p60":  2_500_000,
		"720p30":  1_500_000,
		"480p30":  800_000,
	}

	cfg.ICE.CredentialTTL = 24 * time.Hour

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.UDP.PacketsPerSecond = 2000
	cfg.RateLimiting.UDP.Burst = 4000

	return cfg
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.MaxDatagramSize < 64 || c.Relay.MaxDatagramSize > 65535 {
		return fmt.Errorf("relay.max_datagram_size must be in [64, 65535]")
	}
	if c.Relay.SessionIdleTimeout <= 0 {
		return fmt.Errorf("relay.session_idle_timeout must be > 0")
	}
	if c.Relay.HousekeepingInterval <= 0 {
		return fmt.Errorf("relay.housekeeping_interval must be > 0")
	}
	if c.Relay.StreamInboxSize <= 0 {
		return fmt.Errorf("relay.stream_inbox_size must be > 0")
	}
	if c.Relay.PlayoutTick <= 0 {
		return fmt.Errorf("relay.playout_tick must be > 0")
	}
	if c.Relay.PermissionRetry <= 0 {
		return fmt.Errorf("relay.permission_retry must be > 0")
	}

	if len(c.Keys.ServerSecret) < 32 {
		return fmt.Errorf("keys.server_secret must be at least 32 bytes")
	}
	if c.Keys.GraceWindow <= 0 {
		return fmt.Errorf("keys.grace_window must be > 0")
	}
	if c.Keys.RotationInterval < 0 {
		return fmt.Errorf("keys.rotation_interval must be >= 0")
	}

	if c.FEC.GroupSize < 2 || c.FEC.GroupSize > 16 {
		return fmt.Errorf("fec.group_size must be in [2, 16]")
	}
	if c.FEC.MaxPendingGroups <= 0 || c.FEC.GroupTimeout <= 0 {
		return fmt.Errorf("fec.max_pending_groups and fec.group_timeout must be > 0")
	}

	if err := c.Jitter.Validate(); err != nil {
		return fmt.Errorf("jitter: %w", err)
	}

	b := c.Bitrate
	if b.AdjustmentInterval <= 0 {
		return fmt.Errorf("bitrate.adjustment_interval must be > 0")
	}
	if b.LossThresholdLow < 0 || b.LossThresholdHigh > 1 || b.LossThresholdLow >= b.LossThresholdHigh {
		return fmt.Errorf("bitrate loss thresholds must satisfy 0 <= low < high <= 1")
	}
	if b.RTTComfortable <= 0 || b.RTTComfortable >= b.RTTThresholdHigh {
		return fmt.Errorf("bitrate.rtt_comfortable must be > 0 and below rtt_threshold_high")
	}
	if b.DecreaseFactor <= 0 || b.DecreaseFactor >= 1 {
		return fmt.Errorf("bitrate.decrease_factor must be in (0, 1)")
	}
	if b.IncreaseFactor <= 1 {
		return fmt.Errorf("bitrate.increase_factor must be > 1")
	}
	if b.MinBitrate <= 0 || b.MaxBitrate < b.MinBitrate {
		return fmt.Errorf("bitrate bounds must satisfy 0 < min <= max")
	}
	if b.StartBitrate < b.MinBitrate || b.StartBitrate > b.MaxBitrate {
		return fmt.Errorf("bitrate.start_bitrate must be within [min_bitrate, max_bitrate]")
	}
	if b.DirectiveQueueSize <= 0 {
		return fmt.Errorf("bitrate.directive_queue_size must be > 0")
	}

	f := c.Floor
	if f.MaxConcurrentShares <= 0 || f.BandwidthBudget <= 0 {
		return fmt.Errorf("floor.max_concurrent_shares and floor.bandwidth_budget must be > 0")
	}
	if f.MaxShareDuration <= 0 || f.RequestTimeout <= 0 {
		return fmt.Errorf("floor.max_share_duration and floor.request_timeout must be > 0")
	}
	base, ok := f.Tiers[f.DefaultTier]
	if !ok {
		return fmt.Errorf("floor.default_tier %q is not a configured tier", f.DefaultTier)
	}
	for tier, bps := range f.Tiers {
		if bps <= 0 {
			return fmt.Errorf("floor.tiers.%s must be > 0", tier)
		}
	}
	if int64(f.MaxConcurrentShares)*base > f.BandwidthBudget {
		return fmt.Errorf("floor: %d shares of %s (%d bps) exceed bandwidth_budget %d",
			f.MaxConcurrentShares, f.DefaultTier, base, f.BandwidthBudget)
	}

	if c.ICE.CredentialTTL <= 0 {
		return fmt.Errorf("ice.credential_ttl must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http rate and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
		if c.RateLimiting.UDP.PacketsPerSecond <= 0 || c.RateLimiting.UDP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.udp rate and burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("VOXRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("VOXRELAY_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if level := os.Getenv("VOXRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOXRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("VOXRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if secret := os.Getenv("RELAY_SERVER_SECRET"); secret != "" {
		c.Keys.ServerSecret = secret
	}

	if urls := os.Getenv("TURN_URL"); urls != "" {
		c.ICE.TurnURLs = splitList(urls)
	}
	if secret := os.Getenv("TURN_SECRET"); secret != "" {
		c.ICE.TurnSecret = secret
	}
	if user := os.Getenv("TURN_USER"); user != "" {
		c.ICE.TurnUser = user
	}
	if pass := os.Getenv("TURN_PASS"); pass != "" {
		c.ICE.TurnPassword = pass
	}
	if ttl := os.Getenv("TURN_TTL"); ttl != "" {
		secs, err := strconv.Atoi(ttl)
		if err != nil || secs <= 0 {
			return fmt.Errorf("TURN_TTL must be a positive number of seconds, got %q", ttl)
		}
		c.ICE.CredentialTTL = time.Duration(secs) * time.Second
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
