package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// validBaseConfig returns defaults plus the settings that have no default.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Keys.ServerSecret = testSecret
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validBaseConfig().Validate())
}

func TestValidate_RequiresServerSecret(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keys.server_secret")
}

func TestValidate_FloorBudgetInvariant(t *testing.T) {
	cfg := validBaseConfig()
	require.NoError(t, cfg.Validate())

	// 3 x 3.5 Mbps fits 15 Mbps, 5 x 3.5 Mbps does not
	cfg.Floor.MaxConcurrentShares = 5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth_budget")
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown default tier", func(c *Config) { c.Floor.DefaultTier = "4k" }},
		{"fec group too small", func(c *Config) { c.FEC.GroupSize = 1 }},
		{"fec group too large", func(c *Config) { c.FEC.GroupSize = 17 }},
		{"jitter initial above max", func(c *Config) { c.Jitter.InitialDelay = time.Second }},
		{"bitrate start out of range", func(c *Config) { c.Bitrate.StartBitrate = 1000 }},
		{"bitrate inverted loss thresholds", func(c *Config) { c.Bitrate.LossThresholdLow = 0.5 }},
		{"bitrate decrease factor", func(c *Config) { c.Bitrate.DecreaseFactor = 1.2 }},
		{"grace window", func(c *Config) { c.Keys.GraceWindow = 0 }},
		{"datagram size", func(c *Config) { c.Relay.MaxDatagramSize = 10 }},
		{"permission retry", func(c *Config) { c.Relay.PermissionRetry = 0 }},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"udp rate limit", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.UDP.PacketsPerSecond = 0
		}},
		{"http max concurrent", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.MaxConcurrent = -1
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabledIgnoresZeroValues(t *testing.T) {
	cfg := validBaseConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.UDP.Burst = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yml := `
relay:
  address: ":9000"
keys:
  server_secret: "` + testSecret + `"
  grace_window: 15s
jitter:
  initial_delay: 60ms
  min_delay: 10ms
  max_delay: 200ms
  safety_factor: 2
  adaptation_rate: 0.15
  adaptation_interval: 1s
  late_threshold: 5
  late_window: 1s
  late_step: 20ms
  max_buffer_size: 32
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	chdir(t, dir)
	t.Setenv("TURN_URL", "turn.example.com:3478, relay.example.com:5349")
	t.Setenv("TURN_SECRET", "s3cret")
	t.Setenv("TURN_TTL", "600")
	t.Setenv("VOXRELAY_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Relay.Address)
	assert.Equal(t, 15*time.Second, cfg.Keys.GraceWindow)
	assert.Equal(t, 60*time.Millisecond, cfg.Jitter.InitialDelay)
	assert.Equal(t, 32, cfg.Jitter.MaxBufferSize)
	assert.Equal(t, []string{"turn.example.com:3478", "relay.example.com:5349"}, cfg.ICE.TurnURLs)
	assert.Equal(t, "s3cret", cfg.ICE.TurnSecret)
	assert.Equal(t, 10*time.Minute, cfg.ICE.CredentialTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.FEC.GroupSize)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RELAY_SERVER_SECRET", testSecret)

	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7878", cfg.Relay.Address)
	assert.Equal(t, 30*time.Minute, cfg.Keys.RotationInterval)
	assert.Equal(t, 5*time.Second, cfg.Relay.PermissionRetry)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("RELAY_SERVER_SECRET="+testSecret+"\nTURN_USER=relay-user\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("RELAY_SERVER_SECRET")
		os.Unsetenv("TURN_USER")
	})

	cfg, err := Load("missing.yaml")
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Keys.ServerSecret)
	assert.Equal(t, "relay-user", cfg.ICE.TurnUser)
}

func TestLoad_BadTurnTTL(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RELAY_SERVER_SECRET", testSecret)
	t.Setenv("TURN_TTL", "soon")

	_, err := Load("missing.yaml")
	assert.Error(t, err)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
