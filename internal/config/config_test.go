package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	home, _ := os.UserHomeDir()
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, filepath.Join(home, ".wabridge", "whatsapp.db"), cfg.SessionPath)
	assert.Equal(t, filepath.Join(home, ".wabridge", "ledger.db"), cfg.StorePath)
	assert.Equal(t, filepath.Join(home, ".wabridge", "session.json"), cfg.SnapshotPath)
	assert.Equal(t, 8*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 10, cfg.ReconnectMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 3, cfg.MethodNotAllowedLimit)
	assert.Equal(t, 3, cfg.PairingAttempts)
	assert.Equal(t, 1200*time.Millisecond, cfg.PairingRetryDelay)
	assert.Equal(t, 15*time.Second, cfg.DocumentTimeout)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenDuration)
	assert.Equal(t, 24*time.Hour, cfg.ErrorWindow)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
port: 4000
session_path: /custom/session.db
store_path: /custom/ledger.db
webhook_url: https://backend.example/hooks/whatsapp
webhook_secret: s3cret
reconnect_max_retries: 5
reconnect_base_delay: 1s
reconnect_max_delay: 10m
method_not_allowed_limit: 1
default_region: us
bridge_url: http://bridge:3001/
log_level: debug
log_format: console
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "/custom/session.db", cfg.SessionPath)
	assert.Equal(t, "/custom/ledger.db", cfg.StorePath)
	assert.Equal(t, "https://backend.example/hooks/whatsapp", cfg.WebhookURL)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)
	assert.Equal(t, 5, cfg.ReconnectMaxRetries)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.ReconnectMaxDelay)
	assert.Equal(t, 1, cfg.MethodNotAllowedLimit)
	assert.Equal(t, "US", cfg.DefaultRegion)
	assert.Equal(t, "http://bridge:3001", cfg.BridgeURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)

	// Untouched keys keep their defaults, and the country code follows the region.
	assert.Equal(t, 8*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, "1", cfg.DefaultCountryCode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_CountryCodeFollowsRegion(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode string
		wantErr  string
	}{
		{name: "defaults", content: "", wantCode: "55"},
		{name: "region only", content: "default_region: sg\n", wantCode: "65"},
		{name: "matching pair", content: "default_region: US\ndefault_country_code: \"1\"\n", wantCode: "1"},
		{name: "mismatched pair", content: "default_region: US\ndefault_country_code: \"55\"\n", wantCode: "55", wantErr: "does not match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.content), 0644))

			cfg, err := LoadConfig(configPath)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, cfg.DefaultCountryCode)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("log_level: info\nport: 3001\n"), 0644)
	require.NoError(t, err)

	t.Setenv("WABRIDGE_LOG_LEVEL", "warn")
	t.Setenv("WABRIDGE_PORT", "3999")
	t.Setenv("WABRIDGE_BREAKER_OPEN_DURATION", "45s")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3999, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.BreakerOpenDuration)
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("WABRIDGE_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.Int("port", 3001, "")
	fs.Bool("verbose", false, "")
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	cfg, err := LoadConfig("", fs)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3001, cfg.Port)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Port)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "invalid log level"},
		{name: "bad log format", modify: func(c *Config) { c.LogFormat = "text" }, wantErr: "invalid log format"},
		{name: "port zero", modify: func(c *Config) { c.Port = 0 }, wantErr: "invalid port"},
		{name: "port too high", modify: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "zero base delay", modify: func(c *Config) { c.ReconnectBaseDelay = 0 }, wantErr: "reconnect base delay must be positive"},
		{name: "base above max", modify: func(c *Config) { c.ReconnectBaseDelay = 2 * time.Minute }, wantErr: "less than or equal"},
		{name: "negative retries", modify: func(c *Config) { c.ReconnectMaxRetries = -1 }, wantErr: "max retries"},
		{name: "negative 405 limit", modify: func(c *Config) { c.MethodNotAllowedLimit = -1 }, wantErr: "method not allowed"},
		{name: "no pairing attempts", modify: func(c *Config) { c.PairingAttempts = 0 }, wantErr: "pairing attempts"},
		{name: "breaker threshold", modify: func(c *Config) { c.BreakerFailureThreshold = 0 }, wantErr: "breaker thresholds"},
		{name: "unknown region", modify: func(c *Config) { c.DefaultRegion = "ZZ" }, wantErr: "unknown default region"},
		{name: "country code with plus", modify: func(c *Config) { c.DefaultCountryCode = "+55" }, wantErr: "country code"},
		{name: "country code of another region", modify: func(c *Config) { c.DefaultCountryCode = "1" }, wantErr: "does not match default region BR"},
		{name: "zero webhook timeout", modify: func(c *Config) { c.WebhookTimeout = 0 }, wantErr: "webhook timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 8081
	assert.Equal(t, ":8081", cfg.ListenAddr())
}
