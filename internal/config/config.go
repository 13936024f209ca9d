// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. WABRIDGE_PORT.
const EnvPrefix = "WABRIDGE"

// defaultDataDir returns the default directory for storing bridge data.
// Uses ~/.wabridge/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./store"
	}
	return filepath.Join(home, ".wabridge")
}

// Config holds all configuration for the delivery bridge.
type Config struct {
	// HTTP
	Port int `mapstructure:"port"`

	// Paths
	SessionPath  string `mapstructure:"session_path"`
	StorePath    string `mapstructure:"store_path"`
	SnapshotPath string `mapstructure:"snapshot_path"`

	// Webhook
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`

	// Reconnection
	ReconnectMaxRetries   int           `mapstructure:"reconnect_max_retries"`
	ReconnectBaseDelay    time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	MethodNotAllowedLimit int           `mapstructure:"method_not_allowed_limit"`

	// Pairing
	PairingAttempts    int           `mapstructure:"pairing_attempts"`
	PairingRetryDelay  time.Duration `mapstructure:"pairing_retry_delay"`
	PairingWaitTimeout time.Duration `mapstructure:"pairing_wait_timeout"`

	AutoConnect bool `mapstructure:"auto_connect"`
	QRTerminal  bool `mapstructure:"qr_terminal"`

	// Addressing
	DefaultCountryCode string `mapstructure:"default_country_code"`
	DefaultRegion      string `mapstructure:"default_region"`

	// Delivery pipeline (client side)
	BridgeURL               string        `mapstructure:"bridge_url"`
	SendTimeout             time.Duration `mapstructure:"send_timeout"`
	DocumentTimeout         time.Duration `mapstructure:"document_timeout"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `mapstructure:"breaker_success_threshold"`
	BreakerOpenDuration     time.Duration `mapstructure:"breaker_open_duration"`

	// Telemetry
	ErrorWindow time.Duration `mapstructure:"error_window"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Port:                    3001,
		SessionPath:             filepath.Join(dataDir, "whatsapp.db"),
		StorePath:               filepath.Join(dataDir, "ledger.db"),
		SnapshotPath:            filepath.Join(dataDir, "session.json"),
		WebhookTimeout:          8 * time.Second,
		ReconnectMaxRetries:     10,
		ReconnectBaseDelay:      2 * time.Second,
		ReconnectMaxDelay:       60 * time.Second,
		MethodNotAllowedLimit:   3,
		PairingAttempts:         3,
		PairingRetryDelay:       1200 * time.Millisecond,
		PairingWaitTimeout:      20 * time.Second,
		AutoConnect:             true,
		QRTerminal:              true,
		DefaultCountryCode:      "55",
		DefaultRegion:           "BR",
		BridgeURL:               "http://localhost:3001",
		SendTimeout:             10 * time.Second,
		DocumentTimeout:         15 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 1,
		BreakerOpenDuration:     30 * time.Second,
		ErrorWindow:             24 * time.Hour,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("port", d.Port)
	v.SetDefault("session_path", d.SessionPath)
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("snapshot_path", d.SnapshotPath)
	v.SetDefault("webhook_url", d.WebhookURL)
	v.SetDefault("webhook_secret", d.WebhookSecret)
	v.SetDefault("webhook_timeout", d.WebhookTimeout)
	v.SetDefault("reconnect_max_retries", d.ReconnectMaxRetries)
	v.SetDefault("reconnect_base_delay", d.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", d.ReconnectMaxDelay)
	v.SetDefault("method_not_allowed_limit", d.MethodNotAllowedLimit)
	v.SetDefault("pairing_attempts", d.PairingAttempts)
	v.SetDefault("pairing_retry_delay", d.PairingRetryDelay)
	v.SetDefault("pairing_wait_timeout", d.PairingWaitTimeout)
	v.SetDefault("auto_connect", d.AutoConnect)
	v.SetDefault("qr_terminal", d.QRTerminal)
	// Empty means derived from default_region.
	v.SetDefault("default_country_code", "")
	v.SetDefault("default_region", d.DefaultRegion)
	v.SetDefault("bridge_url", d.BridgeURL)
	v.SetDefault("send_timeout", d.SendTimeout)
	v.SetDefault("document_timeout", d.DocumentTimeout)
	v.SetDefault("breaker_failure_threshold", d.BreakerFailureThreshold)
	v.SetDefault("breaker_success_threshold", d.BreakerSuccessThreshold)
	v.SetDefault("breaker_open_duration", d.BreakerOpenDuration)
	v.SetDefault("error_window", d.ErrorWindow)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
//
// Flags are matched to keys by name with dashes read as underscores, so
// --log-level binds log_level. Only flags the user actually set override.
func LoadConfig(configPath string, flags ...*pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default file is fine; an unreadable explicit one is not.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for _, fs := range flags {
		if fs == nil {
			continue
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !isKnownKey(key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.DefaultRegion = strings.ToUpper(cfg.DefaultRegion)
	if cfg.DefaultCountryCode == "" {
		if cc := phonenumbers.GetCountryCodeForRegion(cfg.DefaultRegion); cc != 0 {
			cfg.DefaultCountryCode = strconv.Itoa(cc)
		}
	}
	cfg.BridgeURL = strings.TrimRight(cfg.BridgeURL, "/")

	return cfg, nil
}

var knownKeys = func() map[string]bool {
	v := viper.New()
	setDefaults(v)
	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}()

func isKnownKey(key string) bool {
	return knownKeys[key]
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"webhook timeout", c.WebhookTimeout},
		{"reconnect base delay", c.ReconnectBaseDelay},
		{"reconnect max delay", c.ReconnectMaxDelay},
		{"pairing retry delay", c.PairingRetryDelay},
		{"pairing wait timeout", c.PairingWaitTimeout},
		{"send timeout", c.SendTimeout},
		{"document timeout", c.DocumentTimeout},
		{"breaker open duration", c.BreakerOpenDuration},
		{"error window", c.ErrorWindow},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay must be less than or equal to max delay")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}

	if c.MethodNotAllowedLimit < 0 {
		return fmt.Errorf("method not allowed limit must be non-negative")
	}

	if c.PairingAttempts < 1 {
		return fmt.Errorf("pairing attempts must be at least 1")
	}

	if c.BreakerFailureThreshold < 1 || c.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be at least 1")
	}

	regionCode := phonenumbers.GetCountryCodeForRegion(c.DefaultRegion)
	if regionCode == 0 {
		return fmt.Errorf("unknown default region: %q", c.DefaultRegion)
	}

	if c.DefaultCountryCode == "" || strings.Trim(c.DefaultCountryCode, "0123456789") != "" {
		return fmt.Errorf("default country code must be digits: %q", c.DefaultCountryCode)
	}

	if c.DefaultCountryCode != strconv.Itoa(regionCode) {
		return fmt.Errorf("default country code %s does not match default region %s (+%d)",
			c.DefaultCountryCode, c.DefaultRegion, regionCode)
	}

	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
