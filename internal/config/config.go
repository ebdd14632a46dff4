// Package config loads environment-based configuration. Every numeric
// cap the engine honors (cache size, backfill budget, reconnect bounds,
// flush window) lives here so tuning never means touching engine code.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for alertsync.
type Config struct {
	// Alert server host, e.g. "alerts.example.com".
	ServerHost string `env:"ALERTSYNC_SERVER_HOST"`

	// Bearer token for the transport handshake. May be empty when a
	// token from a previous session is cached in the state database.
	Token string `env:"ALERTSYNC_TOKEN"`

	// Device name this client identifies as. Defaults to the hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory for the state database. Defaults to ~/.alertsync.
	DataDir string `env:"ALERTSYNC_DATA_DIR"`

	// Optional YAML file with channels to subscribe on startup.
	ChannelsFile string `env:"ALERTSYNC_CHANNELS_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// CacheCap bounds the per-channel event cache.
	CacheCap int `env:"ALERTSYNC_CACHE_CAP" envDefault:"500"`

	// BackfillTimeout bounds one backfill request before retry.
	BackfillTimeout time.Duration `env:"ALERTSYNC_BACKFILL_TIMEOUT" envDefault:"10s"`

	// BackfillMaxAttempts caps retries per gap before the channel is
	// marked stale.
	BackfillMaxAttempts int `env:"ALERTSYNC_BACKFILL_MAX_ATTEMPTS" envDefault:"3"`

	// Reconnect backoff bounds for the transport.
	ReconnectMin time.Duration `env:"ALERTSYNC_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"ALERTSYNC_RECONNECT_MAX" envDefault:"30s"`

	// FlushInterval is the sync-state persistence debounce window.
	FlushInterval time.Duration `env:"ALERTSYNC_FLUSH_INTERVAL" envDefault:"2s"`
}

// Load reads configuration from environment variables. A .env file is
// loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "alertsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".alertsync")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("ALERTSYNC_SERVER_HOST is required")
	}

	if c.CacheCap <= 0 {
		return fmt.Errorf("ALERTSYNC_CACHE_CAP must be positive")
	}

	if c.BackfillMaxAttempts <= 0 {
		return fmt.Errorf("ALERTSYNC_BACKFILL_MAX_ATTEMPTS must be positive")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect bounds invalid: min %s, max %s", c.ReconnectMin, c.ReconnectMax)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// channelSeed is one entry of the bootstrap channels file.
type channelSeed struct {
	Area       string `yaml:"area"`
	EventType  string `yaml:"event_type"`
	AreaLabel  string `yaml:"area_label"`
	EventLabel string `yaml:"event_label"`
	Muted      bool   `yaml:"muted"`
	Pinned     bool   `yaml:"pinned"`
}

type channelsFile struct {
	Channels []channelSeed `yaml:"channels"`
}

// BootstrapChannels reads the optional channels file. Returns nil when
// no file is configured.
func (c *Config) BootstrapChannels() ([]alert.Channel, error) {
	if c.ChannelsFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.ChannelsFile)
	if err != nil {
		return nil, fmt.Errorf("reading channels file: %w", err)
	}

	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing channels file: %w", err)
	}

	channels := make([]alert.Channel, 0, len(f.Channels))
	for i, seed := range f.Channels {
		if seed.Area == "" || seed.EventType == "" {
			return nil, fmt.Errorf("channels file entry %d: area and event_type are required", i+1)
		}

		channels = append(channels, alert.Channel{
			Area:       seed.Area,
			EventType:  seed.EventType,
			AreaLabel:  seed.AreaLabel,
			EventLabel: seed.EventLabel,
			Muted:      seed.Muted,
			Pinned:     seed.Pinned,
		})
	}

	return channels, nil
}
