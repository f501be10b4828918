package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the hdsync configuration file
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Store    StoreConfig    `toml:"store"`
	Ledger   LedgerConfig   `toml:"ledger"`
	WebRTC   WebRTCConfig   `toml:"webrtc"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// IdentityConfig contains identity-related settings
type IdentityConfig struct {
	Name string `toml:"name"`
	// Account is the address chats are created for. Empty means the
	// device's own address.
	Account string `toml:"account"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend string `toml:"backend"` // sqlite, memory
	Dir     string `toml:"dir"`     // empty = Paths.DataDir
}

// LedgerConfig selects the signaling ledger.
type LedgerConfig struct {
	// URL is the websocket ledger gateway. Empty runs an in-process
	// ledger, which only reaches devices in the same process.
	URL          string   `toml:"url"`
	ConfirmDelay Duration `toml:"confirm_delay"`
}

// WebRTCConfig contains ICE settings
type WebRTCConfig struct {
	ICEServers []string `toml:"ice_servers"`
}

// SyncConfig holds the timing of signaling and sync cycles.
type SyncConfig struct {
	SignalDebounce Duration `toml:"signal_debounce"`
	WriteDebounce  Duration `toml:"write_debounce"`
	ReconcileDelay Duration `toml:"reconcile_delay"`
	FinishGrace    Duration `toml:"finish_grace"`
	PullTimeout    Duration `toml:"pull_timeout"`
	PingInterval   Duration `toml:"ping_interval"`
	PingHoldoff    Duration `toml:"ping_holdoff"`
	ParkLimit      int      `toml:"park_limit"` // bytes
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
	Audit  bool   `toml:"audit"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Ledger: LedgerConfig{
			ConfirmDelay: Duration{time.Second},
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Sync: SyncConfig{
			SignalDebounce: Duration{100 * time.Millisecond},
			WriteDebounce:  Duration{500 * time.Millisecond},
			ReconcileDelay: Duration{5 * time.Second},
			FinishGrace:    Duration{2 * time.Second},
			PullTimeout:    Duration{time.Minute},
			PingInterval:   Duration{2 * time.Minute},
			PingHoldoff:    Duration{10 * time.Second},
			ParkLimit:      4 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Audit:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	if c.Ledger.URL != "" {
		u, err := url.Parse(c.Ledger.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid ledger url: %s", c.Ledger.URL)
		}
	}
	if c.Ledger.ConfirmDelay.Duration < 0 {
		return fmt.Errorf("invalid ledger confirm delay: %s", c.Ledger.ConfirmDelay)
	}

	durations := map[string]Duration{
		"signal_debounce": c.Sync.SignalDebounce,
		"write_debounce":  c.Sync.WriteDebounce,
		"reconcile_delay": c.Sync.ReconcileDelay,
		"finish_grace":    c.Sync.FinishGrace,
		"pull_timeout":    c.Sync.PullTimeout,
		"ping_interval":   c.Sync.PingInterval,
		"ping_holdoff":    c.Sync.PingHoldoff,
	}
	for name, d := range durations {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid sync %s: %s", name, d)
		}
	}
	if c.Sync.ParkLimit < 0 {
		return fmt.Errorf("invalid sync park_limit: %d", c.Sync.ParkLimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics listen address: %s", c.Metrics.Listen)
		}
	}

	return nil
}
