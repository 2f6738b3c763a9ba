// Package config handles qoewatch configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session modes.
const (
	ModeSession = "session"
	ModeLive    = "live"
)

// Config is the top-level qoewatch configuration.
type Config struct {
	Session       SessionConfig       `yaml:"session"`
	Detector      DetectorConfig      `yaml:"detector"`
	Fault         FaultConfig         `yaml:"fault"`
	Probe         ProbeConfig         `yaml:"probe"`
	Export        ExportConfig        `yaml:"export"`
	Sinks         []SinkConfig        `yaml:"sinks"`
	Observability ObservabilityConfig `yaml:"observability"`
	Device        DeviceConfig        `yaml:"device"`
	Video         VideoConfig         `yaml:"video"`
}

// SessionConfig controls the tick loop and snapshot cadence.
type SessionConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	Mode             string        `yaml:"mode"` // session | live
	LiveExport       bool          `yaml:"live_export"`
}

// DetectorConfig sets the freeze thresholds.
type DetectorConfig struct {
	StallThreshold time.Duration `yaml:"stall_threshold"`
	WarnThreshold  time.Duration `yaml:"warn_threshold"`
}

// FaultConfig controls synthetic freeze injection.
type FaultConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
	MaxEpisodes int           `yaml:"max_episodes"` // 0: unlimited
	Seed        uint64        `yaml:"seed"`
}

// IsEnabled reports whether injection is on (default true).
func (f FaultConfig) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

// ProbeConfig controls the latency prober.
type ProbeConfig struct {
	URL      string        `yaml:"url"`      // default: video.url
	Interval time.Duration `yaml:"interval"` // 0: once at start
	Timeout  time.Duration `yaml:"timeout"`
}

// ExportConfig controls session export and its transport.
type ExportConfig struct {
	CollectorURL     string        `yaml:"collector_url"`
	SessionURL       string        `yaml:"session_url"` // default: collector_url
	Method           string        `yaml:"method"`      // POST | PUT
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	OutboxPath       string        `yaml:"outbox_path"`
	CSVPath          string        `yaml:"csv_path"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// SinkConfig defines a live record backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`  // for webhook
}

// ObservabilityConfig locates the metrics/event database. Empty disables.
type ObservabilityConfig struct {
	DBPath string `yaml:"db_path"`
}

// DeviceConfig describes the simulated headset.
type DeviceConfig struct {
	Name            string  `yaml:"name"`
	Model           string  `yaml:"model"`
	EyeWidth        int     `yaml:"eye_width"`
	EyeHeight       int     `yaml:"eye_height"`
	FOV             float64 `yaml:"fov"`
	TargetFramerate int     `yaml:"target_framerate"`
}

// VideoConfig describes the simulated video.
type VideoConfig struct {
	URL          string        `yaml:"url"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	Length       float64       `yaml:"length"` // seconds
	FrameRate    float64       `yaml:"frame_rate"`
	StartupDelay time.Duration `yaml:"startup_delay"`
	Stalls       []StallConfig `yaml:"stalls"`
}

// StallConfig is a scripted network stall.
type StallConfig struct {
	At       float64       `yaml:"at"` // video seconds
	Duration time.Duration `yaml:"duration"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Session.TickInterval <= 0 {
		c.Session.TickInterval = 20 * time.Millisecond
	}
	c.Session.Mode = strings.ToLower(c.Session.Mode)
	if c.Session.Mode == "" {
		c.Session.Mode = ModeSession
	}
	if c.Session.SnapshotInterval <= 0 {
		c.Session.SnapshotInterval = time.Second
		if c.Session.Mode == ModeLive {
			c.Session.SnapshotInterval = 3 * time.Second
		}
	}
	if c.Session.Mode == ModeLive {
		c.Session.LiveExport = true
	}

	if c.Detector.StallThreshold <= 0 {
		c.Detector.StallThreshold = 500 * time.Millisecond
	}
	if c.Detector.WarnThreshold <= 0 {
		c.Detector.WarnThreshold = 2 * time.Second
	}

	if c.Fault.MinInterval <= 0 {
		c.Fault.MinInterval = 5 * time.Second
	}
	if c.Fault.MaxInterval <= 0 {
		c.Fault.MaxInterval = 15 * time.Second
	}
	if c.Fault.MinDuration <= 0 {
		c.Fault.MinDuration = 2 * time.Second
	}
	if c.Fault.MaxDuration <= 0 {
		c.Fault.MaxDuration = 4 * time.Second
	}

	if c.Probe.URL == "" {
		c.Probe.URL = c.Video.URL
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 10 * time.Second
	}

	c.Export.Method = strings.ToUpper(c.Export.Method)
	if c.Export.Method == "" {
		c.Export.Method = "POST"
	}
	if c.Export.Timeout <= 0 {
		c.Export.Timeout = 10 * time.Second
	}
	if c.Export.SessionURL == "" {
		c.Export.SessionURL = c.Export.CollectorURL
	}
	if c.Export.OutboxPath == "" {
		c.Export.OutboxPath = "qoe_outbox.db"
	}
	if c.Export.BreakerThreshold == 0 {
		c.Export.BreakerThreshold = 5
	}
	if c.Export.BreakerReset <= 0 {
		c.Export.BreakerReset = 30 * time.Second
	}

	if c.Device.Name == "" {
		c.Device.Name = "simulated-headset"
	}
	if c.Device.EyeWidth <= 0 || c.Device.EyeHeight <= 0 {
		c.Device.EyeWidth, c.Device.EyeHeight = 1832, 1920
	}
	if c.Device.FOV <= 0 {
		c.Device.FOV = 90
	}
	if c.Device.TargetFramerate <= 0 {
		c.Device.TargetFramerate = 72
	}

	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		c.Video.Width, c.Video.Height = 1920, 1080
	}
	if c.Video.FrameRate <= 0 {
		c.Video.FrameRate = 30
	}
	if c.Video.Length <= 0 {
		c.Video.Length = 60
	}

	for i := range c.Sinks {
		c.Sinks[i].Type = strings.ToLower(c.Sinks[i].Type)
	}
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	switch c.Session.Mode {
	case ModeSession, ModeLive:
	default:
		return fmt.Errorf("config: session.mode %q: want session or live", c.Session.Mode)
	}
	switch c.Export.Method {
	case "POST", "PUT":
	default:
		return fmt.Errorf("config: export.method %q: want POST or PUT", c.Export.Method)
	}
	if c.Detector.WarnThreshold < c.Detector.StallThreshold {
		return fmt.Errorf("config: detector.warn_threshold %v below stall_threshold %v",
			c.Detector.WarnThreshold, c.Detector.StallThreshold)
	}
	if c.Fault.MaxInterval < c.Fault.MinInterval {
		return fmt.Errorf("config: fault.max_interval %v below min_interval %v", c.Fault.MaxInterval, c.Fault.MinInterval)
	}
	if c.Fault.MaxEpisodes < 0 {
		return fmt.Errorf("config: fault.max_episodes %d is negative", c.Fault.MaxEpisodes)
	}
	if c.Fault.MaxDuration < c.Fault.MinDuration {
		return fmt.Errorf("config: fault.max_duration %v below min_duration %v", c.Fault.MaxDuration, c.Fault.MinDuration)
	}
	if c.Export.Retries < 0 {
		return fmt.Errorf("config: export.retries must be >= 0")
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook requires url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}
