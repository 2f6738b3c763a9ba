package qoewatch

import (
	"github.com/hazyhaar/qoewatch/qoewatch/internal/config"
)

// Config is the top-level qoewatch configuration. Re-exported from internal.
type Config = config.Config

// SessionConfig controls the tick loop and snapshot cadence.
type SessionConfig = config.SessionConfig

// DetectorConfig sets the freeze thresholds.
type DetectorConfig = config.DetectorConfig

// FaultConfig controls synthetic freeze injection.
type FaultConfig = config.FaultConfig

// ProbeConfig controls the latency prober.
type ProbeConfig = config.ProbeConfig

// ExportConfig controls session export and its transport.
type ExportConfig = config.ExportConfig

// SinkConfig defines a live record backend.
type SinkConfig = config.SinkConfig

// Session modes.
const (
	ModeSession = config.ModeSession
	ModeLive    = config.ModeLive
)

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
