// Package config loads the simulator configuration from a YAML file, with
// sensible defaults when no file is given.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SRAM configures the optional on-chip scratch pool.
type SRAM struct {
	Enabled bool   `yaml:"enabled"`
	Base    uint64 `yaml:"base"`
	Size    int    `yaml:"size"`
}

// Config is the simulator configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	SRAM        SRAM `yaml:"sram"`
	Translation bool `yaml:"translation"`

	WatchdogTimeoutMS  int `yaml:"watchdog_timeout_ms"`
	AutosuspendDelayMS int `yaml:"autosuspend_delay_ms"`
	EngineLatencyMS    int `yaml:"engine_latency_ms"`
}

// Default returns the configuration used when no file is supplied: SRAM and
// translation on, a 2 s watchdog and a 100 ms autosuspend delay.
func Default() Config {
	return Config{
		LogLevel: "info",
		SRAM: SRAM{
			Enabled: true,
			Base:    0xfe7c0000,
			Size:    1 << 20,
		},
		Translation:        true,
		WatchdogTimeoutMS:  2000,
		AutosuspendDelayMS: 100,
		EngineLatencyMS:    2,
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SRAM.Enabled && c.SRAM.Size <= 0 {
		return fmt.Errorf("config: sram size %d must be positive", c.SRAM.Size)
	}
	if c.WatchdogTimeoutMS < 0 || c.AutosuspendDelayMS < 0 || c.EngineLatencyMS < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}

// WatchdogTimeout returns the watchdog timeout as a duration.
func (c Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutMS) * time.Millisecond
}

// AutosuspendDelay returns the autosuspend delay as a duration.
func (c Config) AutosuspendDelay() time.Duration {
	return time.Duration(c.AutosuspendDelayMS) * time.Millisecond
}

// EngineLatency returns the simulated decode latency as a duration.
func (c Config) EngineLatency() time.Duration {
	return time.Duration(c.EngineLatencyMS) * time.Millisecond
}
