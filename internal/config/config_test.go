package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.SRAM.Enabled || cfg.SRAM.Size == 0 {
		t.Error("default config has no SRAM pool")
	}
	if cfg.WatchdogTimeout() != 2*time.Second {
		t.Errorf("watchdog timeout: got %v, want 2s", cfg.WatchdogTimeout())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vdec.yaml")
	data := []byte("log_level: debug\nsram:\n  enabled: false\nwatchdog_timeout_ms: 500\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("level: got %v, want debug", cfg.Level())
	}
	if cfg.SRAM.Enabled {
		t.Error("sram still enabled")
	}
	if cfg.WatchdogTimeout() != 500*time.Millisecond {
		t.Errorf("watchdog timeout: got %v, want 500ms", cfg.WatchdogTimeout())
	}
	// Untouched keys keep their defaults.
	if !cfg.Translation {
		t.Error("translation default lost")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vdec.yaml")
	if err := os.WriteFile(path, []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("bad log level accepted")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
