package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Frames.InFlight != 2 {
		t.Fatalf("in_flight = %d, want 2", cfg.Frames.InFlight)
	}
	if cfg.BlockSize() != 64<<20 {
		t.Fatalf("block size = %d, want 64 MiB", cfg.BlockSize())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.toml")
	data := `
[app]
backend = "headless"

[frames]
in_flight = 3
fence_timeout_ms = 250

[staging]
max_in_flight = 4
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.App.Backend != BackendHeadless {
		t.Fatalf("backend = %s", cfg.App.Backend)
	}
	if cfg.Frames.InFlight != 3 {
		t.Fatalf("in_flight = %d, want 3", cfg.Frames.InFlight)
	}
	if cfg.FenceTimeout() != 250*time.Millisecond {
		t.Fatalf("fence timeout = %s", cfg.FenceTimeout())
	}
	if cfg.Staging.MaxInFlight != 4 || cfg.Staging.MaxPooled != 16 {
		t.Fatalf("staging = %+v", cfg.Staging)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frames", func(c *Config) { c.Frames.InFlight = 0 }},
		{"too many frames", func(c *Config) { c.Frames.InFlight = 9 }},
		{"zero timeout", func(c *Config) { c.Frames.FenceTimeoutMS = 0 }},
		{"zero block", func(c *Config) { c.Memory.BlockSizeMiB = 0 }},
		{"unknown backend", func(c *Config) { c.App.Backend = "metal" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(errors.Join(errors.New("wait"), ErrDeviceLost)) {
		t.Fatal("device lost must be fatal")
	}
	if IsFatal(ErrStaleHandle) {
		t.Fatal("stale handle must not be fatal")
	}
}
