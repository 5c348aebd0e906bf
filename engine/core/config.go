package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type BackendKind string

const (
	BackendVulkan   BackendKind = "vulkan"
	BackendHeadless BackendKind = "headless"
)

type AppConfig struct {
	Name       string      `toml:"name"`
	Width      uint32      `toml:"width"`
	Height     uint32      `toml:"height"`
	Backend    BackendKind `toml:"backend"`
	Validation bool        `toml:"validation"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type FramesConfig struct {
	InFlight       uint32 `toml:"in_flight"`
	FenceTimeoutMS uint32 `toml:"fence_timeout_ms"`
}

type MemoryConfig struct {
	BlockSizeMiB uint64 `toml:"block_size_mib"`
}

type StagingConfig struct {
	MaxInFlight  uint32 `toml:"max_in_flight"`
	MaxPooled    uint32 `toml:"max_pooled"`
	MinBufferKiB uint64 `toml:"min_buffer_kib"`
}

type ShadersConfig struct {
	Watch bool     `toml:"watch"`
	Dirs  []string `toml:"dirs"`
}

// Config mirrors ember.toml.
type Config struct {
	App     AppConfig     `toml:"app"`
	Log     LogConfig     `toml:"log"`
	Frames  FramesConfig  `toml:"frames"`
	Memory  MemoryConfig  `toml:"memory"`
	Staging StagingConfig `toml:"staging"`
	Shaders ShadersConfig `toml:"shaders"`
}

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:       "ember",
			Width:      1280,
			Height:     720,
			Backend:    BackendVulkan,
			Validation: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Frames: FramesConfig{
			InFlight:       2,
			FenceTimeoutMS: 2000,
		},
		Memory: MemoryConfig{
			BlockSizeMiB: 64,
		},
		Staging: StagingConfig{
			MaxInFlight:  32,
			MaxPooled:    16,
			MinBufferKiB: 64,
		},
		Shaders: ShadersConfig{
			Watch: true,
			Dirs:  []string{"assets/shaders"},
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			LogWarn("config file `%s` not found, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		err = fmt.Errorf("failed to parse config `%s`: %w", path, err)
		LogError("%s", err)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		LogError("%s", err)
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Frames.InFlight < 1 || c.Frames.InFlight > 4 {
		return fmt.Errorf("frames.in_flight must be in [1, 4], got %d: %w", c.Frames.InFlight, ErrInvalidArgument)
	}
	if c.Frames.FenceTimeoutMS == 0 {
		return fmt.Errorf("frames.fence_timeout_ms must be positive: %w", ErrInvalidArgument)
	}
	if c.Memory.BlockSizeMiB == 0 {
		return fmt.Errorf("memory.block_size_mib must be positive: %w", ErrInvalidArgument)
	}
	if c.Staging.MaxInFlight == 0 {
		return fmt.Errorf("staging.max_in_flight must be positive: %w", ErrInvalidArgument)
	}
	switch c.App.Backend {
	case BackendVulkan, BackendHeadless:
	default:
		return fmt.Errorf("unknown backend `%s`: %w", c.App.Backend, ErrInvalidArgument)
	}
	return nil
}

func (c *Config) FenceTimeout() time.Duration {
	return time.Duration(c.Frames.FenceTimeoutMS) * time.Millisecond
}

func (c *Config) BlockSize() uint64 {
	return c.Memory.BlockSizeMiB << 20
}

func (c *Config) MinStagingSize() uint64 {
	return c.Staging.MinBufferKiB << 10
}
