package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/lumen/engine/core"
)

const (
	BackendSim    = "sim"
	BackendVulkan = "vulkan"
)

type LogConfig struct {
	Level string `toml:"level"`
}

type DeviceConfig struct {
	// Backend selects the device implementation, "sim" or "vulkan".
	Backend string `toml:"backend"`
	// CompletionLatency delays every simulated queue operation, e.g. "2ms".
	CompletionLatency string `toml:"completion_latency"`
	// ManualCompletion stops the simulated queue until work is advanced explicitly.
	ManualCompletion bool `toml:"manual_completion"`
	// RequireHardware makes startup fail when the Vulkan probe finds no ray-tracing device.
	RequireHardware bool `toml:"require_hardware"`
}

type FrameConfig struct {
	RingSize int    `toml:"ring_size"`
	Width    uint32 `toml:"width"`
	Height   uint32 `toml:"height"`
	Frames   int    `toml:"frames"`
}

type PipelineConfig struct {
	PayloadSize       uint32 `toml:"payload_size"`
	AttributeSize     uint32 `toml:"attribute_size"`
	MaxRecursionDepth uint32 `toml:"max_recursion_depth"`
	// Library is the path of the compiled shader library; empty uses the built-in scene library.
	Library string `toml:"library"`
}

type SceneConfig struct {
	Name string `toml:"name"`
	// RotationSpeed is in degrees per frame and drives the per-frame refit.
	RotationSpeed float32 `toml:"rotation_speed"`
}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Device   DeviceConfig   `toml:"device"`
	Frame    FrameConfig    `toml:"frame"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Scene    SceneConfig    `toml:"scene"`
}

/**
 * @brief Returns the configuration used when no file is given.
 */
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Device: DeviceConfig{
			Backend:           BackendSim,
			CompletionLatency: "0s",
		},
		Frame: FrameConfig{
			RingSize: 3,
			Width:    1280,
			Height:   720,
			Frames:   120,
		},
		Pipeline: PipelineConfig{
			PayloadSize:       16,
			AttributeSize:     8,
			MaxRecursionDepth: 2,
		},
		Scene: SceneConfig{
			Name:          "triangle",
			RotationSpeed: 1,
		},
	}
}

// Load reads a TOML file on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", core.ErrValidation, strict.String())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg back as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := core.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, core.NewValidationError("log.level", "unknown level %q", c.Log.Level))
	}
	switch c.Device.Backend {
	case BackendSim, BackendVulkan:
	default:
		errs = append(errs, core.NewValidationError("device.backend", "unknown backend %q", c.Device.Backend))
	}
	if _, err := c.Latency(); err != nil {
		errs = append(errs, core.NewValidationError("device.completion_latency", "%s", err))
	}
	if c.Frame.RingSize < 1 {
		errs = append(errs, core.NewValidationError("frame.ring_size", "must be at least 1, got %d", c.Frame.RingSize))
	}
	if c.Frame.Width == 0 || c.Frame.Height == 0 {
		errs = append(errs, core.NewValidationError("frame.width", "output size %dx%d is empty", c.Frame.Width, c.Frame.Height))
	}
	if c.Frame.Frames < 0 {
		errs = append(errs, core.NewValidationError("frame.frames", "must not be negative"))
	}
	if c.Pipeline.MaxRecursionDepth < 1 || c.Pipeline.MaxRecursionDepth > 31 {
		errs = append(errs, core.NewValidationError("pipeline.max_recursion_depth", "must be in [1, 31], got %d", c.Pipeline.MaxRecursionDepth))
	}
	if c.Pipeline.AttributeSize > 32 {
		errs = append(errs, core.NewValidationError("pipeline.attribute_size", "must not exceed 32 bytes"))
	}
	if c.Scene.Name == "" {
		errs = append(errs, core.NewValidationError("scene.name", "must not be empty"))
	}
	return errors.Join(errs...)
}

// Latency parses the simulated completion latency, empty means none.
func (c *Config) Latency() (time.Duration, error) {
	if c.Device.CompletionLatency == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Device.CompletionLatency)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative latency %s", d)
	}
	return d, nil
}

func (c *Config) LogLevel() core.LogLevel {
	level, err := core.ParseLogLevel(c.Log.Level)
	if err != nil {
		return core.InfoLevel
	}
	return level
}
