package engine

import (
	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
)

type ApplicationConfig struct {
	// The application name used in logs and device object names.
	Name string
	// Output width in pixels.
	Width uint32
	// Output height in pixels.
	Height uint32
	// Number of frames the CPU may record ahead of the GPU.
	RingSize int
	// Frames to render before Run returns, 0 runs until the context is cancelled.
	Frames   int
	LogLevel core.LogLevel
	// Pipeline limits.
	PayloadSize       uint32
	AttributeSize     uint32
	MaxRecursionDepth uint32
	// LibraryPath replaces the scene's built-in shader library and is watched for changes.
	LibraryPath string
}

// NewApplicationConfig derives the engine settings from a loaded configuration.
func NewApplicationConfig(name string, cfg *config.Config) *ApplicationConfig {
	return &ApplicationConfig{
		Name:              name,
		Width:             cfg.Frame.Width,
		Height:            cfg.Frame.Height,
		RingSize:          cfg.Frame.RingSize,
		Frames:            cfg.Frame.Frames,
		LogLevel:          cfg.LogLevel(),
		PayloadSize:       cfg.Pipeline.PayloadSize,
		AttributeSize:     cfg.Pipeline.AttributeSize,
		MaxRecursionDepth: cfg.Pipeline.MaxRecursionDepth,
		LibraryPath:       cfg.Pipeline.Library,
	}
}
