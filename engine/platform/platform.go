package platform

import (
	"errors"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/spaghettifunk/lumen/engine/core"
)

var ErrVulkanUnavailable = errors.New("vulkan loader not available")

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform bootstraps the Vulkan loader through GLFW. No window is created.
type Platform struct {
	started   bool
	startTime float64
}

func New() (*Platform, error) {
	return &Platform{}, nil
}

func (p *Platform) Startup() error {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return err
	}
	p.started = true
	p.startTime = glfw.GetTime()

	if !glfw.VulkanSupported() {
		core.LogWarn("glfw reports no Vulkan loader")
		return ErrVulkanUnavailable
	}
	return nil
}

// VulkanProcAddr returns vkGetInstanceProcAddr as resolved by GLFW.
func (p *Platform) VulkanProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// GetAbsoluteTime returns seconds since Startup.
func (p *Platform) GetAbsoluteTime() float64 {
	if !p.started {
		return 0
	}
	return glfw.GetTime() - p.startTime
}

func (p *Platform) Shutdown() error {
	if p.started {
		glfw.Terminate()
		p.started = false
	}
	return nil
}
