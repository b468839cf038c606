package vulkan

import (
	"errors"
	"reflect"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
)

func TestMissingExtensions(t *testing.T) {
	available := []string{
		"VK_KHR_swapchain",
		"VK_KHR_ray_tracing_pipeline",
		"VK_KHR_buffer_device_address",
	}
	got := missingExtensions(available, RayTracingExtensions)
	want := []string{"VK_KHR_acceleration_structure", "VK_KHR_deferred_host_operations"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("missingExtensions = %v, want %v", got, want)
	}
	if got := missingExtensions(RayTracingExtensions, RayTracingExtensions); len(got) != 0 {
		t.Errorf("expected nothing missing, got %v", got)
	}
}

func TestReportSupported(t *testing.T) {
	r := &Report{Devices: []DeviceReport{
		{Name: "llvmpipe", Missing: []string{"VK_KHR_acceleration_structure"}},
	}}
	if r.Supported() {
		t.Fatal("software device reported as ray-tracing capable")
	}
	r.Devices = append(r.Devices, DeviceReport{Name: "discrete"})
	if !r.Supported() {
		t.Fatal("capable device ignored")
	}
}

func TestDeviceTypeString(t *testing.T) {
	if s := deviceTypeString(vk.PhysicalDeviceTypeDiscreteGpu); s != "Discrete" {
		t.Errorf("got %s", s)
	}
	if s := deviceTypeString(vk.PhysicalDeviceTypeOther); s != "Unknown" {
		t.Errorf("got %s", s)
	}
}

func TestSafeStrings(t *testing.T) {
	if s := VulkanSafeString("lumen"); s != "lumen\x00" {
		t.Errorf("VulkanSafeString = %q", s)
	}
	if s := VulkanSafeString("x\x00"); s != "x\x00" {
		t.Errorf("terminated string changed: %q", s)
	}
	if s := cString([]byte{'a', 'b', 0, 'c'}); s != "ab" {
		t.Errorf("cString = %q", s)
	}
	if s := cString([]byte("full")); s != "full" {
		t.Errorf("unterminated cString = %q", s)
	}
	in := []string{"a", "b\x00"}
	out := VulkanSafeStrings(in)
	if out[0] != "a\x00" || out[1] != "b\x00" || in[0] != "a" {
		t.Errorf("VulkanSafeStrings = %q from %q", out, in)
	}
}

func TestCheckResult(t *testing.T) {
	if err := checkResult("vkCreateInstance", vk.Success); err != nil {
		t.Fatal(err)
	}
	err := checkResult("vkCreateInstance", vk.ErrorIncompatibleDriver)
	if !errors.Is(err, core.ErrUnsupportedCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
	if s := VulkanResultString(vk.ErrorIncompatibleDriver, false); s != "VK_ERROR_INCOMPATIBLE_DRIVER" {
		t.Errorf("VulkanResultString = %s", s)
	}
	if s := VulkanResultString(vk.Result(-12345), true); s != "VkResult(-12345)" {
		t.Errorf("unknown result = %s", s)
	}
}
