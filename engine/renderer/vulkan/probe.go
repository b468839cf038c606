package vulkan

import (
	"fmt"
	"runtime"
	"sort"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
)

// RayTracingExtensions are the device extensions a hardware ray-tracing backend needs.
var RayTracingExtensions = []string{
	"VK_KHR_acceleration_structure",
	"VK_KHR_ray_tracing_pipeline",
	"VK_KHR_deferred_host_operations",
	"VK_KHR_buffer_device_address",
}

type DeviceReport struct {
	Name       string
	Type       string
	APIVersion string
	Driver     string
	// Missing lists required ray-tracing extensions the device does not expose.
	Missing []string
}

func (d DeviceReport) RayTracing() bool {
	return len(d.Missing) == 0
}

type Report struct {
	Devices []DeviceReport
}

// Supported reports whether at least one device can run ray-tracing pipelines.
func (r *Report) Supported() bool {
	for _, d := range r.Devices {
		if d.RayTracing() {
			return true
		}
	}
	return false
}

/**
 * @brief Creates a throwaway Vulkan instance and inspects every physical device
 * for the ray-tracing extensions. The platform must have been started.
 * @returns A report, or an error wrapping core.ErrUnsupportedCapability.
 */
func Probe(p *platform.Platform, appName string) (*Report, error) {
	procAddr := p.VulkanProcAddr()
	if procAddr == nil {
		err := fmt.Errorf("%w: GetInstanceProcAddress is nil", core.ErrUnsupportedCapability)
		core.LogError(err.Error())
		return nil, err
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		err = fmt.Errorf("%w: failed to initialize vk: %s", core.ErrUnsupportedCapability, err)
		core.LogError(err.Error())
		return nil, err
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Lumen"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var extensions []string
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)

	var instance vk.Instance
	if err := checkResult("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	defer vk.DestroyInstance(instance, nil)

	if err := vk.InitInstance(instance); err != nil {
		err = fmt.Errorf("%w: %s", core.ErrUnsupportedCapability, err)
		core.LogError(err.Error())
		return nil, err
	}

	var count uint32
	if err := checkResult("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		err := fmt.Errorf("%w: no devices which support Vulkan were found", core.ErrUnsupportedCapability)
		core.LogError(err.Error())
		return nil, err
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := checkResult("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(instance, &count, devices)); err != nil {
		return nil, err
	}

	report := &Report{}
	for _, device := range devices[:count] {
		d, err := inspect(device)
		if err != nil {
			core.LogWarn("skipping device: %s", err)
			continue
		}
		if d.RayTracing() {
			core.LogInfo("Device '%s' (%s) supports ray tracing.", d.Name, d.Type)
		} else {
			core.LogInfo("Device '%s' (%s) lacks %v.", d.Name, d.Type, d.Missing)
		}
		report.Devices = append(report.Devices, d)
	}
	return report, nil
}

func inspect(device vk.PhysicalDevice) (DeviceReport, error) {
	properties := vk.PhysicalDeviceProperties{}
	vk.GetPhysicalDeviceProperties(device, &properties)
	properties.Deref()

	d := DeviceReport{
		Name: cString(properties.DeviceName[:]),
		Type: deviceTypeString(properties.DeviceType),
		APIVersion: fmt.Sprintf("%d.%d.%d",
			vk.Version(properties.ApiVersion).Major(),
			vk.Version(properties.ApiVersion).Minor(),
			vk.Version(properties.ApiVersion).Patch()),
		Driver: fmt.Sprintf("%d.%d.%d",
			vk.Version(properties.DriverVersion).Major(),
			vk.Version(properties.DriverVersion).Minor(),
			vk.Version(properties.DriverVersion).Patch()),
	}

	var count uint32
	if err := checkResult("vkEnumerateDeviceExtensionProperties", vk.EnumerateDeviceExtensionProperties(device, "", &count, nil)); err != nil {
		return d, err
	}
	available := make([]vk.ExtensionProperties, count)
	if count > 0 {
		if err := checkResult("vkEnumerateDeviceExtensionProperties", vk.EnumerateDeviceExtensionProperties(device, "", &count, available)); err != nil {
			return d, err
		}
	}
	names := make([]string, 0, count)
	for i := range available[:count] {
		available[i].Deref()
		names = append(names, cString(available[i].ExtensionName[:]))
	}
	d.Missing = missingExtensions(names, RayTracingExtensions)
	return d, nil
}

// missingExtensions returns the entries of required absent from available, sorted.
func missingExtensions(available, required []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, name := range available {
		have[name] = struct{}{}
	}
	var missing []string
	for _, name := range required {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func deviceTypeString(t vk.PhysicalDeviceType) string {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return "Integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return "Discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		return "Virtual"
	case vk.PhysicalDeviceTypeCpu:
		return "CPU"
	default:
		return "Unknown"
	}
}
