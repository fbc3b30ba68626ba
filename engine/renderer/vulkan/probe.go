// Package vulkan inspects the Vulkan adapters of the machine and reports
// whether they can run the ray query pipeline.
package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

var (
	ErrUnavailable = errors.New("vulkan is not available")
	ErrNoAdapter   = errors.New("no vulkan adapter")
	ErrVulkan      = errors.New("vulkan call failed")
)

// RayTracingExtensions are the device extensions the viewer needs for
// acceleration structures queried from shaders.
var RayTracingExtensions = []string{
	"VK_KHR_acceleration_structure",
	"VK_KHR_ray_query",
	"VK_KHR_deferred_host_operations",
}

type Adapter struct {
	Index         int
	Name          string
	Type          vk.PhysicalDeviceType
	DriverVersion vk.Version
	APIVersion    vk.Version
	// LocalMemory is the size of the device local heaps in bytes.
	LocalMemory uint64
	// Missing lists the ray tracing extensions the adapter lacks.
	Missing []string
}

func (a Adapter) SupportsRayTracing() bool {
	return len(a.Missing) == 0
}

func (a Adapter) String() string {
	return fmt.Sprintf("#%d %s (%s, driver %s, api %s, %d MiB local)",
		a.Index, a.Name, deviceTypeName(a.Type), versionString(a.DriverVersion),
		versionString(a.APIVersion), a.LocalMemory>>20)
}

// Probe loads Vulkan through procAddr, enumerates the physical devices and
// destroys the instance again.
func Probe(appName string, procAddr unsafe.Pointer) ([]Adapter, error) {
	if procAddr == nil {
		return nil, ErrUnavailable
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var extensions []string
	var flags vk.InstanceCreateFlags
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		flags |= 1
	}
	var instance vk.Instance
	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		Flags: flags,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
			ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
			PApplicationName:   VulkanSafeString(appName),
			PEngineName:        VulkanSafeString("Anima RT"),
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}, nil, &instance)
	if err := resultError("create instance", res); err != nil {
		return nil, err
	}
	defer vk.DestroyInstance(instance, nil)
	if err := vk.InitInstance(instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var count uint32
	if err := resultError("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoAdapter
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := resultError("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, devices)); err != nil {
		return nil, err
	}

	adapters := make([]Adapter, 0, count)
	for i, device := range devices {
		adapter, err := describe(i, device)
		if err != nil {
			core.LogWarn("skipping adapter %d: %s", i, err)
			continue
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func describe(index int, device vk.PhysicalDevice) (Adapter, error) {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(device, &properties)
	properties.Deref()

	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(device, &memory)
	memory.Deref()

	adapter := Adapter{
		Index:         index,
		Name:          vk.ToString(properties.DeviceName[:]),
		Type:          properties.DeviceType,
		DriverVersion: vk.Version(properties.DriverVersion),
		APIVersion:    vk.Version(properties.ApiVersion),
	}
	for j := 0; j < int(memory.MemoryHeapCount); j++ {
		heap := memory.MemoryHeaps[j]
		heap.Deref()
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			adapter.LocalMemory += uint64(heap.Size)
		}
	}

	available, err := deviceExtensions(device)
	if err != nil {
		return adapter, err
	}
	adapter.Missing = missingExtensions(available, RayTracingExtensions)
	return adapter, nil
}

func deviceExtensions(device vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := resultError("enumerate device extensions", vk.EnumerateDeviceExtensionProperties(device, "", &count, nil)); err != nil {
		return nil, err
	}
	list := make([]vk.ExtensionProperties, count)
	if err := resultError("enumerate device extensions", vk.EnumerateDeviceExtensionProperties(device, "", &count, list)); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

// missingExtensions returns the entries of required absent from available.
func missingExtensions(available, required []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, name := range available {
		have[strings.TrimRight(name, "\x00")] = struct{}{}
	}
	var missing []string
	for _, name := range required {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// SelectAdapter returns the adapter at index, or the first ray tracing capable
// discrete adapter (then any capable one) when index is negative.
func SelectAdapter(adapters []Adapter, index int) (Adapter, error) {
	if index >= 0 {
		for _, a := range adapters {
			if a.Index == index {
				return a, nil
			}
		}
		return Adapter{}, fmt.Errorf("adapter %d: %w", index, ErrNoAdapter)
	}
	best := -1
	for i, a := range adapters {
		if !a.SupportsRayTracing() {
			continue
		}
		if best < 0 || (a.Type == vk.PhysicalDeviceTypeDiscreteGpu && adapters[best].Type != vk.PhysicalDeviceTypeDiscreteGpu) {
			best = i
		}
	}
	if best < 0 {
		return Adapter{}, fmt.Errorf("no ray tracing capable adapter among %d: %w", len(adapters), ErrNoAdapter)
	}
	return adapters[best], nil
}

// LogAdapters reports every adapter and the one selected.
func LogAdapters(adapters []Adapter, selected Adapter) {
	for _, a := range adapters {
		if a.SupportsRayTracing() {
			core.LogInfo("adapter %s: ray tracing supported", a)
		} else {
			core.LogInfo("adapter %s: missing %s", a, strings.Join(a.Missing, ", "))
		}
	}
	core.LogInfo("selected adapter: %s", selected.Name)
}

func deviceTypeName(t vk.PhysicalDeviceType) string {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		return "virtual"
	case vk.PhysicalDeviceTypeCpu:
		return "cpu"
	default:
		return "unknown"
	}
}

func versionString(v vk.Version) string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}
