package vulkan

import (
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type queueFamilies struct {
	graphics int32
	present  int32
	transfer int32
}

func (q queueFamilies) dedicatedTransfer() bool {
	return q.transfer >= 0 && q.transfer != q.graphics
}

// concurrentIndices are the families a concurrently shared resource is visible to.
func (q queueFamilies) concurrentIndices() []uint32 {
	return []uint32{uint32(q.graphics), uint32(q.transfer)}
}

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

type physicalDeviceRequirements struct {
	discreteGPU       bool
	samplerAnisotropy bool
	extensions        []string
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, nil); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}
	if count == 0 {
		return fmt.Errorf("no devices which support Vulkan were found: %w", core.ErrUnknown)
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, devices); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}

	req := physicalDeviceRequirements{
		discreteGPU:       runtime.GOOS != "darwin",
		samplerAnisotropy: true,
		extensions:        []string{vk.KhrSwapchainExtensionName},
	}
	// Prefer a discrete GPU, fall back to whatever meets the rest.
	for _, discrete := range []bool{req.discreteGPU, false} {
		req.discreteGPU = discrete
		for _, pd := range devices {
			if d.tryPhysicalDevice(pd, req) {
				core.LogInfo("Physical device selected.")
				return nil
			}
		}
	}
	return fmt.Errorf("no physical devices were found which meet the requirements: %w", core.ErrUnknown)
}

func (d *Device) tryPhysicalDevice(pd vk.PhysicalDevice, req physicalDeviceRequirements) bool {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &properties)
	properties.Deref()
	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(pd, &features)
	features.Deref()
	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memory)
	memory.Deref()

	name := cString(properties.DeviceName[:])
	if req.discreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogDebug("Device `%s` is not a discrete GPU, and one is required. Skipping.", name)
		return false
	}
	families, ok := d.findQueueFamilies(pd)
	if !ok {
		core.LogDebug("Device `%s` does not meet queue requirements. Skipping.", name)
		return false
	}
	support, err := d.querySwapchainSupport(pd)
	if err != nil || len(support.formats) == 0 || len(support.presentModes) == 0 {
		core.LogDebug("Required swapchain support not present on `%s`, skipping device.", name)
		return false
	}
	if !hasExtensions(pd, req.extensions) {
		core.LogDebug("Device `%s` lacks a required extension, skipping.", name)
		return false
	}
	if req.samplerAnisotropy && features.SamplerAnisotropy == vk.False {
		core.LogDebug("Device `%s` does not support samplerAnisotropy, skipping.", name)
		return false
	}

	core.LogInfo("Selected device: '%s'.", name)
	core.LogInfo(
		"GPU Driver version: %d.%d.%d",
		vk.Version(properties.DriverVersion).Major(),
		vk.Version(properties.DriverVersion).Minor(),
		vk.Version(properties.DriverVersion).Patch(),
	)
	core.LogInfo(
		"Vulkan API version: %d.%d.%d",
		vk.Version(properties.ApiVersion).Major(),
		vk.Version(properties.ApiVersion).Minor(),
		vk.Version(properties.ApiVersion).Patch(),
	)
	for j := 0; j < int(memory.MemoryHeapCount); j++ {
		memory.MemoryHeaps[j].Deref()
		gib := float64(memory.MemoryHeaps[j].Size) / 1024.0 / 1024.0 / 1024.0
		if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			core.LogInfo("Local GPU memory: %.2f GiB", gib)
		} else {
			core.LogInfo("Shared System memory: %.2f GiB", gib)
		}
	}

	d.physical = pd
	d.properties = properties
	d.features = features
	d.memory = memory
	d.support = support
	d.families = families
	return true
}

/**
 * @brief Picks the queue families. The transfer family is the one with the fewest other
 * capabilities, which makes it likely to be a dedicated DMA queue.
 */
func (d *Device) findQueueFamilies(pd vk.PhysicalDevice) (queueFamilies, bool) {
	out := queueFamilies{graphics: -1, present: -1, transfer: -1}
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	core.LogDebug("Graphics | Present | Compute | Transfer")
	minTransferScore := 255
	for i := range props {
		props[i].Deref()
		flags := vk.QueueFlagBits(props[i].QueueFlags)
		score := 0
		graphics := flags&vk.QueueGraphicsBit != 0
		compute := flags&vk.QueueComputeBit != 0
		transfer := flags&vk.QueueTransferBit != 0
		if graphics {
			score++
			if out.graphics < 0 {
				out.graphics = int32(i)
			}
		}
		if compute {
			score++
		}
		// Graphics and compute queues implicitly support transfers.
		if transfer || graphics || compute {
			if score < minTransferScore {
				minTransferScore = score
				out.transfer = int32(i)
			}
		}
		var supportsPresent vk.Bool32 = vk.False
		if res := vk.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), d.surface, &supportsPresent); res != vk.Success {
			return out, false
		}
		if supportsPresent == vk.True && (out.present < 0 || int32(i) == out.graphics) {
			out.present = int32(i)
		}
		core.LogDebug("       %t |    %t |    %t |     %t", graphics, supportsPresent == vk.True, compute, transfer)
	}
	return out, out.graphics >= 0 && out.present >= 0 && out.transfer >= 0
}

func hasExtensions(pd vk.PhysicalDevice, required []string) bool {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success {
		return false
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, available); res != vk.Success {
		return false
	}
	names := make(map[string]bool, count)
	for i := range available {
		available[i].Deref()
		names[cString(available[i].ExtensionName[:])] = true
	}
	for _, r := range required {
		if !names[r] {
			core.LogDebug("Required extension not found: '%s'.", r)
			return false
		}
	}
	return true
}

func (d *Device) querySwapchainSupport(pd vk.PhysicalDevice) (swapchainSupport, error) {
	var out swapchainSupport
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(pd, d.surface, &out.capabilities); res != vk.Success {
		return out, resultError("vkGetPhysicalDeviceSurfaceCapabilities", res)
	}
	out.capabilities.Deref()
	out.capabilities.CurrentExtent.Deref()
	out.capabilities.MinImageExtent.Deref()
	out.capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(pd, d.surface, &formatCount, nil); res != vk.Success {
		return out, resultError("vkGetPhysicalDeviceSurfaceFormats", res)
	}
	if formatCount != 0 {
		out.formats = make([]vk.SurfaceFormat, formatCount)
		if res := vk.GetPhysicalDeviceSurfaceFormats(pd, d.surface, &formatCount, out.formats); res != vk.Success {
			return out, resultError("vkGetPhysicalDeviceSurfaceFormats", res)
		}
		for i := range out.formats {
			out.formats[i].Deref()
		}
	}

	var modeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(pd, d.surface, &modeCount, nil); res != vk.Success {
		return out, resultError("vkGetPhysicalDeviceSurfacePresentModes", res)
	}
	if modeCount != 0 {
		out.presentModes = make([]vk.PresentMode, modeCount)
		if res := vk.GetPhysicalDeviceSurfacePresentModes(pd, d.surface, &modeCount, out.presentModes); res != vk.Success {
			return out, resultError("vkGetPhysicalDeviceSurfacePresentModes", res)
		}
	}
	return out, nil
}

func (d *Device) detectDepthFormat() bool {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, c := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(d.physical, c, &properties)
		properties.Deref()
		if properties.OptimalTilingFeatures&flags == flags {
			d.depthFormat = c
			return true
		}
	}
	return false
}

func (d *Device) createLogicalDevice() error {
	if err := d.selectPhysicalDevice(); err != nil {
		core.LogError("%s", err)
		return err
	}
	if !d.detectDepthFormat() {
		return fmt.Errorf("failed to find a supported depth format: %w", core.ErrUnknown)
	}

	core.LogInfo("Creating logical device...")
	// Do not create additional queues for shared indices.
	indices := []uint32{uint32(d.families.graphics)}
	for _, idx := range []int32{d.families.present, d.families.transfer} {
		dup := false
		for _, have := range indices {
			dup = dup || have == uint32(idx)
		}
		if !dup {
			indices = append(indices, uint32(idx))
		}
	}
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(indices))
	for i, idx := range indices {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: idx,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	deviceFeatures := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy: vk.True,
	}
	extensions := []string{vk.KhrSwapchainExtensionName}
	if hasExtensions(d.physical, []string{"VK_KHR_portability_subset"}) {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{deviceFeatures},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	var logical vk.Device
	if res := vk.CreateDevice(d.physical, &deviceCreateInfo, d.allocator, &logical); res != vk.Success {
		return resultError("vkCreateDevice", res)
	}
	d.logical = logical
	core.LogInfo("Logical device created.")

	vk.GetDeviceQueue(d.logical, uint32(d.families.graphics), 0, &d.graphicsQueue)
	vk.GetDeviceQueue(d.logical, uint32(d.families.present), 0, &d.presentQueue)
	vk.GetDeviceQueue(d.logical, uint32(d.families.transfer), 0, &d.transferQueue)
	core.LogInfo("Queues obtained.")

	graphics, err := newCommandPool(d, metadata.QueueGraphics, uint32(d.families.graphics), d.graphicsQueue)
	if err != nil {
		return err
	}
	d.commands[metadata.QueueGraphics] = graphics
	if d.families.dedicatedTransfer() {
		transfer, err := newCommandPool(d, metadata.QueueTransfer, uint32(d.families.transfer), d.transferQueue)
		if err != nil {
			return err
		}
		d.commands[metadata.QueueTransfer] = transfer
	}
	core.LogInfo("Command pools created.")
	return nil
}

// findMemoryIndex returns the first memory type allowed by typeFilter that has every property flag.
func (d *Device) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		d.memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && d.memory.MemoryTypes[i].PropertyFlags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}
