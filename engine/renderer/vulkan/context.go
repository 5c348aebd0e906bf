package vulkan

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// Surface is the window a Device presents to.
type Surface interface {
	RequiredInstanceExtensions() []string
	CreateWindowSurface(instance interface{}) (uintptr, error)
}

type Options struct {
	AppName    string
	Validation bool
	Surface    Surface
}

var _ metadata.Device = (*Device)(nil)

/**
 * @brief The Vulkan implementation of metadata.Device. One instance, one surface and one
 * logical device with a graphics, a present and (when available) a dedicated transfer queue.
 */
type Device struct {
	opts Options

	instance       vk.Instance
	allocator      *vk.AllocationCallbacks
	debugMessenger vk.DebugReportCallback
	surface        vk.Surface

	physical   vk.PhysicalDevice
	logical    vk.Device
	properties vk.PhysicalDeviceProperties
	features   vk.PhysicalDeviceFeatures
	memory     vk.PhysicalDeviceMemoryProperties
	support    swapchainSupport
	families   queueFamilies

	graphicsQueue vk.Queue
	presentQueue  vk.Queue
	transferQueue vk.Queue

	locks        *VulkanLockPool
	commands     map[metadata.QueueKind]*commandPool
	descriptors  *descriptorAllocator
	renderpasses *renderpassCache
	depthFormat  vk.Format

	lost atomic.Bool
}

// NewDevice creates the instance, the surface and the logical device.
func NewDevice(opts Options) (*Device, error) {
	if opts.Surface == nil {
		return nil, fmt.Errorf("vulkan device needs a surface: %w", core.ErrInvalidArgument)
	}
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, fmt.Errorf("GetInstanceProcAddress is nil: %w", core.ErrUnknown)
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return nil, err
	}

	d := &Device{
		opts:     opts,
		locks:    NewVulkanLockPool(),
		commands: make(map[metadata.QueueKind]*commandPool),
	}
	if err := d.createInstance(); err != nil {
		return nil, err
	}
	if opts.Validation {
		if err := d.createDebugger(); err != nil {
			d.Destroy()
			return nil, err
		}
	}

	core.LogDebug("Creating Vulkan surface...")
	surface, err := opts.Surface.CreateWindowSurface(d.instance)
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vulkan surface creation failed: %w", err)
	}
	d.surface = vk.SurfaceFromPointer(surface)
	core.LogDebug("Vulkan surface created.")

	if err := d.createLogicalDevice(); err != nil {
		d.Destroy()
		return nil, err
	}
	d.descriptors = newDescriptorAllocator(d)
	d.renderpasses = newRenderpassCache(d)

	core.LogInfo("Vulkan device initialized successfully.")
	return d, nil
}

func (d *Device) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(d.opts.AppName),
		PEngineName:        VulkanSafeString("Ember Engine"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{"VK_KHR_surface"}
	extensions = append(extensions, d.opts.Surface.RequiredInstanceExtensions()...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1 // VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
	}
	if d.opts.Validation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
	}
	core.LogDebug("Required extensions: %v", extensions)
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)

	var layers []string
	if d.opts.Validation {
		core.LogInfo("Validation layers enabled. Enumerating...")
		layers = []string{"VK_LAYER_KHRONOS_validation"}
		if err := checkLayers(layers); err != nil {
			return err
		}
	}
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, d.allocator, &d.instance); res != vk.Success {
		err := resultError("vkCreateInstance", res)
		core.LogError("%s", err)
		return err
	}
	if err := vk.InitInstance(d.instance); err != nil {
		core.LogError("%s", err)
		return err
	}
	core.LogInfo("Vulkan Instance created.")
	return nil
}

func checkLayers(required []string) error {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return resultError("vkEnumerateInstanceLayerProperties", res)
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return resultError("vkEnumerateInstanceLayerProperties", res)
	}
	for _, name := range required {
		found := false
		for j := range available {
			available[j].Deref()
			if cString(available[j].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required validation layer is missing: %s: %w", name, core.ErrInvalidArgument)
		}
	}
	core.LogInfo("All required validation layers are present.")
	return nil
}

func (d *Device) createDebugger() error {
	core.LogDebug("Creating Vulkan debugger...")
	debugCreateInfo := vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
		PfnCallback: dbgCallbackFunc,
	}
	var dbg vk.DebugReportCallback
	if err := vk.Error(vk.CreateDebugReportCallback(d.instance, &debugCreateInfo, d.allocator, &dbg)); err != nil {
		core.LogError("vk.CreateDebugReportCallback failed with %s", err)
		return err
	}
	d.debugMessenger = dbg
	core.LogDebug("Vulkan debugger created.")
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

// check latches device loss so every later call fails fast.
func (d *Device) check(op string, res vk.Result) error {
	if res == vk.ErrorDeviceLost {
		d.lost.Store(true)
	}
	return resultError(op, res)
}

func (d *Device) lostErr(op string) error {
	if d.lost.Load() {
		return fmt.Errorf("%s: %w", op, core.ErrDeviceLost)
	}
	return nil
}

func (d *Device) Properties() metadata.DeviceProperties {
	limits := d.properties.Limits
	limits.Deref()
	return metadata.DeviceProperties{
		Name:                            cString(d.properties.DeviceName[:]),
		HasDedicatedTransfer:            d.families.dedicatedTransfer(),
		MinUniformBufferOffsetAlignment: uint64(limits.MinUniformBufferOffsetAlignment),
		MinStorageBufferOffsetAlignment: uint64(limits.MinStorageBufferOffsetAlignment),
		MaxSamplerAnisotropy:            limits.MaxSamplerAnisotropy,
	}
}

func (d *Device) WaitIdle() error {
	if err := d.lostErr("wait idle"); err != nil {
		return err
	}
	return d.locks.SafeCall(QueueManagement, func() error {
		if err := d.check("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.logical)); err != nil {
			return err
		}
		for _, pool := range d.commands {
			pool.completeAll()
		}
		return nil
	})
}

// Destroy tears everything down in the opposite order of creation.
func (d *Device) Destroy() {
	if d.logical != nil {
		vk.DeviceWaitIdle(d.logical)
		for _, pool := range d.commands {
			pool.destroy()
		}
		d.commands = nil
		if d.descriptors != nil {
			d.descriptors.destroy()
		}
		if d.renderpasses != nil {
			d.renderpasses.destroy()
		}
		core.LogDebug("Destroying Vulkan device...")
		vk.DestroyDevice(d.logical, d.allocator)
		d.logical = nil
	}
	if d.surface != vk.NullSurface {
		core.LogDebug("Destroying Vulkan surface...")
		vk.DestroySurface(d.instance, d.surface, d.allocator)
		d.surface = vk.NullSurface
	}
	if d.debugMessenger != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(d.instance, d.debugMessenger, d.allocator)
		d.debugMessenger = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(d.instance, d.allocator)
		d.instance = nil
	}
}
