package vulkan

import (
	"fmt"
	"math"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type VulkanSwapchain struct {
	device      *Device
	ImageFormat vk.SurfaceFormat
	Handle      vk.Swapchain
	extent      metadata.Extent2D
	images      []metadata.Image

	DepthAttachment *VulkanImage
}

var _ metadata.Swapchain = (*VulkanSwapchain)(nil)

// CreateSwapchain creates a swapchain at extent. The old swapchain stays valid until destroyed.
func (d *Device) CreateSwapchain(extent metadata.Extent2D, old metadata.Swapchain) (metadata.Swapchain, error) {
	if err := d.lostErr("create swapchain"); err != nil {
		return nil, err
	}
	if extent.IsZero() {
		return nil, fmt.Errorf("swapchain extent %dx%d: %w", extent.Width, extent.Height, core.ErrInvalidArgument)
	}
	// Requery support, the surface may have changed.
	support, err := d.querySwapchainSupport(d.physical)
	if err != nil {
		return nil, err
	}
	d.support = support
	caps := support.capabilities

	swapchain := &VulkanSwapchain{device: d}

	// Choose a swap surface format.
	swapchain.ImageFormat = support.formats[0]
	for _, format := range support.formats {
		// Preferred formats
		if format.Format == vk.FormatB8g8r8a8Unorm && format.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			swapchain.ImageFormat = format
			break
		}
	}

	presentMode := vk.PresentModeFifo
	for _, mode := range support.presentModes {
		if mode == vk.PresentModeMailbox {
			presentMode = mode
			break
		}
	}

	swapchainExtent := vk.Extent2D{Width: extent.Width, Height: extent.Height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		swapchainExtent = caps.CurrentExtent
	}
	// Clamp to the value allowed by the GPU.
	swapchainExtent.Width = clamp(swapchainExtent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	swapchainExtent.Height = clamp(swapchainExtent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	if swapchainExtent.Width == 0 || swapchainExtent.Height == 0 {
		return nil, core.ErrSwapchainBooting
	}

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	swapchainCreateInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    imageCount,
		ImageFormat:      swapchain.ImageFormat.Format,
		ImageColorSpace:  swapchain.ImageFormat.ColorSpace,
		ImageExtent:      swapchainExtent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
	}
	// Setup the queue family indices
	if d.families.graphics != d.families.present {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeConcurrent
		swapchainCreateInfo.QueueFamilyIndexCount = 2
		swapchainCreateInfo.PQueueFamilyIndices = []uint32{uint32(d.families.graphics), uint32(d.families.present)}
	}
	if prev, ok := old.(*VulkanSwapchain); ok && prev != nil {
		swapchainCreateInfo.OldSwapchain = prev.Handle
	}

	if res := vk.CreateSwapchain(d.logical, &swapchainCreateInfo, d.allocator, &swapchain.Handle); res != vk.Success {
		return nil, d.check("vkCreateSwapchain", res)
	}
	swapchain.extent = metadata.Extent2D{Width: swapchainExtent.Width, Height: swapchainExtent.Height}

	var count uint32
	if res := vk.GetSwapchainImages(d.logical, swapchain.Handle, &count, nil); res != vk.Success {
		swapchain.Destroy()
		return nil, d.check("vkGetSwapchainImages", res)
	}
	handles := make([]vk.Image, count)
	if res := vk.GetSwapchainImages(d.logical, swapchain.Handle, &count, handles); res != vk.Success {
		swapchain.Destroy()
		return nil, d.check("vkGetSwapchainImages", res)
	}
	format := engineFormat(swapchain.ImageFormat.Format)
	for i, h := range handles {
		view, err := d.createImageView(h, format, 1)
		if err != nil {
			swapchain.Destroy()
			return nil, err
		}
		swapchain.images = append(swapchain.images, &VulkanImage{
			Handle: h,
			View:   view,
			Width:  swapchainExtent.Width,
			Height: swapchainExtent.Height,
			desc: metadata.ImageDesc{
				Name:      fmt.Sprintf("swapchain-%d", i),
				Extent:    swapchain.extent,
				Format:    format,
				Usage:     metadata.ImageUsageColorAttachment,
				MipLevels: 1,
			},
		})
	}

	// Create depth image and its view.
	depth, err := d.createAttachment(metadata.ImageDesc{
		Name:      "swapchain-depth",
		Extent:    swapchain.extent,
		Format:    engineFormat(d.depthFormat),
		Usage:     metadata.ImageUsageDepthAttachment,
		MipLevels: 1,
	})
	if err != nil {
		swapchain.Destroy()
		return nil, err
	}
	swapchain.DepthAttachment = depth

	core.LogInfo("Swapchain created successfully, %d images at %dx%d.", count, swapchainExtent.Width, swapchainExtent.Height)
	return swapchain, nil
}

func (vs *VulkanSwapchain) Format() metadata.Format   { return engineFormat(vs.ImageFormat.Format) }
func (vs *VulkanSwapchain) Extent() metadata.Extent2D { return vs.extent }
func (vs *VulkanSwapchain) Images() []metadata.Image  { return vs.images }
func (vs *VulkanSwapchain) DepthFormat() metadata.Format {
	return engineFormat(vs.device.depthFormat)
}
func (vs *VulkanSwapchain) DepthImage() metadata.Image { return vs.DepthAttachment }

func (vs *VulkanSwapchain) AcquireNextImage(signal metadata.Semaphore, timeout time.Duration) (uint32, error) {
	d := vs.device
	if err := d.lostErr("acquire image"); err != nil {
		return 0, err
	}
	var index uint32
	result := vk.AcquireNextImage(d.logical, vs.Handle, uint64(timeout.Nanoseconds()), signal.(*VulkanSemaphore).Handle, vk.NullFence, &index)
	switch result {
	case vk.Success, vk.Suboptimal:
		// Suboptimal still signals the semaphore, recreation happens on present.
		return index, nil
	case vk.ErrorOutOfDate:
		// Trigger swapchain recreation, then boot out of the render loop.
		return 0, core.ErrSwapchainBooting
	case vk.Timeout, vk.NotReady:
		return 0, fmt.Errorf("acquire timed out after %s: %w", timeout, core.ErrDeviceLost)
	}
	return 0, d.check("vkAcquireNextImage", result)
}

func (vs *VulkanSwapchain) Present(imageIndex uint32, wait metadata.Semaphore) error {
	d := vs.device
	if err := d.lostErr("present"); err != nil {
		return err
	}
	if int(imageIndex) >= len(vs.images) {
		return fmt.Errorf("present of image %d: %w", imageIndex, core.ErrOutOfRange)
	}
	// Return the image to the swapchain for presentation.
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{wait.(*VulkanSemaphore).Handle},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{vs.Handle},
		PImageIndices:      []uint32{imageIndex},
	}
	var result vk.Result
	d.locks.SafeCall(QueueManagement, func() error {
		result = vk.QueuePresent(d.presentQueue, &presentInfo)
		return nil
	})
	switch result {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		// Swapchain is out of date, suboptimal or a framebuffer resize has occurred.
		return core.ErrSwapchainBooting
	}
	return d.check("vkQueuePresent", result)
}

// Destroy releases the views and the depth attachment. The images themselves are owned by
// the swapchain and go with it.
func (vs *VulkanSwapchain) Destroy() {
	d := vs.device
	if vs.DepthAttachment != nil {
		d.DestroyImage(vs.DepthAttachment)
		vs.DepthAttachment = nil
	}
	for _, img := range vs.images {
		d.DestroyImage(img)
	}
	vs.images = nil
	if vs.Handle != vk.NullSwapchain {
		vk.DestroySwapchain(d.logical, vs.Handle, d.allocator)
		vs.Handle = vk.NullSwapchain
	}
}
