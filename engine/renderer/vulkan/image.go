package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type VulkanImage struct {
	Handle vk.Image
	View   vk.ImageView
	Width  uint32
	Height uint32

	desc        metadata.ImageDesc
	memoryTypes uint32
	// owned is false for swapchain images, their handles belong to the swapchain.
	owned bool
	// memory allocated by the backend itself, used by the swapchain depth attachment.
	dedicated *deviceMemory
}

func (d *Device) CreateImage(desc metadata.ImageDesc, concurrent bool) (metadata.Image, metadata.MemoryRequirements, error) {
	if err := d.lostErr("create image"); err != nil {
		return nil, metadata.MemoryRequirements{}, err
	}
	format := vkFormat(desc.Format)
	if format == vk.FormatUndefined {
		return nil, metadata.MemoryRequirements{}, fmt.Errorf("image `%s` format %s: %w", desc.Name, desc.Format, core.ErrInvalidArgument)
	}
	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Depth:  1,
		},
		MipLevels:     mips,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vkImageUsage(desc.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if concurrent && d.families.dedicatedTransfer() {
		indices := d.families.concurrentIndices()
		info.SharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = uint32(len(indices))
		info.PQueueFamilyIndices = indices
	}
	var handle vk.Image
	if res := vk.CreateImage(d.logical, &info, d.allocator, &handle); res != vk.Success {
		return nil, metadata.MemoryRequirements{}, d.check(fmt.Sprintf("vkCreateImage `%s`", desc.Name), res)
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, handle, &reqs)
	reqs.Deref()
	desc.MipLevels = mips
	img := &VulkanImage{
		Handle:      handle,
		Width:       desc.Extent.Width,
		Height:      desc.Extent.Height,
		desc:        desc,
		memoryTypes: reqs.MemoryTypeBits,
		owned:       true,
	}
	return img, metadata.MemoryRequirements{Size: uint64(reqs.Size), Alignment: uint64(reqs.Alignment)}, nil
}

// BindImageMemory binds the memory and creates the image's default view.
func (d *Device) BindImageMemory(image metadata.Image, mem metadata.DeviceMemory, offset uint64) error {
	img, m := image.(*VulkanImage), mem.(*deviceMemory)
	if img.memoryTypes&(1<<m.typeIndex) == 0 {
		return fmt.Errorf("image `%s` cannot live in %s memory type %d: %w", img.desc.Name, m.kind, m.typeIndex, core.ErrWrongMemoryKind)
	}
	if res := vk.BindImageMemory(d.logical, img.Handle, m.handle, vk.DeviceSize(offset)); res != vk.Success {
		return d.check(fmt.Sprintf("vkBindImageMemory `%s`", img.desc.Name), res)
	}
	view, err := d.createImageView(img.Handle, img.desc.Format, img.desc.MipLevels)
	if err != nil {
		return err
	}
	img.View = view
	return nil
}

func (d *Device) createImageView(handle vk.Image, format metadata.Format, mips uint32) (vk.ImageView, error) {
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    handle,
		ViewType: vk.ImageViewType2d,
		Format:   vkFormat(format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectOf(format),
			BaseMipLevel:   0,
			LevelCount:     mips,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(d.logical, &viewInfo, d.allocator, &view); res != vk.Success {
		return vk.NullImageView, d.check("vkCreateImageView", res)
	}
	return view, nil
}

func (d *Device) DestroyImage(image metadata.Image) {
	img := image.(*VulkanImage)
	d.renderpasses.forget(img.View)
	if img.View != vk.NullImageView {
		vk.DestroyImageView(d.logical, img.View, d.allocator)
		img.View = vk.NullImageView
	}
	if img.owned && img.Handle != vk.NullImage {
		vk.DestroyImage(d.logical, img.Handle, d.allocator)
	}
	img.Handle = vk.NullImage
	if img.dedicated != nil {
		d.FreeMemory(img.dedicated)
		img.dedicated = nil
	}
}

// createAttachment creates a device-local image with its own memory, outside of the allocator.
func (d *Device) createAttachment(desc metadata.ImageDesc) (*VulkanImage, error) {
	native, reqs, err := d.CreateImage(desc, false)
	if err != nil {
		return nil, err
	}
	img := native.(*VulkanImage)
	mem, err := d.AllocateMemory(reqs.Size, metadata.MemoryDeviceLocal)
	if err != nil {
		d.DestroyImage(img)
		return nil, err
	}
	img.dedicated = mem.(*deviceMemory)
	if err := d.BindImageMemory(img, mem, 0); err != nil {
		d.DestroyImage(img)
		return nil, err
	}
	return img, nil
}

type sampler struct {
	handle vk.Sampler
}

func (d *Device) CreateSampler(desc metadata.SamplerDesc) (metadata.Sampler, error) {
	if err := d.lostErr("create sampler"); err != nil {
		return nil, err
	}
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vkFilter(desc.MagFilter),
		MinFilter:               vkFilter(desc.MinFilter),
		MipmapMode:              vk.SamplerMipmapModeLinear,
		AddressModeU:            vkAddressMode(desc.AddressU),
		AddressModeV:            vkAddressMode(desc.AddressV),
		AddressModeW:            vkAddressMode(desc.AddressW),
		AnisotropyEnable:        vk.False,
		MaxAnisotropy:           1,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MinLod:                  0,
		MaxLod:                  vk.LodClampNone,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}
	if desc.MaxAnisotropy > 1 {
		max := d.Properties().MaxSamplerAnisotropy
		info.AnisotropyEnable = vk.True
		info.MaxAnisotropy = clamp(desc.MaxAnisotropy, 1, max)
	}
	var handle vk.Sampler
	if res := vk.CreateSampler(d.logical, &info, d.allocator, &handle); res != vk.Success {
		return nil, d.check(fmt.Sprintf("vkCreateSampler `%s`", desc.Name), res)
	}
	return &sampler{handle: handle}, nil
}

func (d *Device) DestroySampler(s metadata.Sampler) {
	smp := s.(*sampler)
	vk.DestroySampler(d.logical, smp.handle, d.allocator)
	smp.handle = vk.NullSampler
}
