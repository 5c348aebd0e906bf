package vulkan

import (
	vk "github.com/goki/vulkan"
)

type framebufferKey struct {
	pass          vk.RenderPass
	color, depth  vk.ImageView
	width, height uint32
}

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Renderpass  vk.RenderPass
}

func FramebufferCreate(d *Device, renderpass vk.RenderPass, width uint32, height uint32, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	outFramebuffer := &VulkanFramebuffer{
		// Take a copy of the attachments
		Attachments: append([]vk.ImageView(nil), attachments...),
		Renderpass:  renderpass,
	}
	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass,
		AttachmentCount: uint32(len(outFramebuffer.Attachments)),
		PAttachments:    outFramebuffer.Attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	var pFramebuffer vk.Framebuffer
	if res := vk.CreateFramebuffer(d.logical, &framebufferCreateInfo, d.allocator, &pFramebuffer); res != vk.Success {
		return nil, d.check("vkCreateFramebuffer", res)
	}
	outFramebuffer.Handle = pFramebuffer
	return outFramebuffer, nil
}

func (vfb *VulkanFramebuffer) Destroy(d *Device) {
	vk.DestroyFramebuffer(d.logical, vfb.Handle, d.allocator)
	vfb.Attachments = nil
	vfb.Handle = vk.NullFramebuffer
	vfb.Renderpass = vk.NullRenderPass
}
