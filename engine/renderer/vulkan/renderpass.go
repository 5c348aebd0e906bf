package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
)

type renderpassKey struct {
	color vk.Format
	depth vk.Format
	// load keeps the previous attachment contents instead of clearing them.
	load bool
}

/**
 * @brief Render passes and framebuffers created on demand for CmdBeginRendering. Passes only
 * differ by formats and load op, so all passes of a key are compatible with a pipeline
 * created against the clearing variant.
 */
type renderpassCache struct {
	device       *Device
	passes       map[renderpassKey]vk.RenderPass
	framebuffers map[framebufferKey]*VulkanFramebuffer
}

func newRenderpassCache(d *Device) *renderpassCache {
	return &renderpassCache{
		device:       d,
		passes:       make(map[renderpassKey]vk.RenderPass),
		framebuffers: make(map[framebufferKey]*VulkanFramebuffer),
	}
}

func (c *renderpassCache) pass(key renderpassKey) (vk.RenderPass, error) {
	var out vk.RenderPass
	err := c.device.locks.SafeCall(RenderpassManagement, func() error {
		if rp, ok := c.passes[key]; ok {
			out = rp
			return nil
		}
		rp, err := c.create(key)
		if err != nil {
			return err
		}
		c.passes[key] = rp
		out = rp
		return nil
	})
	return out, err
}

func (c *renderpassCache) create(key renderpassKey) (vk.RenderPass, error) {
	d := c.device
	subpass := vk.SubpassDescription{
		PipelineBindPoint: vk.PipelineBindPointGraphics,
	}

	loadOp, initial := vk.AttachmentLoadOpClear, vk.ImageLayoutUndefined
	if key.load {
		loadOp, initial = vk.AttachmentLoadOpLoad, vk.ImageLayoutPresentSrc
	}
	attachments := []vk.AttachmentDescription{{
		Format:         key.color,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         loadOp,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  initial,
		// Transitioned to after the render pass
		FinalLayout: vk.ImageLayoutPresentSrc,
	}}
	subpass.ColorAttachmentCount = 1
	subpass.PColorAttachments = []vk.AttachmentReference{{
		Attachment: 0,
		Layout:     vk.ImageLayoutColorAttachmentOptimal,
	}}

	if key.depth != vk.FormatUndefined {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.depth,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: 1,
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	dependency := vk.SubpassDependency{
		SrcSubpass: vk.SubpassExternal,
		DstSubpass: 0,
		SrcStageMask: vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit) |
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
		SrcAccessMask: 0,
		DstStageMask: vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit) |
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit) |
			vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	var rp vk.RenderPass
	if res := vk.CreateRenderPass(d.logical, &info, d.allocator, &rp); res != vk.Success {
		return vk.NullRenderPass, d.check("vkCreateRenderPass", res)
	}
	core.LogDebug("render pass created for color %d, depth %d, load %t", key.color, key.depth, key.load)
	return rp, nil
}

func (c *renderpassCache) framebuffer(pass vk.RenderPass, color, depth vk.ImageView, width, height uint32) (vk.Framebuffer, error) {
	key := framebufferKey{pass: pass, color: color, depth: depth, width: width, height: height}
	var out vk.Framebuffer
	err := c.device.locks.SafeCall(RenderpassManagement, func() error {
		if fb, ok := c.framebuffers[key]; ok {
			out = fb.Handle
			return nil
		}
		views := []vk.ImageView{color}
		if depth != vk.NullImageView {
			views = append(views, depth)
		}
		fb, err := FramebufferCreate(c.device, pass, width, height, views)
		if err != nil {
			return err
		}
		c.framebuffers[key] = fb
		out = fb.Handle
		return nil
	})
	return out, err
}

// forget destroys every cached framebuffer that references view.
func (c *renderpassCache) forget(view vk.ImageView) {
	if c == nil || view == vk.NullImageView {
		return
	}
	c.device.locks.SafeCall(RenderpassManagement, func() error {
		for key, fb := range c.framebuffers {
			if key.color == view || key.depth == view {
				fb.Destroy(c.device)
				delete(c.framebuffers, key)
			}
		}
		return nil
	})
}

func (c *renderpassCache) destroy() {
	for key, fb := range c.framebuffers {
		fb.Destroy(c.device)
		delete(c.framebuffers, key)
	}
	for key, rp := range c.passes {
		vk.DestroyRenderPass(c.device.logical, rp, c.device.allocator)
		delete(c.passes, key)
	}
}
