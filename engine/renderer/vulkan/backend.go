package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// Submit records the commands into a fresh command buffer and submits it to queue.
func (d *Device) Submit(queue metadata.QueueKind, info metadata.SubmitInfo) error {
	if err := d.lostErr("submit"); err != nil {
		return err
	}
	pool, ok := d.commands[queue]
	if !ok {
		return fmt.Errorf("no dedicated %s queue family: %w", queue, core.ErrInvalidArgument)
	}
	return d.locks.SafeCall(QueueManagement, func() error {
		cb, err := pool.acquire()
		if err != nil {
			return err
		}
		if err := d.record(pool.kind, cb, info.Commands); err != nil {
			pool.release(cb)
			return err
		}

		own := info.Fence == nil
		var fence *VulkanFence
		if own {
			if fence, err = pool.internalFence(); err != nil {
				pool.release(cb)
				return err
			}
		} else {
			fence = info.Fence.(*VulkanFence)
		}

		waits := semaphoreHandles(info.Waits)
		stages := make([]vk.PipelineStageFlags, len(waits))
		for i := range stages {
			stages[i] = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		}
		signals := semaphoreHandles(info.Signals)
		submitInfo := vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(waits)),
			PWaitSemaphores:      waits,
			PWaitDstStageMask:    stages,
			CommandBufferCount:   1,
			PCommandBuffers:      []vk.CommandBuffer{cb.Handle},
			SignalSemaphoreCount: uint32(len(signals)),
			PSignalSemaphores:    signals,
		}
		serial := fence.markSubmitted()
		if res := vk.QueueSubmit(pool.queue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
			pool.release(cb)
			if own {
				pool.fences = append(pool.fences, fence)
			}
			return d.check("vkQueueSubmit", res)
		}
		pool.track(cb, fence, serial, own)
		return nil
	})
}

type recorder struct {
	device *Device
	queue  metadata.QueueKind
	cb     *VulkanCommandBuffer
}

func (d *Device) record(queue metadata.QueueKind, cb *VulkanCommandBuffer, cmds []metadata.Command) error {
	if err := cb.Begin(true, false, false); err != nil {
		return err
	}
	r := recorder{device: d, queue: queue, cb: cb}
	for _, cmd := range cmds {
		if err := r.replay(cmd); err != nil {
			cb.End()
			return err
		}
	}
	if cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		vk.CmdEndRenderPass(cb.Handle)
	}
	return cb.End()
}

func (r *recorder) replay(cmd metadata.Command) error {
	h := r.cb.Handle
	switch c := cmd.(type) {
	case metadata.CmdBeginRendering:
		return r.beginRendering(c)
	case metadata.CmdEndRendering:
		vk.CmdEndRenderPass(h)
		r.cb.State = COMMAND_BUFFER_STATE_RECORDING
	case metadata.CmdSetViewport:
		v := c.Viewport
		vk.CmdSetViewport(h, 0, 1, []vk.Viewport{{
			X: v.X, Y: v.Y, Width: v.Width, Height: v.Height, MinDepth: v.MinDepth, MaxDepth: v.MaxDepth,
		}})
	case metadata.CmdSetScissor:
		vk.CmdSetScissor(h, 0, 1, []vk.Rect2D{{
			Offset: vk.Offset2D{X: c.Rect.X, Y: c.Rect.Y},
			Extent: vk.Extent2D{Width: c.Rect.Extent.Width, Height: c.Rect.Extent.Height},
		}})
	case metadata.CmdBindPipeline:
		vk.CmdBindPipeline(h, vk.PipelineBindPointGraphics, c.Pipeline.(*VulkanPipeline).Handle)
	case metadata.CmdBindVertexBuffers:
		buffers := make([]vk.Buffer, len(c.Buffers))
		offsets := make([]vk.DeviceSize, len(c.Buffers))
		for i, b := range c.Buffers {
			buffers[i] = b.(*buffer).handle
			if i < len(c.Offsets) {
				offsets[i] = vk.DeviceSize(c.Offsets[i])
			}
		}
		vk.CmdBindVertexBuffers(h, c.FirstBinding, uint32(len(buffers)), buffers, offsets)
	case metadata.CmdBindIndexBuffer:
		indexType := vk.IndexTypeUint32
		if c.IndexSize == metadata.IndexSize16 {
			indexType = vk.IndexTypeUint16
		}
		vk.CmdBindIndexBuffer(h, c.Buffer.(*buffer).handle, vk.DeviceSize(c.Offset), indexType)
	case metadata.CmdBindDescriptorSet:
		layout := c.Layout.(*VulkanPipelineLayout)
		vk.CmdBindDescriptorSets(h, vk.PipelineBindPointGraphics, layout.Handle, c.SetIndex, 1,
			[]vk.DescriptorSet{c.Set.(*descriptorSet).handle}, 0, nil)
	case metadata.CmdPushConstants:
		if len(c.Data) == 0 {
			return nil
		}
		layout := c.Layout.(*VulkanPipelineLayout)
		vk.CmdPushConstants(h, layout.Handle, vkShaderStages(c.Stages), c.Offset, uint32(len(c.Data)), unsafe.Pointer(&c.Data[0]))
	case metadata.CmdDraw:
		vk.CmdDraw(h, c.VertexCount, c.InstanceCount, c.FirstVertex, c.FirstInstance)
	case metadata.CmdDrawIndexed:
		vk.CmdDrawIndexed(h, c.IndexCount, c.InstanceCount, c.FirstIndex, c.VertexOffset, c.FirstInstance)
	case metadata.CmdCopyBuffer:
		vk.CmdCopyBuffer(h, c.Src.(*buffer).handle, c.Dst.(*buffer).handle, 1, []vk.BufferCopy{{
			SrcOffset: vk.DeviceSize(c.SrcOffset),
			DstOffset: vk.DeviceSize(c.DstOffset),
			Size:      vk.DeviceSize(c.Size),
		}})
	case metadata.CmdCopyBufferToImage:
		img := c.Dst.(*VulkanImage)
		vk.CmdCopyBufferToImage(h, c.Src.(*buffer).handle, img.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
			BufferOffset: vk.DeviceSize(c.SrcOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: aspectOf(c.Format),
				MipLevel:   0,
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: c.Extent.Width, Height: c.Extent.Height, Depth: 1},
		}})
	case metadata.CmdImageBarrier:
		r.barrier(c.Barrier)
	default:
		return fmt.Errorf("unsupported command %T: %w", cmd, core.ErrInvalidArgument)
	}
	return nil
}

func (r *recorder) beginRendering(c metadata.CmdBeginRendering) error {
	color := c.Color.(*VulkanImage)
	key := renderpassKey{color: vkFormat(c.ColorFormat), load: c.Load}
	depthView := vk.NullImageView
	if depth, ok := c.Depth.(*VulkanImage); ok && c.DepthFormat != metadata.FormatUndefined {
		key.depth = vkFormat(c.DepthFormat)
		depthView = depth.View
	}
	cache := r.device.renderpasses
	pass, err := cache.pass(key)
	if err != nil {
		return err
	}
	fb, err := cache.framebuffer(pass, color.View, depthView, c.Extent.Width, c.Extent.Height)
	if err != nil {
		return err
	}

	clearValues := make([]vk.ClearValue, 1, 2)
	clearValues[0].SetColor(c.ClearColor[:])
	if depthView != vk.NullImageView {
		var depth vk.ClearValue
		depth.SetDepthStencil(c.ClearDepth, 0)
		clearValues = append(clearValues, depth)
	}
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: fb,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: c.Extent.Width, Height: c.Extent.Height},
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(r.cb.Handle, &beginInfo, vk.SubpassContentsInline)
	r.cb.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
	return nil
}

func (r *recorder) barrier(b metadata.ImageBarrier) {
	img := b.Image.(*VulkanImage)
	srcAccess, srcStage := layoutAccess(b.Old)
	dstAccess, dstStage := layoutAccess(b.New)
	if r.queue == metadata.QueueTransfer {
		// A transfer-only queue supports no shader or attachment stages.
		transfer := vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		if srcStage&^transfer != 0 {
			srcStage, srcAccess = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), 0
		}
		if dstStage&^transfer != 0 {
			dstStage, dstAccess = vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), 0
		}
	}
	mips := img.desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		OldLayout:           vkImageLayout(b.Old),
		NewLayout:           vkImageLayout(b.New),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspectOf(b.Format),
			LevelCount: mips,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(r.cb.Handle, srcStage, dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}
