package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	vBeginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: 0,
	}
	if isSingleUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isRenderpassContinue {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if isSimultaneousUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}
	if res := vk.BeginCommandBuffer(v.Handle, vBeginInfo); res != vk.Success {
		return resultError("vkBeginCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		return resultError("vkEndCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

func (v *VulkanCommandBuffer) Reset() error {
	if res := vk.ResetCommandBuffer(v.Handle, 0); res != vk.Success {
		return resultError("vkResetCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_READY
	return nil
}

type inFlightCommands struct {
	cb     *VulkanCommandBuffer
	fence  *VulkanFence
	serial uint64
	// the fence belongs to the pool, it was not supplied by the submitter.
	own bool
}

/**
 * @brief The command buffers of one queue. A buffer is recorded per submission and returns to
 * the pool once the fence of its submission is known to have signalled. Callers hold the
 * QueueManagement lock.
 */
type commandPool struct {
	device   *Device
	kind     metadata.QueueKind
	queue    vk.Queue
	handle   vk.CommandPool
	free     []*VulkanCommandBuffer
	inFlight []inFlightCommands
	fences   []*VulkanFence
}

func newCommandPool(d *Device, kind metadata.QueueKind, family uint32, queue vk.Queue) (*commandPool, error) {
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	p := &commandPool{device: d, kind: kind, queue: queue}
	if res := vk.CreateCommandPool(d.logical, &poolCreateInfo, d.allocator, &p.handle); res != vk.Success {
		return nil, resultError(fmt.Sprintf("vkCreateCommandPool for the %s queue", kind), res)
	}
	return p, nil
}

func (p *commandPool) acquire() (*VulkanCommandBuffer, error) {
	p.reclaim()
	if n := len(p.free); n > 0 {
		cb := p.free[n-1]
		p.free = p.free[:n-1]
		if err := cb.Reset(); err != nil {
			return nil, err
		}
		return cb, nil
	}
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.handle,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	handles := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(p.device.logical, &allocateInfo, handles); res != vk.Success {
		return nil, p.device.check("vkAllocateCommandBuffers", res)
	}
	core.LogDebug("%s command buffer allocated, %d in flight", p.kind, len(p.inFlight))
	return &VulkanCommandBuffer{Handle: handles[0], State: COMMAND_BUFFER_STATE_READY}, nil
}

// release returns a command buffer that was never submitted.
func (p *commandPool) release(cb *VulkanCommandBuffer) {
	p.free = append(p.free, cb)
}

// internalFence returns an unsignalled fence for a submission that did not bring one.
func (p *commandPool) internalFence() (*VulkanFence, error) {
	if n := len(p.fences); n > 0 {
		f := p.fences[n-1]
		p.fences = p.fences[:n-1]
		return f, nil
	}
	f, err := p.device.CreateFence(false)
	if err != nil {
		return nil, err
	}
	return f.(*VulkanFence), nil
}

func (p *commandPool) track(cb *VulkanCommandBuffer, fence *VulkanFence, serial uint64, own bool) {
	cb.UpdateSubmitted()
	p.inFlight = append(p.inFlight, inFlightCommands{cb: cb, fence: fence, serial: serial, own: own})
}

func (p *commandPool) reclaim() {
	kept := p.inFlight[:0]
	for _, f := range p.inFlight {
		done := f.fence.done(f.serial)
		if !done && f.own && vk.GetFenceStatus(p.device.logical, f.fence.Handle) == vk.Success {
			done = true
		}
		if !done {
			kept = append(kept, f)
			continue
		}
		p.recycle(f)
	}
	p.inFlight = kept
}

func (p *commandPool) recycle(f inFlightCommands) {
	f.cb.State = COMMAND_BUFFER_STATE_READY
	p.free = append(p.free, f.cb)
	if f.own {
		vk.ResetFences(p.device.logical, 1, []vk.Fence{f.fence.Handle})
		p.fences = append(p.fences, f.fence)
	}
}

// completeAll recycles everything, the device was just waited idle.
func (p *commandPool) completeAll() {
	for _, f := range p.inFlight {
		f.fence.markComplete()
		p.recycle(f)
	}
	p.inFlight = p.inFlight[:0]
}

func (p *commandPool) destroy() {
	for _, f := range p.fences {
		p.device.DestroyFence(f)
	}
	for _, f := range p.inFlight {
		if f.own {
			p.device.DestroyFence(f.fence)
		}
	}
	p.fences, p.inFlight, p.free = nil, nil, nil
	// Freeing the pool frees its command buffers.
	vk.DestroyCommandPool(p.device.logical, p.handle, p.device.allocator)
	p.handle = vk.NullCommandPool
}
