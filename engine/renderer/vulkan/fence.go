package vulkan

import (
	"fmt"
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type VulkanFence struct {
	Handle vk.Fence

	mu sync.Mutex
	// serial of the last submission that signals the fence, and of the last one known complete.
	submitted uint64
	completed uint64
}

func (vf *VulkanFence) markSubmitted() uint64 {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	vf.submitted++
	return vf.submitted
}

func (vf *VulkanFence) markComplete() {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	vf.completed = vf.submitted
}

// done reports whether the submission with serial is known to have finished. A fence can only
// be submitted again once it signalled, so an older serial is always complete.
func (vf *VulkanFence) done(serial uint64) bool {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	return serial <= vf.completed || serial < vf.submitted
}

func (d *Device) CreateFence(signaled bool) (metadata.Fence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var pFence vk.Fence
	if res := vk.CreateFence(d.logical, &fenceCreateInfo, d.allocator, &pFence); res != vk.Success {
		return nil, d.check("vkCreateFence", res)
	}
	return &VulkanFence{Handle: pFence}, nil
}

// WaitFence blocks until f signals. Expiry of the timeout is a lost device.
func (d *Device) WaitFence(f metadata.Fence, timeout time.Duration) error {
	if err := d.lostErr("wait fence"); err != nil {
		return err
	}
	vf := f.(*VulkanFence)
	result := vk.WaitForFences(d.logical, 1, []vk.Fence{vf.Handle}, vk.True, uint64(timeout.Nanoseconds()))
	switch result {
	case vk.Success:
		vf.markComplete()
		return nil
	case vk.Timeout:
		core.LogError("vk_fence_wait - Timed out after %s", timeout)
		d.lost.Store(true)
		return fmt.Errorf("fence wait timed out after %s: %w", timeout, core.ErrDeviceLost)
	}
	return d.check("vkWaitForFences", result)
}

func (d *Device) FenceSignaled(f metadata.Fence) (bool, error) {
	if err := d.lostErr("fence status"); err != nil {
		return false, err
	}
	vf := f.(*VulkanFence)
	switch res := vk.GetFenceStatus(d.logical, vf.Handle); res {
	case vk.Success:
		vf.markComplete()
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, d.check("vkGetFenceStatus", res)
	}
}

func (d *Device) ResetFence(f metadata.Fence) error {
	vf := f.(*VulkanFence)
	if res := vk.ResetFences(d.logical, 1, []vk.Fence{vf.Handle}); res != vk.Success {
		return d.check("vkResetFences", res)
	}
	return nil
}

func (d *Device) DestroyFence(f metadata.Fence) {
	vf := f.(*VulkanFence)
	if vf.Handle != vk.NullFence {
		vk.DestroyFence(d.logical, vf.Handle, d.allocator)
		vf.Handle = vk.NullFence
	}
}

type VulkanSemaphore struct {
	Handle vk.Semaphore
}

func (d *Device) CreateSemaphore() (metadata.Semaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var handle vk.Semaphore
	if res := vk.CreateSemaphore(d.logical, &semaphoreCreateInfo, d.allocator, &handle); res != vk.Success {
		return nil, d.check("vkCreateSemaphore", res)
	}
	return &VulkanSemaphore{Handle: handle}, nil
}

func (d *Device) DestroySemaphore(s metadata.Semaphore) {
	sem := s.(*VulkanSemaphore)
	if sem.Handle != vk.NullSemaphore {
		vk.DestroySemaphore(d.logical, sem.Handle, d.allocator)
		sem.Handle = vk.NullSemaphore
	}
}

func semaphoreHandles(list []metadata.Semaphore) []vk.Semaphore {
	out := make([]vk.Semaphore, len(list))
	for i, s := range list {
		out[i] = s.(*VulkanSemaphore).Handle
	}
	return out
}
