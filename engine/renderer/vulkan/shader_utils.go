package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

/**
 * @brief A compiled shader module.
 */
type VulkanShaderModule struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
}

func (d *Device) CreateShaderModule(code []uint32) (metadata.ShaderModule, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("empty shader module: %w", core.ErrInvalidArgument)
	}
	info := vk.ShaderModuleCreateInfo{
		SType: vk.StructureTypeShaderModuleCreateInfo,
		// Use the size in bytes of the code directly.
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}
	var handle vk.ShaderModule
	if res := vk.CreateShaderModule(d.logical, &info, d.allocator, &handle); res != vk.Success {
		return nil, d.check("vkCreateShaderModule", res)
	}
	return &VulkanShaderModule{Handle: handle}, nil
}

func (d *Device) DestroyShaderModule(m metadata.ShaderModule) {
	sm := m.(*VulkanShaderModule)
	vk.DestroyShaderModule(d.logical, sm.Handle, d.allocator)
	sm.Handle = vk.NullShaderModule
}

func shaderStageInfo(s metadata.ShaderStageDesc) vk.PipelineShaderStageCreateInfo {
	entry := s.EntryPoint
	if entry == "" {
		entry = "main"
	}
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  vk.ShaderStageFlagBits(vkShaderStages(s.Stage)),
		Module: s.Module.(*VulkanShaderModule).Handle,
		PName:  VulkanSafeString(entry),
	}
}
