package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

var formats = map[metadata.Format]vk.Format{
	metadata.FormatUndefined:          vk.FormatUndefined,
	metadata.FormatR8Unorm:            vk.FormatR8Unorm,
	metadata.FormatR8G8B8A8Unorm:      vk.FormatR8g8b8a8Unorm,
	metadata.FormatR8G8B8A8Srgb:       vk.FormatR8g8b8a8Srgb,
	metadata.FormatB8G8R8A8Unorm:      vk.FormatB8g8r8a8Unorm,
	metadata.FormatB8G8R8A8Srgb:       vk.FormatB8g8r8a8Srgb,
	metadata.FormatR16G16B16A16Sfloat: vk.FormatR16g16b16a16Sfloat,
	metadata.FormatR32Sfloat:          vk.FormatR32Sfloat,
	metadata.FormatR32G32Sfloat:       vk.FormatR32g32Sfloat,
	metadata.FormatR32G32B32Sfloat:    vk.FormatR32g32b32Sfloat,
	metadata.FormatR32G32B32A32Sfloat: vk.FormatR32g32b32a32Sfloat,
	metadata.FormatR32Sint:            vk.FormatR32Sint,
	metadata.FormatR32G32Sint:         vk.FormatR32g32Sint,
	metadata.FormatR32G32B32Sint:      vk.FormatR32g32b32Sint,
	metadata.FormatR32G32B32A32Sint:   vk.FormatR32g32b32a32Sint,
	metadata.FormatR32Uint:            vk.FormatR32Uint,
	metadata.FormatR32G32Uint:         vk.FormatR32g32Uint,
	metadata.FormatR32G32B32Uint:      vk.FormatR32g32b32Uint,
	metadata.FormatR32G32B32A32Uint:   vk.FormatR32g32b32a32Uint,
	metadata.FormatD32Sfloat:          vk.FormatD32Sfloat,
	metadata.FormatD24UnormS8Uint:     vk.FormatD24UnormS8Uint,
}

func vkFormat(f metadata.Format) vk.Format {
	if v, ok := formats[f]; ok {
		return v
	}
	return vk.FormatUndefined
}

func engineFormat(f vk.Format) metadata.Format {
	for k, v := range formats {
		if v == f {
			return k
		}
	}
	return metadata.FormatUndefined
}

func aspectOf(f metadata.Format) vk.ImageAspectFlags {
	if f.IsDepth() {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

func vkImageLayout(l metadata.ImageLayout) vk.ImageLayout {
	switch l {
	case metadata.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case metadata.ImageLayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case metadata.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case metadata.ImageLayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.ImageLayoutDepthAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case metadata.ImageLayoutGeneral:
		return vk.ImageLayoutGeneral
	case metadata.ImageLayoutPresent:
		return vk.ImageLayoutPresentSrc
	}
	return vk.ImageLayoutUndefined
}

// layoutAccess returns the access mask and pipeline stages that touch an image in layout l.
func layoutAccess(l metadata.ImageLayout) (vk.AccessFlags, vk.PipelineStageFlags) {
	switch l {
	case metadata.ImageLayoutUndefined:
		return 0, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	case metadata.ImageLayoutTransferDst:
		return vk.AccessFlags(vk.AccessTransferWriteBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case metadata.ImageLayoutTransferSrc:
		return vk.AccessFlags(vk.AccessTransferReadBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case metadata.ImageLayoutShaderReadOnly:
		return vk.AccessFlags(vk.AccessShaderReadBit),
			vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit) | vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
	case metadata.ImageLayoutColorAttachment:
		return vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	case metadata.ImageLayoutDepthAttachment:
		return vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit) | vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit) | vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit)
	case metadata.ImageLayoutPresent:
		return 0, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	}
	return vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
}

func vkShaderStages(s metadata.ShaderStage) vk.ShaderStageFlags {
	var out vk.ShaderStageFlags
	if s&metadata.ShaderStageVertex != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageVertexBit)
	}
	if s&metadata.ShaderStageTessControl != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageTessellationControlBit)
	}
	if s&metadata.ShaderStageTessEval != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageTessellationEvaluationBit)
	}
	if s&metadata.ShaderStageGeometry != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageGeometryBit)
	}
	if s&metadata.ShaderStageFragment != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
	}
	if s&metadata.ShaderStageCompute != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageComputeBit)
	}
	return out
}

func vkDescriptorType(k metadata.DescriptorKind) vk.DescriptorType {
	switch k {
	case metadata.DescriptorUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case metadata.DescriptorStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case metadata.DescriptorSampler:
		return vk.DescriptorTypeSampler
	case metadata.DescriptorSampledImage:
		return vk.DescriptorTypeSampledImage
	case metadata.DescriptorCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case metadata.DescriptorStorageImage:
		return vk.DescriptorTypeStorageImage
	case metadata.DescriptorUniformTexelBuffer:
		return vk.DescriptorTypeUniformTexelBuffer
	case metadata.DescriptorStorageTexelBuffer:
		return vk.DescriptorTypeStorageTexelBuffer
	}
	return vk.DescriptorTypeInputAttachment
}

func vkBufferUsage(u metadata.BufferUsage) vk.BufferUsageFlags {
	var out vk.BufferUsageFlags
	if u.Has(metadata.BufferUsageTransferSrc) {
		out |= vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
	}
	if u.Has(metadata.BufferUsageTransferDst) {
		out |= vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	}
	if u.Has(metadata.BufferUsageUniform) {
		out |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	if u.Has(metadata.BufferUsageStorage) {
		out |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}
	if u.Has(metadata.BufferUsageVertex) {
		out |= vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	}
	if u.Has(metadata.BufferUsageIndex) {
		out |= vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	}
	return out
}

func vkImageUsage(u metadata.ImageUsage) vk.ImageUsageFlags {
	var out vk.ImageUsageFlags
	if u.Has(metadata.ImageUsageTransferSrc) {
		out |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	}
	if u.Has(metadata.ImageUsageTransferDst) {
		out |= vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}
	if u.Has(metadata.ImageUsageSampled) {
		out |= vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	}
	if u.Has(metadata.ImageUsageStorage) {
		out |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}
	if u.Has(metadata.ImageUsageColorAttachment) {
		out |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	if u.Has(metadata.ImageUsageDepthAttachment) {
		out |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	}
	return out
}

func vkFilter(f metadata.Filter) vk.Filter {
	if f == metadata.FilterNearest {
		return vk.FilterNearest
	}
	return vk.FilterLinear
}

func vkAddressMode(m metadata.AddressMode) vk.SamplerAddressMode {
	switch m {
	case metadata.AddressMirroredRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	case metadata.AddressClampToEdge:
		return vk.SamplerAddressModeClampToEdge
	case metadata.AddressClampToBorder:
		return vk.SamplerAddressModeClampToBorder
	}
	return vk.SamplerAddressModeRepeat
}

func vkTopology(t metadata.Topology) vk.PrimitiveTopology {
	switch t {
	case metadata.TopologyTriangleStrip:
		return vk.PrimitiveTopologyTriangleStrip
	case metadata.TopologyLineList:
		return vk.PrimitiveTopologyLineList
	case metadata.TopologyPointList:
		return vk.PrimitiveTopologyPointList
	}
	return vk.PrimitiveTopologyTriangleList
}

func vkCullMode(c metadata.CullMode) vk.CullModeFlags {
	switch c {
	case metadata.CullBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	case metadata.CullFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	}
	return vk.CullModeFlags(vk.CullModeNone)
}
