package metadata

import "fmt"

/** @brief Where a resource's backing memory lives. */
type MemoryKind uint8

const (
	/** @brief CPU-writable memory, persistently mapped. Used for staging and per-frame data. */
	MemoryHostVisible MemoryKind = iota
	/** @brief GPU-only memory. Only reachable through transfer commands. */
	MemoryDeviceLocal
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryHostVisible:
		return "host-visible"
	case MemoryDeviceLocal:
		return "device-local"
	default:
		return fmt.Sprintf("memory-kind(%d)", uint8(k))
	}
}

/** @brief Whether a buffer is rewritten every frame. */
type BufferMutability uint8

const (
	BufferImmutable BufferMutability = iota
	/** @brief One copy per frame in flight, the copy for the current slot is the one written. */
	BufferMutable
)

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageVertex
	BufferUsageIndex
)

func (u BufferUsage) Has(f BufferUsage) bool {
	return u&f == f
}

type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthAttachment
)

func (u ImageUsage) Has(f ImageUsage) bool {
	return u&f == f
}

type Format uint32

const (
	FormatUndefined Format = iota
	FormatR8Unorm
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
	FormatB8G8R8A8Unorm
	FormatB8G8R8A8Srgb
	FormatR16G16B16A16Sfloat
	FormatR32Sfloat
	FormatR32G32Sfloat
	FormatR32G32B32Sfloat
	FormatR32G32B32A32Sfloat
	FormatR32Sint
	FormatR32G32Sint
	FormatR32G32B32Sint
	FormatR32G32B32A32Sint
	FormatR32Uint
	FormatR32G32Uint
	FormatR32G32B32Uint
	FormatR32G32B32A32Uint
	FormatD32Sfloat
	FormatD24UnormS8Uint
)

var formatNames = map[Format]string{
	FormatUndefined:          "undefined",
	FormatR8Unorm:            "r8_unorm",
	FormatR8G8B8A8Unorm:      "rgba8_unorm",
	FormatR8G8B8A8Srgb:       "rgba8_srgb",
	FormatB8G8R8A8Unorm:      "bgra8_unorm",
	FormatB8G8R8A8Srgb:       "bgra8_srgb",
	FormatR16G16B16A16Sfloat: "rgba16_sfloat",
	FormatR32Sfloat:          "r32_sfloat",
	FormatR32G32Sfloat:       "rg32_sfloat",
	FormatR32G32B32Sfloat:    "rgb32_sfloat",
	FormatR32G32B32A32Sfloat: "rgba32_sfloat",
	FormatR32Sint:            "r32_sint",
	FormatR32G32Sint:         "rg32_sint",
	FormatR32G32B32Sint:      "rgb32_sint",
	FormatR32G32B32A32Sint:   "rgba32_sint",
	FormatR32Uint:            "r32_uint",
	FormatR32G32Uint:         "rg32_uint",
	FormatR32G32B32Uint:      "rgb32_uint",
	FormatR32G32B32A32Uint:   "rgba32_uint",
	FormatD32Sfloat:          "d32_sfloat",
	FormatD24UnormS8Uint:     "d24_unorm_s8_uint",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("format(%d)", uint32(f))
}

// BytesPerPixel returns the texel size of uncompressed formats, 0 when unknown.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8Unorm:
		return 1
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8Srgb, FormatB8G8R8A8Unorm, FormatB8G8R8A8Srgb,
		FormatR32Sfloat, FormatR32Sint, FormatR32Uint, FormatD32Sfloat, FormatD24UnormS8Uint:
		return 4
	case FormatR16G16B16A16Sfloat, FormatR32G32Sfloat, FormatR32G32Sint, FormatR32G32Uint:
		return 8
	case FormatR32G32B32Sfloat, FormatR32G32B32Sint, FormatR32G32B32Uint:
		return 12
	case FormatR32G32B32A32Sfloat, FormatR32G32B32A32Sint, FormatR32G32B32A32Uint:
		return 16
	}
	return 0
}

func (f Format) IsDepth() bool {
	return f == FormatD32Sfloat || f == FormatD24UnormS8Uint
}

/** @brief The tracked state of an image, mirrors the explicit API image layouts. */
type ImageLayout uint8

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutTransferDst
	ImageLayoutTransferSrc
	ImageLayoutShaderReadOnly
	ImageLayoutColorAttachment
	ImageLayoutDepthAttachment
	ImageLayoutGeneral
	ImageLayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "undefined"
	case ImageLayoutTransferDst:
		return "transfer-dst"
	case ImageLayoutTransferSrc:
		return "transfer-src"
	case ImageLayoutShaderReadOnly:
		return "shader-read-only"
	case ImageLayoutColorAttachment:
		return "color-attachment"
	case ImageLayoutDepthAttachment:
		return "depth-attachment"
	case ImageLayoutGeneral:
		return "general"
	case ImageLayoutPresent:
		return "present"
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageTessControl
	ShaderStageTessEval
	ShaderStageGeometry
	ShaderStageFragment
	ShaderStageCompute

	ShaderStageAllGraphics = ShaderStageVertex | ShaderStageTessControl | ShaderStageTessEval |
		ShaderStageGeometry | ShaderStageFragment
)

func (s ShaderStage) String() string {
	names := []string{"vertex", "tess-control", "tess-eval", "geometry", "fragment", "compute"}
	out := ""
	for i, n := range names {
		if s&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

type DescriptorKind uint8

const (
	DescriptorUniformBuffer DescriptorKind = iota
	DescriptorStorageBuffer
	DescriptorSampler
	DescriptorSampledImage
	DescriptorCombinedImageSampler
	DescriptorStorageImage
	DescriptorUniformTexelBuffer
	DescriptorStorageTexelBuffer
	DescriptorInputAttachment
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorUniformBuffer:
		return "uniform-buffer"
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorSampler:
		return "sampler"
	case DescriptorSampledImage:
		return "sampled-image"
	case DescriptorCombinedImageSampler:
		return "combined-image-sampler"
	case DescriptorStorageImage:
		return "storage-image"
	case DescriptorUniformTexelBuffer:
		return "uniform-texel-buffer"
	case DescriptorStorageTexelBuffer:
		return "storage-texel-buffer"
	case DescriptorInputAttachment:
		return "input-attachment"
	}
	return fmt.Sprintf("descriptor(%d)", uint8(k))
}

func (k DescriptorKind) IsBuffer() bool {
	return k == DescriptorUniformBuffer || k == DescriptorStorageBuffer
}

func (k DescriptorKind) IsImage() bool {
	return k == DescriptorSampledImage || k == DescriptorCombinedImageSampler ||
		k == DescriptorStorageImage || k == DescriptorInputAttachment
}

type IndexSize uint8

const (
	IndexSize16 IndexSize = 2
	IndexSize32 IndexSize = 4
)

type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueueTransfer
)

func (q QueueKind) String() string {
	if q == QueueTransfer {
		return "transfer"
	}
	return "graphics"
}

type Filter uint8

const (
	FilterLinear Filter = iota
	FilterNearest
)

type AddressMode uint8

const (
	AddressRepeat AddressMode = iota
	AddressMirroredRepeat
	AddressClampToEdge
	AddressClampToBorder
)

type CullMode uint8

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

type Topology uint8

const (
	TopologyTriangleList Topology = iota
	TopologyTriangleStrip
	TopologyLineList
	TopologyPointList
)

type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

type Rect2D struct {
	X, Y   int32
	Extent Extent2D
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}
