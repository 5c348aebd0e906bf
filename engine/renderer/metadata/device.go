package metadata

import "time"

/**
 * @brief Native objects are opaque to everything above the backend. Each backend hands out its
 * own concrete types and type-asserts them back when they are passed in.
 */
type (
	Buffer              interface{}
	Image               interface{}
	Sampler             interface{}
	ShaderModule        interface{}
	DescriptorSetLayout interface{}
	PipelineLayout      interface{}
	Pipeline            interface{}
	DescriptorSet       interface{}
	Fence               interface{}
	Semaphore           interface{}
)

/** @brief A block of device memory returned by Device.AllocateMemory. */
type DeviceMemory interface {
	Size() uint64
	Kind() MemoryKind
	/** @brief The persistently mapped bytes of host-visible memory. nil for device-local memory. */
	Mapped() []byte
}

type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
}

type DeviceProperties struct {
	Name string
	/** @brief True when uploads can go to a transfer-only queue family. */
	HasDedicatedTransfer            bool
	MinUniformBufferOffsetAlignment uint64
	MinStorageBufferOffsetAlignment uint64
	MaxSamplerAnisotropy            float32
}

type ImageDesc struct {
	Name      string
	Extent    Extent2D
	Format    Format
	Usage     ImageUsage
	MipLevels uint32
}

type SamplerDesc struct {
	Name          string
	MinFilter     Filter
	MagFilter     Filter
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy float32
}

type DescriptorBinding struct {
	Binding uint32
	Kind    DescriptorKind
	/** @brief Array length, 0 for an unsized (runtime) array. */
	Count  uint32
	Stages ShaderStage
}

type PushConstantRange struct {
	Stages ShaderStage
	Offset uint32
	Size   uint32
}

type VertexAttribute struct {
	Location uint32
	Format   Format
	Offset   uint32
}

type ShaderStageDesc struct {
	Stage      ShaderStage
	Module     ShaderModule
	EntryPoint string
}

type GraphicsPipelineDesc struct {
	Name         string
	Layout       PipelineLayout
	Stages       []ShaderStageDesc
	Attributes   []VertexAttribute
	VertexStride uint32
	Topology     Topology
	CullMode     CullMode
	ColorFormat  Format
	DepthFormat  Format
	DepthTest    bool
	DepthWrite   bool
	Blend        bool
}

type DescriptorWrite struct {
	Binding      uint32
	ArrayElement uint32
	Kind         DescriptorKind
	Buffer       Buffer
	Offset       uint64
	Range        uint64
	Image        Image
	ImageFormat  Format
	Sampler      Sampler
}

type SubmitInfo struct {
	Commands []Command
	Waits    []Semaphore
	Signals  []Semaphore
	/** @brief Signalled once every command of the submission finished executing. May be nil. */
	Fence Fence
}

/**
 * @brief The explicit graphics API as seen by the engine core. Implemented by the Vulkan
 * backend and by the headless backend used in tests.
 */
type Device interface {
	Properties() DeviceProperties

	// AllocateMemory fails with an error wrapping core.ErrOutOfMemory when the device is full.
	AllocateMemory(size uint64, kind MemoryKind) (DeviceMemory, error)
	FreeMemory(mem DeviceMemory)

	CreateBuffer(name string, size uint64, usage BufferUsage, concurrent bool) (Buffer, MemoryRequirements, error)
	BindBufferMemory(buf Buffer, mem DeviceMemory, offset uint64) error
	DestroyBuffer(buf Buffer)

	CreateImage(desc ImageDesc, concurrent bool) (Image, MemoryRequirements, error)
	BindImageMemory(img Image, mem DeviceMemory, offset uint64) error
	DestroyImage(img Image)

	CreateSampler(desc SamplerDesc) (Sampler, error)
	DestroySampler(s Sampler)

	CreateShaderModule(code []uint32) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(l DescriptorSetLayout)
	CreatePipelineLayout(sets []DescriptorSetLayout, pushConstants []PushConstantRange) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	AllocateDescriptorSet(layout DescriptorSetLayout) (DescriptorSet, error)
	WriteDescriptorSet(set DescriptorSet, writes []DescriptorWrite) error
	FreeDescriptorSet(set DescriptorSet)

	CreateFence(signaled bool) (Fence, error)
	// WaitFence blocks until f is signalled. Expiry of timeout is reported as core.ErrDeviceLost.
	WaitFence(f Fence, timeout time.Duration) error
	FenceSignaled(f Fence) (bool, error)
	ResetFence(f Fence) error
	DestroyFence(f Fence)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)

	Submit(queue QueueKind, info SubmitInfo) error
	WaitIdle() error

	CreateSwapchain(extent Extent2D, old Swapchain) (Swapchain, error)

	Destroy()
}

/** @brief The presentable images of a surface. */
type Swapchain interface {
	Format() Format
	Extent() Extent2D
	Images() []Image
	DepthFormat() Format
	DepthImage() Image
	// AcquireNextImage returns core.ErrSwapchainBooting when the swapchain must be recreated.
	AcquireNextImage(signal Semaphore, timeout time.Duration) (uint32, error)
	// Present returns core.ErrSwapchainBooting when the swapchain is out of date or suboptimal.
	Present(imageIndex uint32, wait Semaphore) error
	Destroy()
}
