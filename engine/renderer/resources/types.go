package resources

import (
	"sync/atomic"

	"github.com/spaghettifunk/ember/engine/containers"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type BufferHandle = containers.Handle[*Buffer]
type ImageHandle = containers.Handle[*Image]
type SamplerHandle = containers.Handle[*Sampler]

type BufferDesc struct {
	Name       string
	Size       uint64
	Usage      metadata.BufferUsage
	Kind       metadata.MemoryKind
	Mutability metadata.BufferMutability
}

type bufferCopy struct {
	native metadata.Buffer
	alloc  *memory.Allocation
}

/**
 * @brief A GPU buffer. Mutable buffers carry one copy per frame in flight so writing the copy
 * of the frame being recorded never touches memory an in-flight frame reads.
 */
type Buffer struct {
	Desc         BufferDesc
	CreatedFrame uint64
	copies       []bufferCopy
	uploads      atomic.Int32
}

// Native returns the API buffer to use for the frame in rotation slot slot.
func (b *Buffer) Native(slot int) metadata.Buffer {
	return b.copies[slot%len(b.copies)].native
}

func (b *Buffer) Copies() int {
	return len(b.copies)
}

func (b *Buffer) Size() uint64 {
	return b.Desc.Size
}

// Contains reports whether n bytes starting at offset lie inside the buffer.
func (b *Buffer) Contains(offset, n uint64) bool {
	return offset <= b.Desc.Size && n <= b.Desc.Size-offset
}

// BeginUpload and EndUpload bracket a transfer writing into the buffer. A destroyed buffer
// is not released while an upload is in flight.
func (b *Buffer) BeginUpload() { b.uploads.Add(1) }
func (b *Buffer) EndUpload()   { b.uploads.Add(-1) }

func (b *Buffer) busy() bool {
	return b.uploads.Load() > 0
}

type Image struct {
	Desc         metadata.ImageDesc
	CreatedFrame uint64
	native       metadata.Image
	alloc        *memory.Allocation
	layout       metadata.ImageLayout
	uploads      atomic.Int32
}

func (i *Image) Native() metadata.Image {
	return i.native
}

func (i *Image) BeginUpload() { i.uploads.Add(1) }
func (i *Image) EndUpload()   { i.uploads.Add(-1) }

func (i *Image) busy() bool {
	return i.uploads.Load() > 0
}

type Sampler struct {
	Desc   metadata.SamplerDesc
	native metadata.Sampler
}

func (s *Sampler) Native() metadata.Sampler {
	return s.native
}

/** @brief A drawable pair of vertex and index buffers. */
type Mesh struct {
	Vertices    BufferHandle
	Indices     BufferHandle
	IndexSize   metadata.IndexSize
	IndexCount  uint32
	VertexCount uint32
}

func (m Mesh) Indexed() bool {
	return !m.Indices.IsZero()
}
