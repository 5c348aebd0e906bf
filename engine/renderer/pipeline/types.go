package pipeline

import (
	"github.com/spaghettifunk/ember/engine/containers"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/shader"
)

type PipelineHandle = containers.Handle[*Pipeline]
type LayoutHandle = containers.Handle[*Layout]
type DescriptorSetHandle = containers.Handle[*DescriptorSet]

// TargetFormat is the render target signature a pipeline is compiled against.
type TargetFormat struct {
	Color metadata.Format
	Depth metadata.Format
}

type PipelineDesc struct {
	Name    string
	Sources []shader.Source
	// VertexStride overrides the tightly packed stride derived from the vertex inputs.
	VertexStride uint32
	Topology     metadata.Topology
	CullMode     metadata.CullMode
	DepthTest    bool
	DepthWrite   bool
	Blend        bool
	// Target defaults to the builder's current render target when zero.
	Target TargetFormat
}

/** @brief Native descriptor set layouts and pipeline layout derived from a reflected layout. */
type Layout struct {
	Reflected  *shader.Layout
	setLayouts []metadata.DescriptorSetLayout
	native     metadata.PipelineLayout
	signature  string
	refs       int
}

func (l *Layout) Native() metadata.PipelineLayout {
	return l.native
}

type Pipeline struct {
	Desc    PipelineDesc
	Layout  LayoutHandle
	Version uint32
	native  metadata.Pipeline
	code    [][]uint32
	target  TargetFormat
	// set indices that must be allocated again before the pipeline can be bound
	missingSets map[uint32]bool
}

// Native is the current API pipeline object.
func (p *Pipeline) Native() metadata.Pipeline {
	return p.native
}

func (p *Pipeline) AwaitingDescriptorSets() bool {
	return len(p.missingSets) > 0
}

type DescriptorSet struct {
	Pipeline PipelineHandle
	Layout   LayoutHandle
	Set      uint32
	native   metadata.DescriptorSet
}

func (d *DescriptorSet) Native() metadata.DescriptorSet {
	return d.native
}

// Write binds one resource to a binding of a descriptor set. The descriptor kind comes
// from the reflected layout.
type Write struct {
	Binding      uint32
	ArrayElement uint32
	Buffer       resources.BufferHandle
	Offset       uint64
	// Range 0 means the whole buffer past Offset.
	Range   uint64
	Image   resources.ImageHandle
	Sampler resources.SamplerHandle
	// Slot picks the copy of a mutable buffer.
	Slot int
}
