package frame

import (
	"fmt"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
)

type RenderingDesc struct {
	ClearColor [4]float32
	ClearDepth float32
	// Load keeps the previous contents of the target instead of clearing it.
	Load bool
	// NoDepth renders without the depth attachment.
	NoDepth bool
}

/**
 * @brief Records the commands of one frame. Handles are resolved to native objects when a
 * command is recorded, so destroying or reloading a resource afterwards never changes what
 * this frame submits.
 */
type Encoder struct {
	ctx       *Context
	resources *resources.Manager
	pipelines *pipeline.Builder

	cmds      []metadata.Command
	rendering bool
	layout    metadata.PipelineLayout
	done      bool
}

func newEncoder(ctx *Context, mgr *resources.Manager, pipelines *pipeline.Builder) *Encoder {
	return &Encoder{ctx: ctx, resources: mgr, pipelines: pipelines}
}

func (e *Encoder) record(cmd metadata.Command) error {
	if e.done {
		return fmt.Errorf("frame %d already submitted: %w", e.ctx.Frame, core.ErrNotRecording)
	}
	e.cmds = append(e.cmds, cmd)
	return nil
}

// finish closes an open render pass and hands over the command list.
func (e *Encoder) finish() []metadata.Command {
	if e.rendering {
		e.cmds = append(e.cmds, metadata.CmdEndRendering{})
		e.rendering = false
	}
	e.done = true
	cmds := e.cmds
	e.cmds = nil
	return cmds
}

// Len returns the number of commands recorded so far.
func (e *Encoder) Len() int {
	return len(e.cmds)
}

// BeginRendering starts rendering into the frame target with a full viewport and scissor.
func (e *Encoder) BeginRendering(desc RenderingDesc) error {
	if e.rendering {
		return fmt.Errorf("rendering already begun: %w", core.ErrInvalidArgument)
	}
	t := e.ctx.Target
	cmd := metadata.CmdBeginRendering{
		Color:       t.Color,
		ColorFormat: t.ColorFormat,
		Extent:      t.Extent,
		ClearColor:  desc.ClearColor,
		ClearDepth:  desc.ClearDepth,
		Load:        desc.Load,
	}
	if !desc.NoDepth {
		cmd.Depth = t.Depth
		cmd.DepthFormat = t.DepthFormat
	}
	if err := e.record(cmd); err != nil {
		return err
	}
	e.rendering = true
	e.cmds = append(e.cmds,
		metadata.CmdSetViewport{Viewport: metadata.Viewport{
			Width: float32(t.Extent.Width), Height: float32(t.Extent.Height), MaxDepth: 1,
		}},
		metadata.CmdSetScissor{Rect: metadata.Rect2D{Extent: t.Extent}},
	)
	return nil
}

func (e *Encoder) EndRendering() error {
	if !e.rendering {
		return fmt.Errorf("no rendering to end: %w", core.ErrInvalidArgument)
	}
	e.rendering = false
	return e.record(metadata.CmdEndRendering{})
}

func (e *Encoder) SetViewport(v metadata.Viewport) error {
	return e.record(metadata.CmdSetViewport{Viewport: v})
}

func (e *Encoder) SetScissor(r metadata.Rect2D) error {
	return e.record(metadata.CmdSetScissor{Rect: r})
}

func (e *Encoder) requireRendering(op string) error {
	if !e.rendering {
		return fmt.Errorf("%s outside of rendering: %w", op, core.ErrInvalidArgument)
	}
	return nil
}

func (e *Encoder) BindPipeline(h pipeline.PipelineHandle) error {
	native, layout, err := e.pipelines.ForBind(h)
	if err != nil {
		return err
	}
	if err := e.record(metadata.CmdBindPipeline{Pipeline: native}); err != nil {
		return err
	}
	e.layout = layout
	return nil
}

func (e *Encoder) BindVertexBuffers(first uint32, buffers []resources.BufferHandle, offsets []uint64) error {
	if offsets != nil && len(offsets) != len(buffers) {
		return fmt.Errorf("%d vertex buffers with %d offsets: %w", len(buffers), len(offsets), core.ErrInvalidArgument)
	}
	cmd := metadata.CmdBindVertexBuffers{FirstBinding: first, Offsets: make([]uint64, len(buffers))}
	copy(cmd.Offsets, offsets)
	for _, h := range buffers {
		buf, err := e.resources.Buffer(h)
		if err != nil {
			return err
		}
		cmd.Buffers = append(cmd.Buffers, buf.Native(e.ctx.Slot))
	}
	return e.record(cmd)
}

func (e *Encoder) BindIndexBuffer(h resources.BufferHandle, offset uint64, size metadata.IndexSize) error {
	if size != metadata.IndexSize16 && size != metadata.IndexSize32 {
		return fmt.Errorf("index size %d: %w", size, core.ErrInvalidArgument)
	}
	buf, err := e.resources.Buffer(h)
	if err != nil {
		return err
	}
	return e.record(metadata.CmdBindIndexBuffer{Buffer: buf.Native(e.ctx.Slot), Offset: offset, IndexSize: size})
}

func (e *Encoder) BindDescriptorSet(h pipeline.DescriptorSetHandle) error {
	set, index, layout, err := e.pipelines.ForBindSet(h)
	if err != nil {
		return err
	}
	return e.record(metadata.CmdBindDescriptorSet{Layout: layout, SetIndex: index, Set: set})
}

// PushConstants writes data into the push constant range of the bound pipeline.
func (e *Encoder) PushConstants(stages metadata.ShaderStage, offset uint32, data []byte) error {
	if e.layout == nil {
		return fmt.Errorf("push constants without a bound pipeline: %w", core.ErrInvalidArgument)
	}
	return e.record(metadata.CmdPushConstants{
		Layout: e.layout,
		Stages: stages,
		Offset: offset,
		Data:   append([]byte(nil), data...),
	})
}

func (e *Encoder) Draw(vertices, instances, firstVertex, firstInstance uint32) error {
	if err := e.requireRendering("draw"); err != nil {
		return err
	}
	return e.record(metadata.CmdDraw{VertexCount: vertices, InstanceCount: instances, FirstVertex: firstVertex, FirstInstance: firstInstance})
}

func (e *Encoder) DrawIndexed(indices, instances, firstIndex uint32, vertexOffset int32, firstInstance uint32) error {
	if err := e.requireRendering("draw"); err != nil {
		return err
	}
	return e.record(metadata.CmdDrawIndexed{
		IndexCount:    indices,
		InstanceCount: instances,
		FirstIndex:    firstIndex,
		VertexOffset:  vertexOffset,
		FirstInstance: firstInstance,
	})
}

// DrawMesh binds the buffers of m and draws it, indexed when it has an index buffer.
func (e *Encoder) DrawMesh(m resources.Mesh, instances uint32) error {
	if instances == 0 {
		instances = 1
	}
	if err := e.BindVertexBuffers(0, []resources.BufferHandle{m.Vertices}, nil); err != nil {
		return err
	}
	if !m.Indexed() {
		return e.Draw(m.VertexCount, instances, 0, 0)
	}
	if err := e.BindIndexBuffer(m.Indices, 0, m.IndexSize); err != nil {
		return err
	}
	return e.DrawIndexed(m.IndexCount, instances, 0, 0, 0)
}

func (e *Encoder) CopyBuffer(src resources.BufferHandle, srcOffset uint64, dst resources.BufferHandle, dstOffset, size uint64) error {
	if e.rendering {
		return fmt.Errorf("copy inside rendering: %w", core.ErrInvalidArgument)
	}
	s, err := e.resources.Buffer(src)
	if err != nil {
		return err
	}
	d, err := e.resources.Buffer(dst)
	if err != nil {
		return err
	}
	if !s.Contains(srcOffset, size) || !d.Contains(dstOffset, size) {
		return fmt.Errorf("copy of %d bytes: %w", size, core.ErrOutOfRange)
	}
	return e.record(metadata.CmdCopyBuffer{
		Src: s.Native(e.ctx.Slot), SrcOffset: srcOffset,
		Dst: d.Native(e.ctx.Slot), DstOffset: dstOffset,
		Size: size,
	})
}

// ImageBarrier transitions h from assumed to next. A wrong assumption fails without recording.
func (e *Encoder) ImageBarrier(h resources.ImageHandle, assumed, next metadata.ImageLayout) error {
	if e.done {
		return fmt.Errorf("frame %d already submitted: %w", e.ctx.Frame, core.ErrNotRecording)
	}
	barrier, err := e.resources.TransitionImage(h, assumed, next)
	if err != nil {
		return err
	}
	return e.record(metadata.CmdImageBarrier{Barrier: barrier})
}
