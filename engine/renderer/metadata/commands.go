package metadata

/**
 * @brief A recorded command. Commands carry native objects, never handles, so the stream a
 * frame recorded is unaffected by destroys or reloads that happen after recording.
 */
type Command interface {
	isCommand()
}

type CmdBeginRendering struct {
	Color       Image
	ColorFormat Format
	Depth       Image
	DepthFormat Format
	Extent      Extent2D
	ClearColor  [4]float32
	ClearDepth  float32
	/** @brief Keep the previous contents instead of clearing. */
	Load bool
}

type CmdEndRendering struct{}

type CmdSetViewport struct {
	Viewport Viewport
}

type CmdSetScissor struct {
	Rect Rect2D
}

type CmdBindPipeline struct {
	Pipeline Pipeline
}

type CmdBindVertexBuffers struct {
	FirstBinding uint32
	Buffers      []Buffer
	Offsets      []uint64
}

type CmdBindIndexBuffer struct {
	Buffer    Buffer
	Offset    uint64
	IndexSize IndexSize
}

type CmdBindDescriptorSet struct {
	Layout   PipelineLayout
	SetIndex uint32
	Set      DescriptorSet
}

type CmdPushConstants struct {
	Layout PipelineLayout
	Stages ShaderStage
	Offset uint32
	Data   []byte
}

type CmdDraw struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

type CmdDrawIndexed struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
}

type CmdCopyBuffer struct {
	Src       Buffer
	SrcOffset uint64
	Dst       Buffer
	DstOffset uint64
	Size      uint64
}

type CmdCopyBufferToImage struct {
	Src       Buffer
	SrcOffset uint64
	Dst       Image
	Format    Format
	Extent    Extent2D
}

type ImageBarrier struct {
	Image  Image
	Format Format
	Old    ImageLayout
	New    ImageLayout
}

type CmdImageBarrier struct {
	Barrier ImageBarrier
}

func (CmdBeginRendering) isCommand()    {}
func (CmdEndRendering) isCommand()      {}
func (CmdSetViewport) isCommand()       {}
func (CmdSetScissor) isCommand()        {}
func (CmdBindPipeline) isCommand()      {}
func (CmdBindVertexBuffers) isCommand() {}
func (CmdBindIndexBuffer) isCommand()   {}
func (CmdBindDescriptorSet) isCommand() {}
func (CmdPushConstants) isCommand()     {}
func (CmdDraw) isCommand()              {}
func (CmdDrawIndexed) isCommand()       {}
func (CmdCopyBuffer) isCommand()        {}
func (CmdCopyBufferToImage) isCommand() {}
func (CmdImageBarrier) isCommand()      {}
