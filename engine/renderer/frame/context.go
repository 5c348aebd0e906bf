package frame

// Context is the frame being recorded. It is valid until EndFrame.
type Context struct {
	Frame      uint64
	Slot       int
	ImageIndex uint32
	Target     Target
	Encoder    *Encoder

	sync *Synchronizer
}

// End is shorthand for EndFrame on the synchronizer that began the frame.
func (c *Context) End() error {
	return c.sync.EndFrame(c)
}
