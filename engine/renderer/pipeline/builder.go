package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/ember/engine/containers"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/shader"
)

// Builder derives layouts from shader reflection and owns every pipeline, layout and
// descriptor set.
type Builder struct {
	device    metadata.Device
	resources *resources.Manager

	layouts   *containers.Registry[*Layout]
	pipelines *containers.Registry[*Pipeline]
	sets      *containers.Registry[*DescriptorSet]

	mu          sync.Mutex
	bySignature map[string]LayoutHandle
	target      TargetFormat
	watcher     *Watcher
}

func NewBuilder(device metadata.Device, mgr *resources.Manager, target TargetFormat) *Builder {
	return &Builder{
		device:      device,
		resources:   mgr,
		layouts:     containers.NewRegistry[*Layout](),
		pipelines:   containers.NewRegistry[*Pipeline](),
		sets:        containers.NewRegistry[*DescriptorSet](),
		bySignature: make(map[string]LayoutHandle),
		target:      target,
	}
}

// SetWatcher makes every pipeline built from files register its sources for reload.
func (b *Builder) SetWatcher(w *Watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watcher = w
}

type compiled struct {
	code  [][]uint32
	entry []*shader.EntryPoint
}

func (b *Builder) compile(desc PipelineDesc, previous [][]uint32) (*compiled, *shader.Layout, error) {
	if len(desc.Sources) == 0 {
		return nil, nil, fmt.Errorf("pipeline `%s` has no shader stages: %w", desc.Name, core.ErrReflection)
	}
	c := &compiled{}
	for i, src := range desc.Sources {
		if src.Path == "" && len(src.Code) == 0 && previous != nil {
			src.Code = previous[i]
		}
		words, err := shader.Load(src)
		if err != nil {
			return nil, nil, err
		}
		mod, err := shader.Reflect(words)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", src, err)
		}
		ep, err := mod.EntryPoint(src.EntryPoint)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", src, err)
		}
		if src.Stage != 0 && src.Stage != ep.Stage {
			return nil, nil, fmt.Errorf("%s declares %s but entry point `%s` is %s: %w", src, src.Stage, ep.Name, ep.Stage, core.ErrReflection)
		}
		c.code = append(c.code, words)
		c.entry = append(c.entry, ep)
	}
	layout, err := shader.Merge(c.entry)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline `%s`: %w", desc.Name, err)
	}
	return c, layout, nil
}

// acquireLayout returns the shared layout object for reflected. Called with mu held.
func (b *Builder) acquireLayout(reflected *shader.Layout) (LayoutHandle, *Layout, error) {
	sig := reflected.Signature()
	if h, ok := b.bySignature[sig]; ok {
		if l, ok := b.layouts.Get(h); ok {
			l.refs++
			return h, l, nil
		}
	}

	l := &Layout{Reflected: reflected, signature: sig, refs: 1}
	for _, bindings := range reflected.Sets() {
		sl, err := b.device.CreateDescriptorSetLayout(bindings)
		if err != nil {
			b.destroyLayoutNatives(l)
			return LayoutHandle{}, nil, err
		}
		l.setLayouts = append(l.setLayouts, sl)
	}
	native, err := b.device.CreatePipelineLayout(l.setLayouts, reflected.PushConstants)
	if err != nil {
		b.destroyLayoutNatives(l)
		return LayoutHandle{}, nil, err
	}
	l.native = native
	h := b.layouts.Create(l)
	b.bySignature[sig] = h
	core.LogDebug("created pipeline layout %s with %d sets", h, len(l.setLayouts))
	return h, l, nil
}

func (b *Builder) destroyLayoutNatives(l *Layout) {
	if l.native != nil {
		b.device.DestroyPipelineLayout(l.native)
	}
	for _, sl := range l.setLayouts {
		b.device.DestroyDescriptorSetLayout(sl)
	}
}

// releaseLayout drops a reference. The last reference retires the layout once no frame in
// flight can still use it. Called with mu held.
func (b *Builder) releaseLayout(h LayoutHandle) {
	l, ok := b.layouts.Get(h)
	if !ok {
		return
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	delete(b.bySignature, l.signature)
	if _, err := b.layouts.Destroy(h); err != nil {
		core.LogError("%s", err)
		return
	}
	b.resources.Defer(fmt.Sprintf("pipeline layout %s", h), func() {
		b.destroyLayoutNatives(l)
		if _, err := b.layouts.Release(h); err != nil {
			core.LogError("%s", err)
		}
	})
}

func vertexAttributes(layout *shader.Layout, stride uint32) ([]metadata.VertexAttribute, uint32) {
	var attrs []metadata.VertexAttribute
	var offset uint32
	for _, in := range layout.VertexInputs {
		attrs = append(attrs, metadata.VertexAttribute{Location: in.Location, Format: in.Format, Offset: offset})
		offset += in.Format.BytesPerPixel()
	}
	if stride == 0 {
		stride = offset
	}
	return attrs, stride
}

func (b *Builder) createNative(desc PipelineDesc, c *compiled, layout *Layout, target TargetFormat) (metadata.Pipeline, error) {
	var stages []metadata.ShaderStageDesc
	defer func() {
		for _, s := range stages {
			b.device.DestroyShaderModule(s.Module)
		}
	}()
	for i, words := range c.code {
		mod, err := b.device.CreateShaderModule(words)
		if err != nil {
			return nil, err
		}
		stages = append(stages, metadata.ShaderStageDesc{Stage: c.entry[i].Stage, Module: mod, EntryPoint: c.entry[i].Name})
	}
	attrs, stride := vertexAttributes(layout.Reflected, desc.VertexStride)
	return b.device.CreateGraphicsPipeline(metadata.GraphicsPipelineDesc{
		Name:         desc.Name,
		Layout:       layout.native,
		Stages:       stages,
		Attributes:   attrs,
		VertexStride: stride,
		Topology:     desc.Topology,
		CullMode:     desc.CullMode,
		ColorFormat:  target.Color,
		DepthFormat:  target.Depth,
		DepthTest:    desc.DepthTest,
		DepthWrite:   desc.DepthWrite,
		Blend:        desc.Blend,
	})
}

/**
 * @brief Builds a pipeline whose layout is derived from the reflected shader stages. Fails
 * without creating anything on reflection errors or conflicting bindings.
 */
func (b *Builder) Build(desc PipelineDesc) (PipelineHandle, error) {
	if desc.Name == "" {
		desc.Name = core.NewIdentifier("pipeline")
	}
	c, reflected, err := b.compile(desc, nil)
	if err != nil {
		core.LogError("failed to build pipeline `%s`: %s", desc.Name, err)
		return PipelineHandle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	target := desc.Target
	useCurrent := target == (TargetFormat{})
	if useCurrent {
		target = b.target
	}
	lh, layout, err := b.acquireLayout(reflected)
	if err != nil {
		return PipelineHandle{}, err
	}
	native, err := b.createNative(desc, c, layout, target)
	if err != nil {
		b.releaseLayout(lh)
		return PipelineHandle{}, err
	}
	p := &Pipeline{Desc: desc, Layout: lh, Version: 1, native: native, code: c.code, target: target}
	if useCurrent {
		p.Desc.Target = TargetFormat{}
	}
	h := b.pipelines.Create(p)
	if b.watcher != nil {
		for _, src := range desc.Sources {
			if src.Path != "" {
				b.watcher.Track(src.Path, h)
			}
		}
	}
	core.LogInfo("built pipeline `%s` %s (%d bindings)", desc.Name, h, len(reflected.Bindings))
	return h, nil
}

func (b *Builder) Pipeline(h PipelineHandle) (*Pipeline, error) {
	p, ok := b.pipelines.Get(h)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", h, core.ErrStaleHandle)
	}
	return p, nil
}

func (b *Builder) Layout(h PipelineHandle) (*Layout, error) {
	p, err := b.Pipeline(h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	lh := p.Layout
	b.mu.Unlock()
	l, ok := b.layouts.Get(lh)
	if !ok {
		return nil, fmt.Errorf("layout %s: %w", lh, core.ErrStaleHandle)
	}
	return l, nil
}

// ForBind returns the native pipeline and layout to record a bind with. Pipelines whose
// layout changed are not bindable until their descriptor sets are allocated again.
func (b *Builder) ForBind(h PipelineHandle) (metadata.Pipeline, metadata.PipelineLayout, error) {
	p, err := b.Pipeline(h)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p.missingSets) > 0 {
		return nil, nil, fmt.Errorf("pipeline `%s` waits for %d descriptor sets: %w", p.Desc.Name, len(p.missingSets), core.ErrLayoutChanged)
	}
	l, ok := b.layouts.Get(p.Layout)
	if !ok {
		return nil, nil, fmt.Errorf("layout %s: %w", p.Layout, core.ErrStaleHandle)
	}
	return p.native, l.native, nil
}

/**
 * @brief Reparses the shader sources of h and rebuilds it. An identical layout swaps only
 * the pipeline object. A changed layout invalidates the descriptor sets allocated for h and
 * returns an error wrapping core.ErrLayoutChanged. On reflection errors h is left untouched.
 */
func (b *Builder) Reload(h PipelineHandle) error {
	p, err := b.Pipeline(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	desc, previous := p.Desc, p.code
	b.mu.Unlock()

	c, reflected, err := b.compile(desc, previous)
	if err != nil {
		core.LogError("reload of `%s` failed, keeping the previous version: %s", desc.Name, err)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	oldLayout, ok := b.layouts.Get(p.Layout)
	if !ok {
		return fmt.Errorf("layout %s: %w", p.Layout, core.ErrStaleHandle)
	}

	if oldLayout.Reflected.Equal(reflected) {
		native, err := b.createNative(desc, c, oldLayout, p.target)
		if err != nil {
			return err
		}
		b.swapNative(p, native, c.code)
		core.LogInfo("reloaded pipeline `%s` in place (version %d)", desc.Name, p.Version)
		return nil
	}

	lh, layout, err := b.acquireLayout(reflected)
	if err != nil {
		return err
	}
	native, err := b.createNative(desc, c, layout, p.target)
	if err != nil {
		b.releaseLayout(lh)
		return err
	}
	b.swapNative(p, native, c.code)
	b.releaseLayout(p.Layout)
	p.Layout = lh
	b.invalidateSets(h)
	p.missingSets = make(map[uint32]bool)
	for set, bindings := range reflected.Sets() {
		if len(bindings) > 0 {
			p.missingSets[uint32(set)] = true
		}
	}
	core.LogWarn("reloaded pipeline `%s` with a new layout (version %d), %d descriptor sets must be rebuilt", desc.Name, p.Version, len(p.missingSets))
	return fmt.Errorf("pipeline `%s`: %w", desc.Name, core.ErrLayoutChanged)
}

// swapNative replaces the pipeline object and retires the old one. Called with mu held.
func (b *Builder) swapNative(p *Pipeline, native metadata.Pipeline, code [][]uint32) {
	old := p.native
	p.native = native
	p.code = code
	p.Version++
	b.resources.Defer(fmt.Sprintf("pipeline `%s` version %d", p.Desc.Name, p.Version-1), func() {
		b.device.DestroyPipeline(old)
	})
}

// invalidateSets destroys every descriptor set allocated for h. Called with mu held.
func (b *Builder) invalidateSets(h PipelineHandle) {
	var stale []DescriptorSetHandle
	b.sets.Each(func(sh DescriptorSetHandle, ds *DescriptorSet) bool {
		if ds.Pipeline == h {
			stale = append(stale, sh)
		}
		return true
	})
	for _, sh := range stale {
		b.destroySet(sh)
	}
}

func (b *Builder) destroySet(sh DescriptorSetHandle) {
	ds, err := b.sets.Destroy(sh)
	if err != nil {
		return
	}
	b.resources.Defer(fmt.Sprintf("descriptor set %s", sh), func() {
		b.device.FreeDescriptorSet(ds.native)
		if _, err := b.sets.Release(sh); err != nil {
			core.LogError("%s", err)
		}
	})
}

// RebuildForTarget recompiles every pipeline that follows the render target when its
// formats change, e.g. after the swapchain was recreated.
func (b *Builder) RebuildForTarget(target TargetFormat) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target == b.target {
		return nil
	}
	b.target = target
	var errs []error
	var handles []PipelineHandle
	b.pipelines.Each(func(h PipelineHandle, p *Pipeline) bool {
		if p.Desc.Target == (TargetFormat{}) && p.target != target {
			handles = append(handles, h)
		}
		return true
	})
	for _, h := range handles {
		p, ok := b.pipelines.Get(h)
		if !ok {
			continue
		}
		layout, ok := b.layouts.Get(p.Layout)
		if !ok {
			continue
		}
		c := &compiled{code: p.code}
		for _, words := range p.code {
			mod, err := shader.Reflect(words)
			if err != nil {
				errs = append(errs, err)
				break
			}
			ep, err := mod.EntryPoint(p.Desc.Sources[len(c.entry)].EntryPoint)
			if err != nil {
				errs = append(errs, err)
				break
			}
			c.entry = append(c.entry, ep)
		}
		if len(c.entry) != len(p.code) {
			continue
		}
		native, err := b.createNative(p.Desc, c, layout, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.target = target
		b.swapNative(p, native, p.code)
	}
	if len(handles) > 0 {
		core.LogInfo("rebuilt %d pipelines for target %s/%s", len(handles), target.Color, target.Depth)
	}
	return errors.Join(errs...)
}

func (b *Builder) DestroyPipeline(h PipelineHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pipelines.Destroy(h)
	if err != nil {
		return err
	}
	b.invalidateSets(h)
	if b.watcher != nil {
		b.watcher.Untrack(h)
	}
	native, lh := p.native, p.Layout
	b.releaseLayout(lh)
	b.resources.Defer(fmt.Sprintf("pipeline `%s`", p.Desc.Name), func() {
		b.device.DestroyPipeline(native)
		if _, err := b.pipelines.Release(h); err != nil {
			core.LogError("%s", err)
		}
	})
	return nil
}

// Shutdown destroys every pipeline. The retired objects are released by the next sweep.
func (b *Builder) Shutdown() {
	for _, h := range b.Pipelines() {
		_ = b.DestroyPipeline(h)
	}
}

// Pipelines returns the handles of every live pipeline.
func (b *Builder) Pipelines() []PipelineHandle {
	var out []PipelineHandle
	b.pipelines.Each(func(h PipelineHandle, _ *Pipeline) bool {
		out = append(out, h)
		return true
	})
	return out
}
