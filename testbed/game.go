package testbed

import (
	"encoding/binary"
	"math"
	"path/filepath"

	"github.com/spaghettifunk/ember/engine"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/shader"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

// TestGame draws a single coloured triangle. Without its shader it only clears the screen.
type TestGame struct {
	*engine.Game

	// MaxFrames stops the game after that many frames, 0 runs until the window closes.
	MaxFrames uint64
	// Stop is called once MaxFrames is reached.
	Stop func()
}

type gameState struct {
	renderer *renderer.Renderer

	triangle pipeline.PipelineHandle
	mesh     resources.Mesh
	pending  []*staging.PendingUpload
	ready    bool

	width  uint32
	height uint32

	frames      uint64
	sinceReport float64
}

func NewTestGame(cfg *core.Config) (*TestGame, error) {
	tg := &TestGame{
		Game: &engine.Game{
			Config: cfg,
			State:  &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg, nil
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func shaderPath(cfg *core.Config) string {
	dir := "assets/shaders"
	if len(cfg.Shaders.Dirs) > 0 {
		dir = cfg.Shaders.Dirs[0]
	}
	return filepath.Join(dir, "triangle.wgsl")
}

// triangleVertices packs position (vec2) and colour (vec3) per vertex.
func triangleVertices() []byte {
	vertices := []float32{
		0.0, -0.5, 1.0, 0.0, 0.0,
		0.5, 0.5, 0.0, 1.0, 0.0,
		-0.5, 0.5, 0.0, 0.0, 1.0,
	}
	out := make([]byte, 0, len(vertices)*4)
	for _, v := range vertices {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func (g *TestGame) Initialize(r *renderer.Renderer) error {
	core.LogInfo("initializing testbed...")
	s := g.state()
	s.renderer = r

	path := shaderPath(g.Config)
	h, err := r.CreatePipeline(pipeline.PipelineDesc{
		Name: "triangle",
		Sources: []shader.Source{
			{Stage: metadata.ShaderStageVertex, Path: path, EntryPoint: "vs_main"},
			{Stage: metadata.ShaderStageFragment, Path: path, EntryPoint: "fs_main"},
		},
		Topology: metadata.TopologyTriangleList,
		CullMode: metadata.CullNone,
	})
	if core.IsFatal(err) {
		return err
	}
	if err != nil {
		core.LogWarn("triangle pipeline unavailable, clearing only: %s", err)
		return nil
	}
	s.triangle = h

	mesh, pending, err := r.CreateMesh(triangleVertices(), 3, nil, 0)
	if err != nil {
		return err
	}
	s.mesh = mesh
	s.pending = pending
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	s := g.state()
	s.frames++
	if g.MaxFrames > 0 && s.frames >= g.MaxFrames && g.Stop != nil {
		g.Stop()
	}

	// the mesh is drawn once every upload landed
	if !s.ready && len(s.pending) > 0 {
		ready := true
		for _, up := range s.pending {
			state, err := s.renderer.PollUpload(up)
			if err != nil {
				return err
			}
			ready = ready && state == staging.UploadComplete
		}
		s.ready = ready
	}

	s.sinceReport += deltaTime
	if s.sinceReport >= 1.0 {
		s.sinceReport = 0
		m := s.renderer.Metrics()
		core.LogDebug("fps %.1f, frame time %.3fms, %d frames", m.FPS(), m.FrameTime()*1000, m.TotalFrames())
	}
	return nil
}

func (g *TestGame) Render(ctx *frame.Context, deltaTime float64) error {
	s := g.state()
	enc := ctx.Encoder
	if err := enc.BeginRendering(frame.RenderingDesc{
		ClearColor: [4]float32{0.05, 0.05, 0.1, 1.0},
		ClearDepth: 1.0,
	}); err != nil {
		return err
	}
	if s.ready {
		if err := enc.BindPipeline(s.triangle); err != nil {
			return err
		}
		if err := enc.DrawMesh(s.mesh, 1); err != nil {
			return err
		}
	}
	return enc.EndRendering()
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	s := g.state()
	s.width, s.height = width, height
	return nil
}

func (g *TestGame) Shutdown() error {
	s := g.state()
	if s.renderer == nil || s.mesh.VertexCount == 0 {
		return nil
	}
	if err := s.renderer.DestroyMesh(s.mesh); err != nil {
		return err
	}
	return s.renderer.DestroyPipeline(s.triangle)
}
