package testbed

import (
	"io"
	"testing"

	"github.com/spaghettifunk/ember/engine"
	"github.com/spaghettifunk/ember/engine/core"
)

func init() {
	core.SetLogOutput(io.Discard)
}

func TestTriangleVerticesLayout(t *testing.T) {
	// 3 vertices of vec2 position + vec3 colour
	if n := len(triangleVertices()); n != 3*5*4 {
		t.Fatalf("vertex data is %d bytes", n)
	}
}

func TestMissingShaderFallsBackToClear(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.App.Backend = core.BackendHeadless
	cfg.Shaders.Watch = false
	cfg.Shaders.Dirs = []string{t.TempDir()}

	tg, err := NewTestGame(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tg.MaxFrames = 3
	e, err := engine.New(tg.Game)
	if err != nil {
		t.Fatal(err)
	}
	tg.Stop = e.Stop
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := tg.state(); s.frames != 3 || s.ready {
		t.Fatalf("frames = %d, ready = %v", s.frames, s.ready)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}
}
