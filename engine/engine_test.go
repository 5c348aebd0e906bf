package engine

import (
	"errors"
	"io"
	"testing"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
)

func init() {
	core.SetLogOutput(io.Discard)
}

func headlessConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.App.Backend = core.BackendHeadless
	cfg.App.Width, cfg.App.Height = 64, 48
	cfg.Shaders.Watch = false
	return cfg
}

func newEngine(t *testing.T, g *Game) *Engine {
	t.Helper()
	e, err := New(g)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestRunPresentsFramesUntilStopped(t *testing.T) {
	var e *Engine
	initialized := false
	frames := 0
	g := &Game{
		Config: headlessConfig(),
		FnInitialize: func(r *renderer.Renderer) error {
			initialized = r != nil
			return nil
		},
		FnUpdate: func(float64) error {
			frames++
			if frames == 4 {
				e.Stop()
			}
			return nil
		},
	}
	e = newEngine(t, g)
	if !initialized {
		t.Fatal("game initialize not called with a renderer")
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	dev := e.device.(*headless.Device)
	if dev.Presents() != 4 {
		t.Fatalf("presents = %d, want 4", dev.Presents())
	}
	if len(dev.Faults()) != 0 {
		t.Fatalf("faults: %v", dev.Faults())
	}
}

func TestRunStopsOnQuitEvent(t *testing.T) {
	var e *Engine
	g := &Game{
		Config: headlessConfig(),
		FnRender: func(ctx *frame.Context, _ float64) error {
			e.Bus().Fire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{})
			return clearPass(ctx)
		},
	}
	e = newEngine(t, g)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := e.device.(*headless.Device).Presents(); n != 1 {
		t.Fatalf("presents = %d, want 1", n)
	}
}

func TestRunReturnsDeviceLost(t *testing.T) {
	var e *Engine
	frames := 0
	g := &Game{
		Config: headlessConfig(),
		FnUpdate: func(float64) error {
			frames++
			if frames == 2 {
				e.device.(*headless.Device).Lose()
			}
			if frames > 10 {
				t.Error("loop kept running after device loss")
				e.Stop()
			}
			return nil
		},
	}
	e = newEngine(t, g)
	err := e.Run()
	if !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Run = %v, want ErrDeviceLost", err)
	}
	if e.Renderer().Lost() == nil {
		t.Fatal("renderer did not latch the loss")
	}
}

func TestMinimizeSuspendsRendering(t *testing.T) {
	var e *Engine
	updates := 0
	var resizes [][2]uint32
	g := &Game{
		Config: headlessConfig(),
		FnOnResize: func(w, h uint32) error {
			resizes = append(resizes, [2]uint32{w, h})
			return nil
		},
		FnUpdate: func(float64) error {
			updates++
			switch updates {
			case 1:
				fireResize(e.Bus(), 0, 0)
				// wake the suspended loop back up from the bus side
				go func() {
					fireResize(e.Bus(), 32, 32)
				}()
			case 2:
				e.Stop()
			}
			return nil
		},
	}
	e = newEngine(t, g)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := e.Renderer().CurrentTarget().Extent; got.Width != 32 || got.Height != 32 {
		t.Fatalf("target extent = %+v, want 32x32", got)
	}
	// initial size, then the restore; the minimize only suspends
	if len(resizes) != 2 || resizes[1] != [2]uint32{32, 32} {
		t.Fatalf("resizes = %v", resizes)
	}
}

func fireResize(bus *core.EventBus, w, h uint32) {
	ctx := core.EventContext{}
	ctx.Data.U32[0], ctx.Data.U32[1] = w, h
	bus.Fire(core.EVENT_CODE_RESIZED, nil, ctx)
}

func TestLifecycleOrdering(t *testing.T) {
	e, err := New(&Game{Config: headlessConfig()})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("Run before Initialize = %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("second Initialize = %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("second Shutdown = %v", err)
	}
	if e.Stage() != EngineStageShuttingDown {
		t.Fatalf("stage = %s", e.Stage())
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := headlessConfig()
	cfg.App.Backend = "metal"
	if _, err := New(&Game{Config: cfg}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("New = %v, want ErrInvalidArgument", err)
	}
}
