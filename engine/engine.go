package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/platform"
	"github.com/spaghettifunk/ember/engine/renderer"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	cfg          *core.Config
	bus          *core.EventBus
	platform     *platform.Platform
	device       metadata.Device
	renderer     *renderer.Renderer
	clock        *core.Clock

	isRunning   atomic.Bool
	isSuspended atomic.Bool
	// size reported by the last resize event, applied on the loop goroutine
	pendingWidth  atomic.Uint32
	pendingHeight atomic.Uint32
	resized       atomic.Bool

	width    uint32
	height   uint32
	lastTime float64
}

func New(g *Game) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("engine needs a game: %w", core.ErrInvalidArgument)
	}
	cfg := g.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
		g.Config = cfg
	}
	if err := cfg.Validate(); err != nil {
		core.LogError("%s", err)
		return nil, err
	}
	core.SetLogLevel(cfg.Log.Level)

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		cfg:          cfg,
		bus:          core.NewEventBus(),
		clock:        core.NewClock(),
		width:        cfg.App.Width,
		height:       cfg.App.Height,
		lastTime:     0,
	}, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine is %s: %w", e.currentStage, core.ErrInvalidArgument)
	}
	e.currentStage = EngineStageInitializing

	// register some events
	e.bus.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.bus.Register(core.EVENT_CODE_DEVICE_LOST, e, e.onEvent)
	e.bus.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	device, err := e.createDevice()
	if err != nil {
		core.LogError("%s", err)
		e.shutdownPlatform()
		return err
	}
	e.device = device

	r, err := renderer.New(e.cfg, device, metadata.Extent2D{Width: e.width, Height: e.height}, e.bus)
	if err != nil {
		core.LogError("%s", err)
		device.Destroy()
		e.shutdownPlatform()
		return err
	}
	e.renderer = r

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(r); err != nil {
			return err
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) createDevice() (metadata.Device, error) {
	switch e.cfg.App.Backend {
	case core.BackendHeadless:
		core.LogInfo("using the headless backend")
		return headless.NewDevice(headless.Options{Mode: headless.ModeImmediate, DedicatedTransfer: true}), nil
	case core.BackendVulkan:
		p, err := platform.New(e.bus)
		if err != nil {
			return nil, err
		}
		if err := p.Startup(e.cfg.App.Name, 100, 100, e.width, e.height); err != nil {
			return nil, err
		}
		e.platform = p
		// HiDPI framebuffers are larger than the requested window
		e.width, e.height = p.FramebufferSize()
		return vulkan.NewDevice(vulkan.Options{
			AppName:    e.cfg.App.Name,
			Validation: e.cfg.App.Validation,
			Surface:    p,
		})
	}
	return nil, fmt.Errorf("unknown backend `%s`: %w", e.cfg.App.Backend, core.ErrInvalidArgument)
}

// Renderer is available once Initialize returned.
func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) Bus() *core.EventBus {
	return e.bus
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

/**
 * @brief Runs the frame loop until the window closes, Stop is called or a fatal error occurs.
 * Frames the swapchain cannot serve are skipped and other frame errors are logged. Device
 * loss ends the loop and is returned.
 */
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine is %s: %w", e.currentStage, core.ErrInvalidArgument)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	var targetFrameSeconds float64 = 1.0 / 60.0
	// nothing paces a headless loop
	limitFrames := e.platform == nil

	for e.isRunning.Load() {
		if e.platform != nil && !e.platform.PumpMessages() {
			e.isRunning.Store(false)
			break
		}
		if e.resized.Swap(false) {
			if err := e.applyResize(); err != nil {
				return err
			}
		}
		if e.isSuspended.Load() {
			e.sleep(targetFrameSeconds * 1000)
			continue
		}

		// Update clock and get delta time.
		e.clock.Update()
		var currentTime float64 = e.clock.Elapsed()
		var delta float64 = (currentTime - e.lastTime)
		var frameStartTime float64 = e.clock.Elapsed()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err)
				return err
			}
		}

		if err := e.drawFrame(delta); err != nil {
			// device loss is the only frame failure that ends the loop
			if errors.Is(err, core.ErrDeviceLost) {
				core.LogError("frame failed, shutting down: %s", err)
				return err
			}
			core.LogWarn("frame dropped: %s", err)
		}

		// Figure out how long the frame took and, if below
		e.clock.Update()
		var frameElapsedTime float64 = e.clock.Elapsed() - frameStartTime
		var remainingSeconds float64 = targetFrameSeconds - frameElapsedTime
		if remainingSeconds > 0 && limitFrames {
			// If there is time left, give it back to the OS.
			e.sleep(remainingSeconds*1000 - 1)
		}

		// Update last time
		e.lastTime = currentTime
	}
	return nil
}

func (e *Engine) drawFrame(delta float64) error {
	ctx, err := e.renderer.BeginFrame()
	if errors.Is(err, core.ErrSwapchainBooting) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.gameInstance.FnRender != nil {
		err = e.gameInstance.FnRender(ctx, delta)
	} else {
		err = clearPass(ctx)
	}
	if err != nil {
		// the frame still has to be submitted to release the slot
		core.LogError("game render failed: %s", err)
	}
	if endErr := e.renderer.EndFrame(ctx); endErr != nil {
		return endErr
	}
	return err
}

func clearPass(ctx *frame.Context) error {
	if err := ctx.Encoder.BeginRendering(frame.RenderingDesc{
		ClearColor: [4]float32{0.0, 0.0, 0.2, 1.0},
		ClearDepth: 1.0,
	}); err != nil {
		return err
	}
	return ctx.Encoder.EndRendering()
}

func (e *Engine) applyResize() error {
	w, h := e.pendingWidth.Load(), e.pendingHeight.Load()
	if w == e.width && h == e.height {
		return nil
	}
	e.width, e.height = w, h
	e.isSuspended.Store(w == 0 || h == 0)
	if e.isSuspended.Load() {
		core.LogInfo("window minimized, suspending")
		return nil
	}
	if e.gameInstance.FnOnResize != nil {
		return e.gameInstance.FnOnResize(w, h)
	}
	return nil
}

func (e *Engine) sleep(ms float64) {
	if ms <= 0 {
		return
	}
	if e.platform != nil {
		e.platform.Sleep(ms)
		return
	}
	time.Sleep(time.Duration(ms * float64(time.Millisecond)))
}

// Stop asks the loop to return after the current frame. Safe to call from any goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	var err error
	if e.gameInstance.FnShutdown != nil {
		err = e.gameInstance.FnShutdown()
	}
	if e.renderer != nil {
		// also destroys the device
		if rerr := e.renderer.Shutdown(); rerr != nil && err == nil {
			err = rerr
		}
	}
	e.shutdownPlatform()
	e.bus.Shutdown()
	return err
}

func (e *Engine) shutdownPlatform() {
	if e.platform == nil {
		return
	}
	if err := e.platform.Shutdown(); err != nil {
		core.LogWarn("%s", err)
	}
	e.platform = nil
}

// GetFramebufferSize returns the width and height (in this order) of the framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	case core.EVENT_CODE_DEVICE_LOST:
		e.isRunning.Store(false)
	}
	return false
}

// The renderer listens for the same event and rebuilds the swapchain itself.
func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	e.pendingWidth.Store(data.Data.U32[0])
	e.pendingHeight.Store(data.Data.U32[1])
	e.resized.Store(true)
	return false
}
