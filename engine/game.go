package engine

import (
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
)

// Game is the application driven by the engine loop. Nil callbacks are skipped.
type Game struct {
	Config *core.Config
	State  interface{}

	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

// Initialize runs once the renderer is up. Resources created here are owned by the renderer.
type Initialize func(r *renderer.Renderer) error
type Update func(deltaTime float64) error

// Render records the frame. The frame is submitted after it returns.
type Render func(ctx *frame.Context, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
