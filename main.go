/*
This is an example of application that will use the
engine package to draw a triangle
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/ember/engine"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/testbed"
)

func main() {
	configPath := flag.String("config", "ember.toml", "path to the engine configuration")
	frames := flag.Uint64("frames", 0, "stop after that many frames, 0 runs until the window closes")
	backend := flag.String("backend", "", "override app.backend (vulkan or headless)")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		core.LogFatal("%s", err)
	}
	if *backend != "" {
		cfg.App.Backend = core.BackendKind(*backend)
	}

	tb, err := testbed.NewTestGame(cfg)
	if err != nil {
		panic(err)
	}
	tb.MaxFrames = *frames

	engine, err := engine.New(tb.Game)
	if err != nil {
		panic(err)
	}
	tb.Stop = engine.Stop

	if err := engine.Initialize(); err != nil {
		_ = engine.Shutdown()
		core.LogFatal("%s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// the loop owns the GPU, so a signal only asks it to stop
	go func() {
		<-sigCh
		engine.Stop()
	}()

	// run engine
	runErr := engine.Run()
	if err := engine.Shutdown(); err != nil {
		core.LogError("%s", err)
	}
	if runErr != nil {
		core.LogFatal("%s", runErr)
	}
}
