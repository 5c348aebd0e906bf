//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the demo with ember.toml.
func (Run) Engine() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "ember.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the unit tests with the race detector, all of them use the headless backend.
func (Run) Tests() error {
	if _, err := executeCmd("go", withArgs("test", "-race", "./..."), withEnv("CGO_ENABLED=1"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the demo on the headless backend for a fixed number of frames.
func (Run) Headless() error {
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "ember.toml", "-backend", "headless", "-frames", "600"), withStream()); err != nil {
		return err
	}
	return nil
}
