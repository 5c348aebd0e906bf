//go:build mage

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "assets/shaders"

// Compiles every GLSL stage under assets/shaders to SPIR-V with glslc. WGSL is compiled at load time.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the demo binary into bin/.
func (Build) Engine() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/ember", "."), withStream()); err != nil {
		return err
	}
	return nil
}

func buildShaders() error {
	sources, err := glslSources(shaderDir)
	if err != nil {
		return err
	}
	for _, src := range sources {
		// triangle.vert -> triangle.vert.spv
		out := src + ".spv"
		if _, err := executeCmd("glslc", withArgs(src, "-o", out), withStream()); err != nil {
			return err
		}
	}
	fmt.Printf("Compiled %d shader(s)\n", len(sources))
	return nil
}

func glslSources(dir string) ([]string, error) {
	var out []string
	for _, ext := range []string{"vert", "frag", "comp"} {
		matches, err := filepath.Glob(filepath.Join(dir, "*."+ext))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	for _, m := range out {
		if strings.ContainsAny(m, " ") {
			return nil, fmt.Errorf("shader path `%s` contains spaces", m)
		}
	}
	return out, nil
}
