package shader

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/shader/spirvtest"
)

func reflectStages(t *testing.T, builders ...*spirvtest.Builder) []*EntryPoint {
	t.Helper()
	var stages []*EntryPoint
	for _, b := range builders {
		mod, err := Reflect(b.Words())
		if err != nil {
			t.Fatal(err)
		}
		ep, err := mod.EntryPoint("")
		if err != nil {
			t.Fatal(err)
		}
		stages = append(stages, ep)
	}
	return stages
}

func TestMergeCombinesStages(t *testing.T) {
	layout, err := Merge(reflectStages(t, vertexShader(), fragmentShader()))
	if err != nil {
		t.Fatal(err)
	}
	if len(layout.Bindings) != 2 {
		t.Fatalf("bindings = %+v", layout.Bindings)
	}
	ubo := layout.Bindings[0]
	if ubo.Set != 0 || ubo.Binding != 0 || ubo.Stages != metadata.ShaderStageVertex|metadata.ShaderStageFragment {
		t.Fatalf("shared ubo = %+v", ubo)
	}
	if layout.Bindings[1].Set != 1 || layout.Bindings[1].Stages != metadata.ShaderStageFragment {
		t.Fatalf("sampler = %+v", layout.Bindings[1])
	}
	if len(layout.PushConstants) != 1 || layout.PushConstants[0].Size != 80 {
		t.Fatalf("push constants = %+v", layout.PushConstants)
	}
	if len(layout.VertexInputs) != 2 {
		t.Fatalf("vertex inputs = %+v", layout.VertexInputs)
	}
	sets := layout.Sets()
	if len(sets) != 2 || len(sets[0]) != 1 || len(sets[1]) != 1 {
		t.Fatalf("sets = %+v", sets)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	vs := spirvtest.New(spirvtest.Vertex, "main").
		UniformBuffer(2, 1, "c", 1).
		UniformBuffer(0, 3, "b", 1).
		UniformBuffer(0, 0, "a", 1)
	fs := spirvtest.New(spirvtest.Fragment, "main").
		CombinedImageSampler(1, 5, 1, "d").
		UniformBuffer(0, 3, "b", 1)

	first, err := Merge(reflectStages(t, vs, fs))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Merge(reflectStages(t, fs, vs))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(second) || first.Signature() != second.Signature() {
		t.Fatalf("layouts differ:\n%s\n%s", first.Signature(), second.Signature())
	}
	order := [][2]uint32{{0, 0}, {0, 3}, {1, 5}, {2, 1}}
	for i, b := range first.Bindings {
		if b.Set != order[i][0] || b.Binding != order[i][1] {
			t.Fatalf("binding %d = (%d, %d), want %v", i, b.Set, b.Binding, order[i])
		}
	}
	if _, ok := first.Binding(1, 5); !ok {
		t.Fatal("Binding(1, 5) not found")
	}
	if _, ok := first.Binding(1, 4); ok {
		t.Fatal("Binding(1, 4) found")
	}
}

func TestMergeConflicts(t *testing.T) {
	tests := []struct {
		name string
		fs   *spirvtest.Builder
	}{
		{"kind", spirvtest.New(spirvtest.Fragment, "main").StorageBuffer(0, 0, "global_ubo")},
		{"count", spirvtest.New(spirvtest.Fragment, "main").
			CombinedImageSampler(0, 1, 2, "tex")},
	}
	vs := spirvtest.New(spirvtest.Vertex, "main").
		UniformBuffer(0, 0, "global_ubo", 1).
		CombinedImageSampler(0, 1, 4, "tex")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, err := Merge(reflectStages(t, vs, tt.fs))
			if !errors.Is(err, core.ErrIncompatibleBinding) {
				t.Fatalf("Merge = %v, want ErrIncompatibleBinding", err)
			}
			if layout != nil {
				t.Fatal("layout returned alongside the conflict")
			}
		})
	}
}

func TestEqualIgnoresNames(t *testing.T) {
	a, _ := Merge(reflectStages(t, spirvtest.New(spirvtest.Vertex, "main").UniformBuffer(0, 0, "a", 1)))
	b, _ := Merge(reflectStages(t, spirvtest.New(spirvtest.Vertex, "main").UniformBuffer(0, 0, "b", 4)))
	c, _ := Merge(reflectStages(t, spirvtest.New(spirvtest.Vertex, "main").
		UniformBuffer(0, 0, "a", 1).UniformBuffer(0, 3, "extra", 1)))
	if !a.Equal(b) {
		t.Fatal("layouts differing only in names and block size are not equal")
	}
	if a.Equal(c) {
		t.Fatal("added binding not detected")
	}
}
