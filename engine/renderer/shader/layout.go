package shader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// Layout is the pipeline interface merged from every stage of a pipeline. Bindings are
// sorted by (set, binding) so identical inputs always produce identical layouts.
type Layout struct {
	Bindings      []Binding
	PushConstants []metadata.PushConstantRange
	VertexInputs  []VertexInput
}

type bindingKey struct {
	set, binding uint32
}

// Merge combines the reflected stages of one pipeline.
func Merge(stages []*EntryPoint) (*Layout, error) {
	merged := make(map[bindingKey]Binding)
	var push metadata.PushConstantRange
	layout := &Layout{}
	for _, ep := range stages {
		for _, b := range ep.Bindings {
			k := bindingKey{b.Set, b.Binding}
			prev, ok := merged[k]
			if !ok {
				b.Stages = ep.Stage
				merged[k] = b
				continue
			}
			if prev.Kind != b.Kind || prev.Count != b.Count {
				err := fmt.Errorf("set %d binding %d is %s[%d] (%s) in %s but %s[%d] (%s) in %s: %w",
					b.Set, b.Binding, prev.Kind, prev.Count, prev.Name, prev.Stages,
					b.Kind, b.Count, b.Name, ep.Stage, core.ErrIncompatibleBinding)
				core.LogError("%s", err)
				return nil, err
			}
			prev.Stages |= ep.Stage
			merged[k] = prev
		}
		if ep.PushConstantSize > 0 {
			push.Stages |= ep.Stage
			if ep.PushConstantSize > push.Size {
				push.Size = ep.PushConstantSize
			}
		}
		if ep.Stage == metadata.ShaderStageVertex {
			layout.VertexInputs = append(layout.VertexInputs, ep.Inputs...)
		}
	}

	for _, b := range merged {
		layout.Bindings = append(layout.Bindings, b)
	}
	sort.Slice(layout.Bindings, func(i, j int) bool {
		return bindingLess(layout.Bindings[i], layout.Bindings[j])
	})
	if push.Size > 0 {
		layout.PushConstants = []metadata.PushConstantRange{push}
	}
	sort.Slice(layout.VertexInputs, func(i, j int) bool {
		return layout.VertexInputs[i].Location < layout.VertexInputs[j].Location
	})
	return layout, nil
}

// Equal compares the parts of two layouts that decide descriptor set compatibility.
// Resource names do not take part.
func (l *Layout) Equal(o *Layout) bool {
	if l == nil || o == nil {
		return l == o
	}
	if len(l.Bindings) != len(o.Bindings) || len(l.PushConstants) != len(o.PushConstants) {
		return false
	}
	for i, b := range l.Bindings {
		ob := o.Bindings[i]
		if b.Set != ob.Set || b.Binding != ob.Binding || b.Kind != ob.Kind || b.Count != ob.Count || b.Stages != ob.Stages {
			return false
		}
	}
	for i, p := range l.PushConstants {
		if p != o.PushConstants[i] {
			return false
		}
	}
	return true
}

// SetCount is one past the highest set index in use.
func (l *Layout) SetCount() int {
	if len(l.Bindings) == 0 {
		return 0
	}
	return int(l.Bindings[len(l.Bindings)-1].Set) + 1
}

// Sets groups the bindings per set index. Unused set indices yield empty slices.
func (l *Layout) Sets() [][]metadata.DescriptorBinding {
	sets := make([][]metadata.DescriptorBinding, l.SetCount())
	for _, b := range l.Bindings {
		sets[b.Set] = append(sets[b.Set], metadata.DescriptorBinding{
			Binding: b.Binding,
			Kind:    b.Kind,
			Count:   b.Count,
			Stages:  b.Stages,
		})
	}
	return sets
}

// Signature is a stable textual key of the layout, used to share identical layouts.
func (l *Layout) Signature() string {
	var sb strings.Builder
	for _, b := range l.Bindings {
		fmt.Fprintf(&sb, "%d.%d:%d[%d]@%d;", b.Set, b.Binding, b.Kind, b.Count, b.Stages)
	}
	for _, p := range l.PushConstants {
		fmt.Fprintf(&sb, "pc%d+%d@%d;", p.Offset, p.Size, p.Stages)
	}
	return sb.String()
}

// Binding looks up (set, binding).
func (l *Layout) Binding(set, binding uint32) (Binding, bool) {
	i := sort.Search(len(l.Bindings), func(i int) bool {
		return !bindingLess(l.Bindings[i], Binding{Set: set, Binding: binding})
	})
	if i < len(l.Bindings) && l.Bindings[i].Set == set && l.Bindings[i].Binding == binding {
		return l.Bindings[i], true
	}
	return Binding{}, false
}
