package shader

import (
	"sort"

	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// Binding is one descriptor binding as declared by a shader.
type Binding struct {
	Set     uint32
	Binding uint32
	Kind    metadata.DescriptorKind
	// Count is the array length, 0 for a runtime sized array.
	Count  uint32
	Stages metadata.ShaderStage
	Name   string
}

type VertexInput struct {
	Location uint32
	Format   metadata.Format
	Name     string
}

// EntryPoint is the reflected interface of one shader entry point.
type EntryPoint struct {
	Name             string
	Stage            metadata.ShaderStage
	Bindings         []Binding
	Inputs           []VertexInput
	PushConstantSize uint32
}

type Module struct {
	EntryPoints []EntryPoint
}

// EntryPoint returns the entry point named name, or the only one if name is empty.
func (m *Module) EntryPoint(name string) (*EntryPoint, error) {
	if name == "" && len(m.EntryPoints) == 1 {
		return &m.EntryPoints[0], nil
	}
	for i := range m.EntryPoints {
		if m.EntryPoints[i].Name == name {
			return &m.EntryPoints[i], nil
		}
	}
	return nil, reflectionError("entry point `%s` not found", name)
}

func executionStage(model uint32) (metadata.ShaderStage, bool) {
	switch model {
	case 0:
		return metadata.ShaderStageVertex, true
	case 1:
		return metadata.ShaderStageTessControl, true
	case 2:
		return metadata.ShaderStageTessEval, true
	case 3:
		return metadata.ShaderStageGeometry, true
	case 4:
		return metadata.ShaderStageFragment, true
	case 5:
		return metadata.ShaderStageCompute, true
	}
	return 0, false
}

// Reflect parses a SPIR-V binary and extracts, per entry point, the descriptor bindings it
// statically uses, its vertex inputs and its push constant block size.
func Reflect(code []uint32) (*Module, error) {
	m, err := parse(code)
	if err != nil {
		return nil, err
	}
	out := &Module{}
	for _, ep := range m.entryPoints {
		stage, ok := executionStage(ep.model)
		if !ok {
			return nil, reflectionError("entry point `%s` has unsupported execution model %d", ep.name, ep.model)
		}
		reflected := EntryPoint{Name: ep.name, Stage: stage}
		used := m.usedVariables(ep)
		for _, id := range m.variableOrder {
			if !used[id] {
				continue
			}
			v := m.variables[id]
			switch v.storageClass {
			case scUniformConstant, scUniform, scStorageBuffer:
				b, err := m.binding(v)
				if err != nil {
					return nil, err
				}
				b.Stages = stage
				reflected.Bindings = append(reflected.Bindings, b)
			case scPushConstant:
				size, err := m.pointeeSize(v)
				if err != nil {
					return nil, err
				}
				if size > reflected.PushConstantSize {
					reflected.PushConstantSize = size
				}
			case scInput:
				if stage != metadata.ShaderStageVertex {
					continue
				}
				in, skip, err := m.vertexInput(v)
				if err != nil {
					return nil, err
				}
				if !skip {
					reflected.Inputs = append(reflected.Inputs, in)
				}
			}
		}
		sort.Slice(reflected.Bindings, func(i, j int) bool {
			return bindingLess(reflected.Bindings[i], reflected.Bindings[j])
		})
		sort.Slice(reflected.Inputs, func(i, j int) bool {
			return reflected.Inputs[i].Location < reflected.Inputs[j].Location
		})
		out.EntryPoints = append(out.EntryPoints, reflected)
	}
	return out, nil
}

func bindingLess(a, b Binding) bool {
	if a.Set != b.Set {
		return a.Set < b.Set
	}
	return a.Binding < b.Binding
}

func (m *module) pointee(v variable) (uint32, error) {
	ptr, ok := m.types[v.pointerType]
	if !ok || ptr.op != opTypePointer || len(ptr.operands) < 2 {
		return 0, reflectionError("variable %s does not have a pointer type", m.name(v.id))
	}
	return ptr.operands[1], nil
}

func (m *module) binding(v variable) (Binding, error) {
	set, okSet := m.decoration(v.id, decDescriptorSet)
	binding, okBinding := m.decoration(v.id, decBinding)
	if !okSet || !okBinding {
		return Binding{}, reflectionError("resource %s lacks DescriptorSet/Binding decorations", m.name(v.id))
	}
	typeID, err := m.pointee(v)
	if err != nil {
		return Binding{}, err
	}

	count := uint32(1)
	t := m.types[typeID]
	switch t.op {
	case opTypeArray:
		if len(t.operands) < 2 {
			return Binding{}, reflectionError("truncated array type for %s", m.name(v.id))
		}
		length, ok := m.constants[t.operands[1]]
		if !ok {
			return Binding{}, reflectionError("array length of %s is not a constant", m.name(v.id))
		}
		count = length
		typeID = t.operands[0]
	case opTypeRuntimeArr:
		count = 0
		typeID = t.operands[0]
	}

	kind, err := m.descriptorKind(v, typeID)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Set: set, Binding: binding, Kind: kind, Count: count, Name: m.name(v.id)}, nil
}

func (m *module) descriptorKind(v variable, typeID uint32) (metadata.DescriptorKind, error) {
	t, ok := m.types[typeID]
	if !ok {
		return 0, reflectionError("unknown type %%%d for %s", typeID, m.name(v.id))
	}
	switch t.op {
	case opTypeStruct:
		if v.storageClass == scStorageBuffer {
			return metadata.DescriptorStorageBuffer, nil
		}
		if _, ok := m.decoration(typeID, decBufferBlock); ok {
			return metadata.DescriptorStorageBuffer, nil
		}
		if _, ok := m.decoration(typeID, decBlock); ok && v.storageClass == scUniform {
			return metadata.DescriptorUniformBuffer, nil
		}
		return 0, reflectionError("block %s is neither a uniform nor a storage buffer", m.name(v.id))
	case opTypeSampler:
		return metadata.DescriptorSampler, nil
	case opTypeSampledImg:
		return metadata.DescriptorCombinedImageSampler, nil
	case opTypeImage:
		// operands: sampled type, dim, depth, arrayed, ms, sampled, format
		if len(t.operands) < 6 {
			return 0, reflectionError("truncated image type for %s", m.name(v.id))
		}
		dim, sampled := t.operands[1], t.operands[5]
		switch {
		case dim == dimSubpassData:
			return metadata.DescriptorInputAttachment, nil
		case sampled == 2 && dim == dimBuffer:
			return metadata.DescriptorStorageTexelBuffer, nil
		case sampled == 2:
			return metadata.DescriptorStorageImage, nil
		case dim == dimBuffer:
			return metadata.DescriptorUniformTexelBuffer, nil
		default:
			return metadata.DescriptorSampledImage, nil
		}
	}
	return 0, reflectionError("resource %s has unsupported type opcode %d", m.name(v.id), t.op)
}

func (m *module) pointeeSize(v variable) (uint32, error) {
	typeID, err := m.pointee(v)
	if err != nil {
		return 0, err
	}
	return m.typeSize(typeID, 0)
}

// typeSize computes the byte size of a type in an explicitly laid out block. matrixStride
// is the stride inherited from the enclosing struct member, 0 when none.
func (m *module) typeSize(id uint32, matrixStride uint32) (uint32, error) {
	t, ok := m.types[id]
	if !ok {
		return 0, reflectionError("unknown type %%%d", id)
	}
	switch t.op {
	case opTypeBool:
		return 4, nil
	case opTypeInt, opTypeFloat:
		return t.operands[0] / 8, nil
	case opTypeVector:
		c, err := m.typeSize(t.operands[0], 0)
		return c * t.operands[1], err
	case opTypeMatrix:
		col, err := m.typeSize(t.operands[0], 0)
		if err != nil {
			return 0, err
		}
		if matrixStride > 0 {
			col = matrixStride
		}
		return col * t.operands[1], nil
	case opTypeArray:
		length, ok := m.constants[t.operands[1]]
		if !ok {
			return 0, reflectionError("array length of %%%d is not a constant", id)
		}
		if stride, ok := m.decoration(id, decArrayStride); ok {
			return stride * length, nil
		}
		elem, err := m.typeSize(t.operands[0], matrixStride)
		return elem * length, err
	case opTypeRuntimeArr:
		return 0, nil
	case opTypeStruct:
		var size uint32
		for i, member := range t.operands {
			decs := m.memberDecs[id][uint32(i)]
			memberSize, err := m.typeSize(member, decs[decMatrixStride])
			if err != nil {
				return 0, err
			}
			if end := decs[decOffset] + memberSize; end > size {
				size = end
			}
		}
		return size, nil
	}
	return 0, reflectionError("type %%%d (opcode %d) has no size in a block", id, t.op)
}

func (m *module) vertexInput(v variable) (VertexInput, bool, error) {
	if _, builtin := m.decoration(v.id, decBuiltIn); builtin {
		return VertexInput{}, true, nil
	}
	typeID, err := m.pointee(v)
	if err != nil {
		return VertexInput{}, false, err
	}
	if t := m.types[typeID]; t.op == opTypeStruct {
		// blocks of built-ins such as gl_PerVertex
		for _, decs := range m.memberDecs[typeID] {
			if _, ok := decs[decBuiltIn]; ok {
				return VertexInput{}, true, nil
			}
		}
	}
	location, ok := m.decoration(v.id, decLocation)
	if !ok {
		return VertexInput{}, false, reflectionError("vertex input %s has no Location", m.name(v.id))
	}
	format, err := m.attributeFormat(typeID)
	if err != nil {
		return VertexInput{}, false, err
	}
	return VertexInput{Location: location, Format: format, Name: m.name(v.id)}, false, nil
}

func (m *module) attributeFormat(typeID uint32) (metadata.Format, error) {
	t := m.types[typeID]
	components := uint32(1)
	scalar := t
	if t.op == opTypeVector {
		components = t.operands[1]
		scalar = m.types[t.operands[0]]
	}
	var formats [4]metadata.Format
	switch {
	case scalar.op == opTypeFloat && scalar.operands[0] == 32:
		formats = [4]metadata.Format{metadata.FormatR32Sfloat, metadata.FormatR32G32Sfloat, metadata.FormatR32G32B32Sfloat, metadata.FormatR32G32B32A32Sfloat}
	case scalar.op == opTypeInt && scalar.operands[0] == 32 && scalar.operands[1] == 1:
		formats = [4]metadata.Format{metadata.FormatR32Sint, metadata.FormatR32G32Sint, metadata.FormatR32G32B32Sint, metadata.FormatR32G32B32A32Sint}
	case scalar.op == opTypeInt && scalar.operands[0] == 32:
		formats = [4]metadata.Format{metadata.FormatR32Uint, metadata.FormatR32G32Uint, metadata.FormatR32G32B32Uint, metadata.FormatR32G32B32A32Uint}
	default:
		return metadata.FormatUndefined, reflectionError("unsupported vertex input type %%%d", typeID)
	}
	if components < 1 || components > 4 {
		return metadata.FormatUndefined, reflectionError("vertex input vector of %d components", components)
	}
	return formats[components-1], nil
}
