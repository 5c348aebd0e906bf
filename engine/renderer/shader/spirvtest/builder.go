// Package spirvtest assembles small SPIR-V modules for tests. The output is structurally
// valid for reflection, not for a driver: function bodies only load the globals they use.
package spirvtest

import "encoding/binary"

type Stage uint32

const (
	Vertex   Stage = 0
	Fragment Stage = 4
	Compute  Stage = 5
)

const (
	opName            = 5
	opMemoryModel     = 14
	opEntryPoint      = 15
	opExecutionMode   = 16
	opCapability      = 17
	opTypeVoid        = 19
	opTypeInt         = 21
	opTypeFloat       = 22
	opTypeVector      = 23
	opTypeImage       = 25
	opTypeSampler     = 26
	opTypeSampledImg  = 27
	opTypeArray       = 28
	opTypeRuntimeArr  = 29
	opTypeStruct      = 30
	opTypePointer     = 32
	opTypeFunction    = 33
	opConstant        = 43
	opFunction        = 54
	opFunctionEnd     = 56
	opFunctionCall    = 57
	opVariable        = 59
	opLoad            = 61
	opDecorate        = 71
	opMemberDecorate  = 72
	opLabel           = 248
	opReturn          = 253
	scUniformConstant = 0
	scInput           = 1
	scUniform         = 2
	scOutput          = 3
	scPushConstant    = 9
	scStorageBuffer   = 12
)

type kind uint8

const (
	kindUniform kind = iota
	kindStorage
	kindStorageBufferBlock
	kindSampler
	kindSampledImage
	kindCombined
	kindStorageImage
	kindPush
	kindInput
	kindBuiltIn
	kindOutput
)

type global struct {
	kind        kind
	name        string
	set         uint32
	binding     uint32
	location    uint32
	count       uint32
	components  int
	users       map[int]bool
	viaHelper   bool
	varID       uint32
	pointeeType uint32
}

type entry struct {
	stage Stage
	name  string
}

type Builder struct {
	entries   []entry
	globals   []*global
	next      uint32
	scalars   map[string]uint32
	alignment uint32
}

// New starts a module with a single entry point.
func New(stage Stage, name string) *Builder {
	return &Builder{entries: []entry{{stage, name}}}
}

// Entry adds another entry point. Globals declared afterwards are used by it.
func (b *Builder) Entry(stage Stage, name string) *Builder {
	b.entries = append(b.entries, entry{stage, name})
	return b
}

func (b *Builder) add(g *global) *Builder {
	if g.count == 0 && g.kind < kindPush {
		g.count = 1
	}
	g.users = map[int]bool{len(b.entries) - 1: true}
	b.globals = append(b.globals, g)
	return b
}

func (b *Builder) UniformBuffer(set, binding uint32, name string, vec4s int) *Builder {
	return b.add(&global{kind: kindUniform, set: set, binding: binding, name: name, components: vec4s})
}

func (b *Builder) StorageBuffer(set, binding uint32, name string) *Builder {
	return b.add(&global{kind: kindStorage, set: set, binding: binding, name: name})
}

// LegacyStorageBuffer declares a storage buffer the pre-1.3 way: a BufferBlock in Uniform.
func (b *Builder) LegacyStorageBuffer(set, binding uint32, name string) *Builder {
	return b.add(&global{kind: kindStorageBufferBlock, set: set, binding: binding, name: name})
}

func (b *Builder) Sampler(set, binding uint32, name string) *Builder {
	return b.add(&global{kind: kindSampler, set: set, binding: binding, name: name})
}

func (b *Builder) SampledImage(set, binding uint32, name string) *Builder {
	return b.add(&global{kind: kindSampledImage, set: set, binding: binding, name: name})
}

// CombinedImageSampler declares a sampler2D. count > 1 makes an array, 0 a runtime array.
func (b *Builder) CombinedImageSampler(set, binding, count uint32, name string) *Builder {
	g := &global{kind: kindCombined, set: set, binding: binding, name: name, count: count}
	b.add(g)
	g.count = count
	return b
}

func (b *Builder) StorageImage(set, binding uint32, name string) *Builder {
	return b.add(&global{kind: kindStorageImage, set: set, binding: binding, name: name})
}

// PushConstants declares a push constant block of floats.
func (b *Builder) PushConstants(floats int) *Builder {
	return b.add(&global{kind: kindPush, name: "push", components: floats})
}

// Input declares a float vertex input with 1 to 4 components.
func (b *Builder) Input(location uint32, components int, name string) *Builder {
	return b.add(&global{kind: kindInput, location: location, components: components, name: name})
}

func (b *Builder) BuiltInVertexIndex() *Builder {
	return b.add(&global{kind: kindBuiltIn, name: "gl_VertexIndex"})
}

func (b *Builder) Output(location uint32) *Builder {
	return b.add(&global{kind: kindOutput, location: location, name: "out_colour"})
}

// Unused leaves the last declared global unreferenced by every entry point.
func (b *Builder) Unused() *Builder {
	b.globals[len(b.globals)-1].users = map[int]bool{}
	return b
}

// ViaHelper references the last declared global only from a function the entry calls.
func (b *Builder) ViaHelper() *Builder {
	b.globals[len(b.globals)-1].viaHelper = true
	return b
}

// LoadAlignment gives every load an Aligned memory operand with the literal n.
func (b *Builder) LoadAlignment(n uint32) *Builder {
	b.alignment = n
	return b
}

// AlsoUsedBy makes the last declared global used by entry point index i too.
func (b *Builder) AlsoUsedBy(i int) *Builder {
	b.globals[len(b.globals)-1].users[i] = true
	return b
}

type section []uint32

func (s *section) emit(op uint16, operands ...uint32) {
	*s = append(*s, uint32(len(operands)+1)<<16|uint32(op))
	*s = append(*s, operands...)
}

func str(s string) []uint32 {
	raw := append([]byte(s), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return words
}

func (b *Builder) id() uint32 {
	b.next++
	return b.next
}

func (b *Builder) scalar(types *section, key string) uint32 {
	if id, ok := b.scalars[key]; ok {
		return id
	}
	id := b.id()
	switch key {
	case "float":
		types.emit(opTypeFloat, id, 32)
	case "int":
		types.emit(opTypeInt, id, 32, 1)
	case "uint":
		types.emit(opTypeInt, id, 32, 0)
	}
	b.scalars[key] = id
	return id
}

func (b *Builder) vector(types *section, n int) uint32 {
	f := b.scalar(types, "float")
	if n == 1 {
		return f
	}
	key := string(rune('0' + n))
	if id, ok := b.scalars["vec"+key]; ok {
		return id
	}
	id := b.id()
	types.emit(opTypeVector, id, f, uint32(n))
	b.scalars["vec"+key] = id
	return id
}

func (b *Builder) arrayOf(types, annos *section, elem, count uint32) uint32 {
	if count == 1 {
		return elem
	}
	id := b.id()
	if count == 0 {
		types.emit(opTypeRuntimeArr, id, elem)
		return id
	}
	c := b.id()
	types.emit(opConstant, b.scalar(types, "uint"), c, count)
	types.emit(opTypeArray, id, elem, c)
	return id
}

// declare emits the types of g and returns its storage class.
func (b *Builder) declare(g *global, types, annos *section) uint32 {
	var storage uint32
	var t uint32
	image := func(sampled uint32) uint32 {
		id := b.id()
		types.emit(opTypeImage, id, b.scalar(types, "float"), 1, 0, 0, 0, sampled, 0)
		return id
	}
	switch g.kind {
	case kindUniform:
		vec4 := b.vector(types, 4)
		t = b.id()
		members := make([]uint32, g.components)
		for i := range members {
			members[i] = vec4
			annos.emit(opMemberDecorate, t, uint32(i), 35, uint32(16*i))
		}
		types.emit(opTypeStruct, append([]uint32{t}, members...)...)
		annos.emit(opDecorate, t, 2)
		storage = scUniform
	case kindStorage, kindStorageBufferBlock:
		rta := b.id()
		types.emit(opTypeRuntimeArr, rta, b.scalar(types, "float"))
		annos.emit(opDecorate, rta, 6, 4)
		t = b.id()
		types.emit(opTypeStruct, t, rta)
		annos.emit(opMemberDecorate, t, 0, 35, 0)
		if g.kind == kindStorage {
			annos.emit(opDecorate, t, 2)
			storage = scStorageBuffer
		} else {
			annos.emit(opDecorate, t, 3)
			storage = scUniform
		}
	case kindSampler:
		t = b.id()
		types.emit(opTypeSampler, t)
		storage = scUniformConstant
	case kindSampledImage:
		t = image(1)
		storage = scUniformConstant
	case kindCombined:
		img := image(1)
		si := b.id()
		types.emit(opTypeSampledImg, si, img)
		t = b.arrayOf(types, annos, si, g.count)
		storage = scUniformConstant
	case kindStorageImage:
		t = image(2)
		storage = scUniformConstant
	case kindPush:
		f := b.scalar(types, "float")
		t = b.id()
		members := make([]uint32, g.components)
		for i := range members {
			members[i] = f
			annos.emit(opMemberDecorate, t, uint32(i), 35, uint32(4*i))
		}
		types.emit(opTypeStruct, append([]uint32{t}, members...)...)
		annos.emit(opDecorate, t, 2)
		storage = scPushConstant
	case kindInput:
		t = b.vector(types, g.components)
		storage = scInput
	case kindBuiltIn:
		t = b.scalar(types, "int")
		storage = scInput
	case kindOutput:
		t = b.vector(types, 4)
		storage = scOutput
	}
	g.pointeeType = t
	return storage
}

// Words assembles the module.
func (b *Builder) Words() []uint32 {
	b.next = 0
	b.scalars = make(map[string]uint32)
	var names, annos, types, funcs section

	voidT, fnT := b.id(), b.id()
	types.emit(opTypeVoid, voidT)
	types.emit(opTypeFunction, fnT, voidT)

	for _, g := range b.globals {
		storage := b.declare(g, &types, &annos)
		ptr := b.id()
		g.varID = b.id()
		types.emit(opTypePointer, ptr, storage, g.pointeeType)
		types.emit(opVariable, ptr, g.varID, storage)
		names.emit(opName, append([]uint32{g.varID}, str(g.name)...)...)
		switch g.kind {
		case kindInput, kindOutput:
			annos.emit(opDecorate, g.varID, 30, g.location)
		case kindBuiltIn:
			annos.emit(opDecorate, g.varID, 11, 42)
		case kindPush:
		default:
			annos.emit(opDecorate, g.varID, 34, g.set)
			annos.emit(opDecorate, g.varID, 33, g.binding)
		}
	}

	var header section
	header.emit(opCapability, 1)
	header.emit(opMemoryModel, 0, 1)
	var modes section
	for i, e := range b.entries {
		main, helper := b.id(), b.id()
		var iface []uint32
		body := func(viaHelper bool) {
			for _, g := range b.globals {
				if !g.users[i] || g.viaHelper != viaHelper {
					continue
				}
				if g.kind == kindInput || g.kind == kindOutput || g.kind == kindBuiltIn {
					continue
				}
				if b.alignment != 0 {
					funcs.emit(opLoad, g.pointeeType, b.id(), g.varID, 2, b.alignment)
					continue
				}
				funcs.emit(opLoad, g.pointeeType, b.id(), g.varID)
			}
		}
		for _, g := range b.globals {
			if g.users[i] && (g.kind == kindInput || g.kind == kindOutput || g.kind == kindBuiltIn) {
				iface = append(iface, g.varID)
			}
		}

		funcs.emit(opFunction, voidT, main, 0, fnT)
		funcs.emit(opLabel, b.id())
		body(false)
		funcs.emit(opFunctionCall, voidT, b.id(), helper)
		funcs.emit(opReturn)
		funcs.emit(opFunctionEnd)

		funcs.emit(opFunction, voidT, helper, 0, fnT)
		funcs.emit(opLabel, b.id())
		body(true)
		funcs.emit(opReturn)
		funcs.emit(opFunctionEnd)

		ep := append([]uint32{uint32(e.stage), main}, str(e.name)...)
		header.emit(opEntryPoint, append(ep, iface...)...)
		if e.stage == Fragment {
			modes.emit(opExecutionMode, main, 7)
		}
	}

	words := []uint32{0x07230203, 0x00010300, 0, b.next + 1, 0}
	for _, s := range []section{header, modes, names, annos, types, funcs} {
		words = append(words, s...)
	}
	return words
}

// Bytes serializes Words in the requested byte order.
func (b *Builder) Bytes(bigEndian bool) []byte {
	words := b.Words()
	out := make([]byte, len(words)*4)
	for i, w := range words {
		if bigEndian {
			binary.BigEndian.PutUint32(out[i*4:], w)
		} else {
			binary.LittleEndian.PutUint32(out[i*4:], w)
		}
	}
	return out
}
