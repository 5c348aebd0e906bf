package shader

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/spaghettifunk/ember/engine/core"
)

const (
	spirvMagic        uint32 = 0x07230203
	spirvMagicSwapped uint32 = 0x03022307
	spirvHeaderWords         = 5
)

// opcodes
const (
	opName           = 5
	opEntryPoint     = 15
	opTypeVoid       = 19
	opTypeBool       = 20
	opTypeInt        = 21
	opTypeFloat      = 22
	opTypeVector     = 23
	opTypeMatrix     = 24
	opTypeImage      = 25
	opTypeSampler    = 26
	opTypeSampledImg = 27
	opTypeArray      = 28
	opTypeRuntimeArr = 29
	opTypeStruct     = 30
	opTypePointer    = 32
	opConstant       = 43
	opFunction       = 54
	opFunctionEnd    = 56
	opFunctionCall   = 57
	opVariable       = 59
	opImageTexelPtr  = 60
	opLoad           = 61
	opStore          = 62
	opCopyMemory     = 63
	opCopyMemSized   = 64
	opAccessChain    = 65
	opInBoundsChain  = 66
	opPtrAccessChain = 67
	opArrayLength    = 68
	opInBoundsPtrAc  = 70
	opDecorate       = 71
	opMemberDecorate = 72
	opCopyObject     = 83
	opAtomicLoad     = 227
	opAtomicStore    = 228
	opAtomicExchange = 229
	opAtomicXor      = 242
)

// decorations
const (
	decBlock         = 2
	decBufferBlock   = 3
	decArrayStride   = 6
	decMatrixStride  = 7
	decBuiltIn       = 11
	decLocation      = 30
	decBinding       = 33
	decDescriptorSet = 34
	decOffset        = 35
)

// storage classes
const (
	scUniformConstant = 0
	scInput           = 1
	scUniform         = 2
	scOutput          = 3
	scPushConstant    = 9
	scStorageBuffer   = 12
)

const (
	dimBuffer      = 5
	dimSubpassData = 6
)

// minimum operand count of type instructions, result id excluded
var typeOperands = map[uint16]int{
	opTypeInt:        2,
	opTypeFloat:      1,
	opTypeVector:     2,
	opTypeMatrix:     2,
	opTypeImage:      7,
	opTypeSampledImg: 1,
	opTypeArray:      2,
	opTypeRuntimeArr: 1,
	opTypePointer:    2,
}

type instruction struct {
	op       uint16
	operands []uint32
}

type spirvType struct {
	op       uint16
	operands []uint32
}

type variable struct {
	id           uint32
	pointerType  uint32
	storageClass uint32
}

type entryPoint struct {
	model    uint32
	function uint32
	name     string
	iface    []uint32
}

type function struct {
	refs  map[uint32]bool
	calls map[uint32]bool
}

// module is the parsed, not yet interpreted, content of a SPIR-V binary.
type module struct {
	names         map[uint32]string
	entryPoints   []entryPoint
	types         map[uint32]spirvType
	constants     map[uint32]uint32
	variables     map[uint32]variable
	decorations   map[uint32]map[uint32]uint32
	memberDecs    map[uint32]map[uint32]map[uint32]uint32
	functions     map[uint32]*function
	variableOrder []uint32
}

func reflectionError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrReflection)
}

// normalize returns code in host word order.
func normalize(code []uint32) ([]uint32, error) {
	if len(code) < spirvHeaderWords {
		return nil, reflectionError("binary has %d words, header needs %d", len(code), spirvHeaderWords)
	}
	switch code[0] {
	case spirvMagic:
		return code, nil
	case spirvMagicSwapped:
		out := make([]uint32, len(code))
		for i, w := range code {
			out[i] = bits.ReverseBytes32(w)
		}
		return out, nil
	}
	return nil, reflectionError("bad magic %#08x", code[0])
}

func decodeString(words []uint32) (string, int) {
	var sb strings.Builder
	for i, w := range words {
		for b := 0; b < 4; b++ {
			c := byte(w >> (8 * b))
			if c == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
		}
	}
	return sb.String(), len(words)
}

func instructions(code []uint32) ([]instruction, error) {
	var out []instruction
	for i := spirvHeaderWords; i < len(code); {
		count := int(code[i] >> 16)
		op := uint16(code[i] & 0xffff)
		if count == 0 {
			return nil, reflectionError("zero length instruction at word %d", i)
		}
		if i+count > len(code) {
			return nil, reflectionError("instruction %d at word %d runs past the end of the binary", op, i)
		}
		out = append(out, instruction{op: op, operands: code[i+1 : i+count]})
		i += count
	}
	return out, nil
}

// pointerOperands returns the operands of a function body instruction that may name a global
// variable. Literals such as memory access masks are never included.
func pointerOperands(op uint16, ops []uint32) []uint32 {
	first, n := 0, 0
	switch {
	case op == opLoad, op == opAccessChain, op == opInBoundsChain, op == opPtrAccessChain,
		op == opInBoundsPtrAc, op == opImageTexelPtr, op == opArrayLength, op == opCopyObject,
		op == opAtomicLoad, op >= opAtomicExchange && op <= opAtomicXor:
		first, n = 2, 1
	case op == opStore, op == opCopyMemory:
		first, n = 0, 2
	case op == opCopyMemSized:
		first, n = 0, 3
	case op == opAtomicStore:
		first, n = 0, 1
	case op == opFunctionCall:
		// pointer arguments
		first, n = 3, len(ops)-3
	default:
		return nil
	}
	if first >= len(ops) || n <= 0 {
		return nil
	}
	if first+n > len(ops) {
		n = len(ops) - first
	}
	return ops[first : first+n]
}

func parse(code []uint32) (*module, error) {
	code, err := normalize(code)
	if err != nil {
		return nil, err
	}
	insts, err := instructions(code)
	if err != nil {
		return nil, err
	}

	m := &module{
		names:       make(map[uint32]string),
		types:       make(map[uint32]spirvType),
		constants:   make(map[uint32]uint32),
		variables:   make(map[uint32]variable),
		decorations: make(map[uint32]map[uint32]uint32),
		memberDecs:  make(map[uint32]map[uint32]map[uint32]uint32),
		functions:   make(map[uint32]*function),
	}

	var current *function
	for _, in := range insts {
		ops := in.operands
		if current != nil {
			if in.op == opFunctionEnd {
				current = nil
				continue
			}
			for _, id := range pointerOperands(in.op, ops) {
				current.refs[id] = true
			}
			if in.op == opFunctionCall && len(ops) >= 3 {
				current.calls[ops[2]] = true
			}
			continue
		}

		switch in.op {
		case opName:
			if len(ops) >= 2 {
				m.names[ops[0]], _ = decodeString(ops[1:])
			}
		case opEntryPoint:
			if len(ops) < 3 {
				return nil, reflectionError("truncated OpEntryPoint")
			}
			name, n := decodeString(ops[2:])
			m.entryPoints = append(m.entryPoints, entryPoint{
				model:    ops[0],
				function: ops[1],
				name:     name,
				iface:    append([]uint32(nil), ops[2+n:]...),
			})
		case opDecorate:
			if len(ops) < 2 {
				return nil, reflectionError("truncated OpDecorate")
			}
			if m.decorations[ops[0]] == nil {
				m.decorations[ops[0]] = make(map[uint32]uint32)
			}
			var literal uint32
			if len(ops) > 2 {
				literal = ops[2]
			}
			m.decorations[ops[0]][ops[1]] = literal
		case opMemberDecorate:
			if len(ops) < 3 {
				return nil, reflectionError("truncated OpMemberDecorate")
			}
			if m.memberDecs[ops[0]] == nil {
				m.memberDecs[ops[0]] = make(map[uint32]map[uint32]uint32)
			}
			if m.memberDecs[ops[0]][ops[1]] == nil {
				m.memberDecs[ops[0]][ops[1]] = make(map[uint32]uint32)
			}
			var literal uint32
			if len(ops) > 3 {
				literal = ops[3]
			}
			m.memberDecs[ops[0]][ops[1]][ops[2]] = literal
		case opTypeVoid, opTypeBool, opTypeInt, opTypeFloat, opTypeVector, opTypeMatrix, opTypeImage,
			opTypeSampler, opTypeSampledImg, opTypeArray, opTypeRuntimeArr, opTypeStruct, opTypePointer:
			if len(ops) < 1+typeOperands[in.op] {
				return nil, reflectionError("truncated type instruction %d", in.op)
			}
			m.types[ops[0]] = spirvType{op: in.op, operands: ops[1:]}
		case opConstant:
			if len(ops) >= 3 {
				m.constants[ops[1]] = ops[2]
			}
		case opVariable:
			if len(ops) < 3 {
				return nil, reflectionError("truncated OpVariable")
			}
			m.variables[ops[1]] = variable{id: ops[1], pointerType: ops[0], storageClass: ops[2]}
			m.variableOrder = append(m.variableOrder, ops[1])
		case opFunction:
			if len(ops) < 2 {
				return nil, reflectionError("truncated OpFunction")
			}
			current = &function{refs: make(map[uint32]bool), calls: make(map[uint32]bool)}
			m.functions[ops[1]] = current
		}
	}
	if current != nil {
		return nil, reflectionError("function without OpFunctionEnd")
	}
	if len(m.entryPoints) == 0 {
		return nil, reflectionError("module declares no entry point")
	}
	return m, nil
}

// usedVariables returns the global variables statically reachable from ep: the interface
// list plus every global referenced by a function reachable from the entry function.
func (m *module) usedVariables(ep entryPoint) map[uint32]bool {
	used := make(map[uint32]bool)
	for _, id := range ep.iface {
		if _, ok := m.variables[id]; ok {
			used[id] = true
		}
	}
	visited := make(map[uint32]bool)
	stack := []uint32{ep.function}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		fn, ok := m.functions[id]
		if !ok {
			continue
		}
		for ref := range fn.refs {
			if _, ok := m.variables[ref]; ok {
				used[ref] = true
			}
		}
		for callee := range fn.calls {
			stack = append(stack, callee)
		}
	}
	return used
}

func (m *module) decoration(id, dec uint32) (uint32, bool) {
	v, ok := m.decorations[id][dec]
	return v, ok
}

func (m *module) name(id uint32) string {
	if n, ok := m.names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("%%%d", id)
}
