package shader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// Source is one stage of a pipeline. Either Path points at a .spv or .wgsl file, or Code
// holds an already compiled SPIR-V binary.
type Source struct {
	Stage      metadata.ShaderStage
	Path       string
	EntryPoint string
	Code       []uint32
}

func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	return fmt.Sprintf("inline %s shader", s.Stage)
}

// Load returns the SPIR-V words of s, reading and compiling from disk when s has a path.
func Load(s Source) ([]uint32, error) {
	if s.Path == "" {
		if len(s.Code) == 0 {
			return nil, fmt.Errorf("%s has neither a path nor code: %w", s, core.ErrReflection)
		}
		return s.Code, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shader `%s`: %w", s.Path, err)
	}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".wgsl":
		return CompileWGSL(string(data))
	default:
		return BytesToWords(data)
	}
}

// CompileWGSL translates WGSL source to SPIR-V.
func CompileWGSL(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WGSL: %s: %w", err, core.ErrReflection)
	}
	return BytesToWords(spirv)
}

// BytesToWords packs a SPIR-V file into words. Big endian files are swapped to host order.
func BytesToWords(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V size %d is not a multiple of 4: %w", len(b), core.ErrReflection)
	}
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}
	return normalize(byteCode)
}
