package core

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestLogKeepsPercentInErrors(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(os.Stderr) })

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"reflection id", fmt.Errorf("binding (0, 1) of %%21 conflicts: %w", ErrReflection), "of %21 conflicts"},
		{"verb lookalike", fmt.Errorf("pool 100%%d full: %w", ErrOutOfMemory), "pool 100%d full"},
		{"trailing percent", fmt.Errorf("budget at 100%%"), "budget at 100%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			LogError("%s", tt.err)
			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Fatalf("log line %q does not contain %q", out, tt.want)
			}
			if strings.Contains(out, "%!") {
				t.Fatalf("log line %q has a formatting error", out)
			}
		})
	}
}
