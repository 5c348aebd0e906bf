package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
)

func TestWatcherQueuesChangedPipelines(t *testing.T) {
	b, _, _ := newBuilder(t)
	desc, dir := fileDesc(t, vertexShader(), fragmentShader())

	bus := core.NewEventBus()
	changed := make(chan string, 8)
	bus.Register(core.EVENT_CODE_SHADER_CHANGED, t, func(_ core.SystemEventCode, _, _ interface{}, ctx core.EventContext) bool {
		changed <- ctx.Data.C[0]
		return true
	})

	w, err := NewWatcher(bus, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	b.SetWatcher(w)

	h, err := b.Build(desc)
	if err != nil {
		t.Fatal(err)
	}
	if got := w.Drain(); len(got) != 0 {
		t.Fatalf("drained %v before any change", got)
	}

	writeShader(t, filepath.Join(dir, "world.frag.spv"), fragmentShader())
	deadline := time.After(5 * time.Second)
	for {
		select {
		case path := <-changed:
			if filepath.Base(path) != "world.frag.spv" {
				t.Fatalf("event for %s", path)
			}
			got := w.Drain()
			if len(got) != 1 || got[0] != h {
				t.Fatalf("drained %v, want [%s]", got, h)
			}
			if err := b.Reload(got[0]); err != nil {
				t.Fatal(err)
			}
			return
		case <-deadline:
			t.Fatal("no change observed")
		}
	}
}

func TestWatcherUntrack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	h := PipelineHandle{Index: 0, Generation: 1}
	w.Track(filepath.Join(dir, "a.spv"), h)
	w.handleFileEvent(filepath.Join(dir, "a.spv"))
	w.Untrack(h)
	if got := w.Drain(); len(got) != 0 {
		t.Fatalf("untracked pipeline drained: %v", got)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("second Close succeeded")
	}
}
