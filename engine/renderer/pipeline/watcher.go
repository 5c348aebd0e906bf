package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/ember/engine/core"
)

/**
 * @brief Watches shader directories and collects the pipelines whose sources changed. The
 * frame loop drains the collected handles at the start of a frame and reloads them there.
 */
type Watcher struct {
	mutex   sync.Mutex
	tracked map[string][]PipelineHandle
	dirty   map[PipelineHandle]bool

	bus      *core.EventBus
	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewWatcher(bus *core.EventBus, dirs ...string) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		tracked:  make(map[string][]PipelineHandle),
		dirty:    make(map[PipelineHandle]bool),
		bus:      bus,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		fsnotify: fsWatch,
	}
	for _, dir := range dirs {
		if err := w.watchRecursive(dir); err != nil {
			fsWatch.Close()
			return nil, err
		}
	}
	go w.start()
	return w, nil
}

func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Track marks h for reload whenever path changes. The directory of path is watched too.
func (w *Watcher) Track(path string, h PipelineHandle) {
	path = canonical(path)
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.isClosed {
		return
	}
	for _, t := range w.tracked[path] {
		if t == h {
			return
		}
	}
	w.tracked[path] = append(w.tracked[path], h)
	if err := w.fsnotify.Add(filepath.Dir(path)); err != nil {
		core.LogWarn("cannot watch `%s`: %s", filepath.Dir(path), err)
	}
}

func (w *Watcher) Untrack(h PipelineHandle) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for path, handles := range w.tracked {
		kept := handles[:0]
		for _, t := range handles {
			if t != h {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(w.tracked, path)
		} else {
			w.tracked[path] = kept
		}
	}
	delete(w.dirty, h)
}

// Drain returns the pipelines changed since the previous call.
func (w *Watcher) Drain() []PipelineHandle {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.dirty) == 0 {
		return nil
	}
	out := make([]PipelineHandle, 0, len(w.dirty))
	for h := range w.dirty {
		out = append(out, h)
	}
	w.dirty = make(map[PipelineHandle]bool)
	return out
}

func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.isClosed {
		w.mutex.Unlock()
		return errors.New("shader watcher already closed")
	}
	w.isClosed = true
	w.mutex.Unlock()
	close(w.done)
	<-w.stopped
	return nil
}

func (w *Watcher) start() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() && e.Op&fsnotify.Create != 0 {
				if err := w.watchRecursive(e.Name); err != nil {
					core.LogWarn("%s", err)
				}
				continue
			}
			// editors often replace the file instead of writing it in place
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.handleFileEvent(e.Name)
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("%s", err)

		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list.
func (w *Watcher) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return w.fsnotify.Add(walkPath)
		}
		return nil
	})
}

func (w *Watcher) handleFileEvent(path string) {
	path = canonical(path)
	w.mutex.Lock()
	handles := w.tracked[path]
	for _, h := range handles {
		w.dirty[h] = true
	}
	w.mutex.Unlock()
	if len(handles) == 0 {
		return
	}
	core.LogDebug("shader `%s` changed, %d pipelines queued for reload", path, len(handles))
	if w.bus != nil {
		ctx := core.EventContext{}
		ctx.Data.C[0] = path
		w.bus.Fire(core.EVENT_CODE_SHADER_CHANGED, w, ctx)
	}
}
