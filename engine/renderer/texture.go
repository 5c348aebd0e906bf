package renderer

import (
	"runtime"
	"sync"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

// TextureRequest is a texture decoded in the background. The image is created and its upload
// recorded by the first BeginFrame after decoding finished.
type TextureRequest struct {
	Path string

	mu     sync.Mutex
	done   bool
	image  resources.ImageHandle
	upload *staging.PendingUpload
	err    error

	pixels []byte
	extent metadata.Extent2D
}

// Result reports whether the request finished and, if so, the image and its upload.
func (t *TextureRequest) Result() (resources.ImageHandle, *staging.PendingUpload, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.image, t.upload, t.done, t.err
}

func (t *TextureRequest) finish(h resources.ImageHandle, up *staging.PendingUpload, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.image, t.upload, t.err, t.done = h, up, err, true
	t.pixels = nil
}

func newJobSystem() *core.JobSystem {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	js, err := core.NewJobSystem(workers, 64)
	if err != nil {
		// only fails on a non-positive worker count
		panic(err)
	}
	return js
}

// LoadTextureAsync decodes path on a worker. Decoding errors are reported by the request.
func (r *Renderer) LoadTextureAsync(path string) (*TextureRequest, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	req := &TextureRequest{Path: path}
	err := r.jobs.Submit(core.Job{
		Name: "decode " + path,
		Run: func() (interface{}, error) {
			pixels, extent, err := staging.LoadImageFile(path)
			if err != nil {
				return nil, err
			}
			req.pixels, req.extent = pixels, extent
			return req, nil
		},
		OnComplete: func(interface{}) {
			r.texMu.Lock()
			r.decoded = append(r.decoded, req)
			r.texMu.Unlock()
		},
		OnFailure: func(err error) {
			req.finish(resources.ImageHandle{}, nil, err)
		},
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// createDecoded turns finished decodes into images. Runs on the frame loop.
func (r *Renderer) createDecoded() error {
	r.texMu.Lock()
	ready := r.decoded
	r.decoded = nil
	r.texMu.Unlock()

	for i, req := range ready {
		h, err := r.CreateImage(metadata.ImageDesc{
			Name:   req.Path,
			Extent: req.extent,
			Format: metadata.FormatR8G8B8A8Srgb,
			Usage:  metadata.ImageUsageSampled | metadata.ImageUsageTransferDst,
		})
		if err != nil {
			req.finish(resources.ImageHandle{}, nil, err)
			if core.IsFatal(err) {
				r.failDecoded(ready[i+1:], err)
				return err
			}
			continue
		}
		up, err := r.UploadImage(h, req.pixels)
		if err != nil {
			_ = r.DestroyImage(h)
			req.finish(resources.ImageHandle{}, nil, err)
			if core.IsFatal(err) {
				r.failDecoded(ready[i+1:], err)
				return err
			}
			continue
		}
		req.finish(h, up, nil)
	}
	return nil
}

func (r *Renderer) failDecoded(reqs []*TextureRequest, err error) {
	for _, req := range reqs {
		req.finish(resources.ImageHandle{}, nil, err)
	}
}
