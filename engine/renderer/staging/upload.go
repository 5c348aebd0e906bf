package staging

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
)

type UploadState uint8

const (
	UploadPending UploadState = iota
	UploadComplete
)

func (s UploadState) String() string {
	if s == UploadComplete {
		return "complete"
	}
	return "pending"
}

type stagingBuffer struct {
	native metadata.Buffer
	alloc  *memory.Allocation
	size   uint64
}

// Destination is the resource range an upload writes. Exactly one of Buffer and Image is set.
type Destination struct {
	Name   string
	Buffer resources.BufferHandle
	Image  resources.ImageHandle
	// Offset is in bytes into Buffer, always 0 for images
	Offset uint64
	Size   uint64
}

func (d Destination) IsImage() bool {
	return !d.Image.IsZero()
}

func (d Destination) String() string {
	if d.IsImage() {
		return fmt.Sprintf("image `%s`", d.Name)
	}
	return fmt.Sprintf("buffer `%s` [%d, %d)", d.Name, d.Offset, d.Offset+d.Size)
}

/**
 * @brief A transfer in flight. The destination must not be read by the GPU before the
 * upload's semaphore was waited on, or on the CPU before Poll reports it complete.
 */
type PendingUpload struct {
	ID uuid.UUID

	dest      Destination
	queue     metadata.QueueKind
	fence     metadata.Fence
	semaphore metadata.Semaphore
	staging   *stagingBuffer
	finish    func()
	complete  bool
	waiters   sync.WaitGroup
}

func (u *PendingUpload) Destination() Destination {
	return u.dest
}

// Queue is the queue the copy was submitted to.
func (u *PendingUpload) Queue() metadata.QueueKind {
	return u.queue
}

func (u *PendingUpload) Size() uint64 {
	return u.dest.Size
}

func (u *PendingUpload) String() string {
	return fmt.Sprintf("upload %s (%d bytes to %s)", u.ID.String()[:8], u.dest.Size, u.dest)
}
