package core

import (
	"errors"
)

var (
	ErrSwapchainBooting       = errors.New("swapchain resized or recreated, booting")
	ErrOutOfMemory            = errors.New("out of device memory")
	ErrStaleHandle            = errors.New("stale or unknown handle")
	ErrWrongMemoryKind        = errors.New("operation not supported for this memory kind")
	ErrInvalidStateTransition = errors.New("invalid image state transition")
	ErrIncompatibleBinding    = errors.New("incompatible descriptor binding across stages")
	ErrReflection             = errors.New("shader reflection failed")
	ErrLayoutChanged          = errors.New("pipeline layout changed, descriptor sets must be rebuilt")
	ErrDeviceLost             = errors.New("device lost")
	ErrOutOfRange             = errors.New("range exceeds resource size")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotRecording           = errors.New("frame context is not recording")
	ErrUnknown                = errors.New("unknown")
)

// IsFatal reports whether err should stop the frame loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrOutOfMemory)
}
