package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewIdentifier returns a unique debug name for a GPU object, e.g. `buffer-1b4e28ba`.
func NewIdentifier(kind string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s", kind, id.String()[:8])
}

// NewUploadID returns the identifier attached to a staging upload.
func NewUploadID() uuid.UUID {
	return uuid.New()
}
