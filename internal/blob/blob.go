// Package blob is the binary artifact store used for render previews and
// exported assets.
package blob

import (
	"context"
	"time"
)

// Pointer addresses one stored blob.
type Pointer struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Blob is the stored value. Metadata is small string-to-string data the
// caller wants back verbatim.
type Blob struct {
	Bytes        []byte            `json:"-"`
	ContentType  string            `json:"contentType"`
	CacheControl string            `json:"cacheControl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Store is the persistence port for blobs. Put upserts; Get returns nil
// for a missing pointer.
type Store interface {
	Put(ctx context.Context, ptr Pointer, blob *Blob) error
	Get(ctx context.Context, ptr Pointer) (*Blob, error)
	Delete(ctx context.Context, ptr Pointer) error
}
