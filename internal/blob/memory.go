package blob

import (
	"context"
	"maps"
	"sync"

	"github.com/ashfox/meshgate/internal/clock"
)

// MemoryStore is the in-process blob store used by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Pointer]*Blob
	clock clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{blobs: make(map[Pointer]*Blob), clock: clk}
}

func (s *MemoryStore) Put(_ context.Context, ptr Pointer, blob *Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *blob
	stored.Bytes = append([]byte(nil), blob.Bytes...)
	stored.Metadata = maps.Clone(blob.Metadata)
	stored.UpdatedAt = s.clock.Now()
	s.blobs[ptr] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ptr Pointer) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[ptr]
	if !ok {
		return nil, nil
	}
	out := *blob
	out.Bytes = append([]byte(nil), blob.Bytes...)
	out.Metadata = maps.Clone(blob.Metadata)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ptr Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ptr)
	return nil
}
