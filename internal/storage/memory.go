package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend implements the PageStore interface using an in-memory map.
// An optional byte limit guards against unbounded growth.
type MemoryBackend struct {
	mu           sync.RWMutex
	pages        map[int64][]byte
	currentSize  int64
	maxSizeBytes int64
}

// NewMemoryBackend creates a new MemoryBackend. A maxSizeBytes of zero means
// no limit.
func NewMemoryBackend(maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		pages:        make(map[int64][]byte),
		maxSizeBytes: maxSizeBytes,
	}
}

// PutPage stores a copy of data in memory.
func (b *MemoryBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Account for size change if replacing an existing page.
	delta := int64(len(dataCopy))
	if existing, found := b.pages[id]; found {
		delta -= int64(len(existing))
	}

	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}

	b.pages[id] = dataCopy
	b.currentSize += delta
	return nil
}

// GetPage returns a copy of the stored page so callers cannot mutate it.
func (b *MemoryBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, found := b.pages[id]
	if !found {
		return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy, nil
}

// DeletePage removes a page from memory. Idempotent.
func (b *MemoryBackend) DeletePage(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data, found := b.pages[id]; found {
		b.currentSize -= int64(len(data))
		delete(b.pages, id)
	}
	return nil
}

// Len returns the number of stored pages.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pages)
}

// HealthCheck always returns nil for the memory backend since there is no
// external dependency to verify.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Ensure MemoryBackend implements PageStore at compile time.
var _ PageStore = (*MemoryBackend)(nil)
