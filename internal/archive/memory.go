package archive

import (
	"context"
	"sync"

	"dpm-go/internal/dpm"
)

type blobKey struct {
	filename string
	version  dpm.Version
}

// MemoryArchive keeps blobs in memory. Useful for tests and throwaway
// packages. Safe for concurrent use.
type MemoryArchive struct {
	mu    sync.RWMutex
	blobs map[blobKey][]byte
}

var _ dpm.Archive = (*MemoryArchive)(nil)

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{blobs: make(map[blobKey][]byte)}
}

func (m *MemoryArchive) Put(ctx context.Context, filename string, version dpm.Version, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blobKey{filename, version}
	if _, ok := m.blobs[key]; ok {
		return nil
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryArchive) Get(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[blobKey{filename, version}]
	if !ok {
		return nil, &dpm.NotFoundError{Path: filename, Version: dpm.VersionPtr(version)}
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (m *MemoryArchive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
