package testutil

import (
	"sort"
	"strings"
	"sync"

	"dpm-go/internal/dpm"
)

// MemoryFS is an in-memory package content store.
type MemoryFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ dpm.ContentStore = (*MemoryFS)(nil)

// NewMemoryFS creates an empty content store.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{files: make(map[string][]byte)}
}

// AddFile writes a fixture file.
func (m *MemoryFS) AddFile(name string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = []byte(content)
}

func (m *MemoryFS) Read(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[name]
	if !ok {
		return nil, &dpm.NotFoundError{Path: name}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryFS) Write(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *MemoryFS) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[name]
	return ok, nil
}

// List returns document paths, skipping the package's internal directories.
func (m *MemoryFS) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.files {
		top, _, _ := strings.Cut(name, "/")
		switch top {
		case dpm.HistoryDir, dpm.TracksDir, dpm.BuildDir, dpm.StateDir, dpm.CRDir:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Content returns the file's content as a string, or "" when absent.
func (m *MemoryFS) Content(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return string(m.files[name])
}
