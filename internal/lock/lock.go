// Package lock serializes access to a package's stores. Readers share the
// lock and writers hold it alone, both between goroutines of one process and
// between processes (a CLI invocation and a running server).
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	// FileName is the lock file inside the package state directory.
	FileName = "lock"

	// Timeout bounds how long Read and Write wait for another process.
	Timeout = 30 * time.Second

	pollInterval = 50 * time.Millisecond
)

// Store is a reader/writer lock over one package.
type Store struct {
	mu   sync.RWMutex
	file *flock.Flock // nil: in-process only

	// the file lock is taken by the first reader and dropped by the last
	rmu     sync.Mutex
	readers int
}

// New creates a Store locking the file at path. An empty path locks within
// the process only.
func New(path string) (*Store, error) {
	if path == "" {
		return &Store{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Store{file: flock.New(path)}, nil
}

// NewInProcess creates a Store with no lock file.
func NewInProcess() *Store {
	return &Store{}
}

// Path returns the lock file path, or "" for an in-process Store.
func (s *Store) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Path()
}

// Read runs fn holding the shared lock.
func (s *Store) Read(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.acquireShared(ctx); err != nil {
		return err
	}
	defer s.releaseShared()

	return fn()
}

// Write runs fn holding the exclusive lock.
func (s *Store) Write(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		ctx, cancel := context.WithTimeout(ctx, Timeout)
		defer cancel()
		locked, err := s.file.TryLockContext(ctx, pollInterval)
		if err != nil || !locked {
			return fmt.Errorf("timeout waiting for exclusive lock on %s (another dpm process is running): %w", s.file.Path(), lockErr(err))
		}
		defer s.file.Unlock()
	}

	return fn()
}

func (s *Store) acquireShared(ctx context.Context) error {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.file != nil && s.readers == 0 {
		ctx, cancel := context.WithTimeout(ctx, Timeout)
		defer cancel()
		locked, err := s.file.TryRLockContext(ctx, pollInterval)
		if err != nil || !locked {
			return fmt.Errorf("timeout waiting for shared lock on %s (another dpm process is writing): %w", s.file.Path(), lockErr(err))
		}
	}
	s.readers++
	return nil
}

func (s *Store) releaseShared() {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	s.readers--
	if s.file != nil && s.readers == 0 {
		_ = s.file.Unlock()
	}
}

func lockErr(err error) error {
	if err == nil {
		return context.DeadlineExceeded
	}
	return err
}
