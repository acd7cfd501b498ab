package testutil

import (
	"sync"
	"time"

	"dpm-go/internal/dpm"
)

// StubClock returns a fixed time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ dpm.Clock = (*StubClock)(nil)

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

// VersionClock returns a StubClock whose next version reading is v.
func VersionClock(v dpm.Version) *StubClock {
	return NewStubClock(time.Unix(0, int64(v)))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetVersion moves the clock so that it reads v.
func (c *StubClock) SetVersion(v dpm.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(0, int64(v))
}
