package dpm

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so version assignment is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// NewOperationID returns a random ID tagging every log line of one command
// or server session.
func NewOperationID() string { return uuid.New().String() }

// nextVersion picks the commit version for a file whose latest is current:
// the clock reading, bumped past current if the clock has not moved.
func nextVersion(clock Clock, current Version) Version {
	now := Version(clock.Now().UnixNano())
	if now <= current {
		return current + 1
	}
	return now
}
