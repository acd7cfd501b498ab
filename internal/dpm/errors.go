package dpm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure classes surfaced by the core.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindUsage
	KindPackage
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUsage:
		return "UsageError"
	case KindPackage:
		return "PackageError"
	case KindConflict:
		return "ConflictError"
	default:
		return "Error"
	}
}

// NotFoundError reports a path or archived version absent from a store.
type NotFoundError struct {
	Path    string
	Version *Version
}

func (e *NotFoundError) Error() string {
	if e.Version != nil {
		return fmt.Sprintf("%s not found at version %s", e.Path, e.Version)
	}
	return fmt.Sprintf("%s not found", e.Path)
}

// UsageError reports a violated precondition of an operation.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// PackageError reports a malformed or unreadable package record.
type PackageError struct {
	Path    string
	Message string
	Err     error
}

func (e *PackageError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PackageError) Unwrap() error { return e.Err }

// Conflict describes one file whose remote version moved away from the
// version the local change was based on.
type Conflict struct {
	Filename      string  `json:"filename"`
	LocalVersion  Version `json:"local_version"`
	RemoteVersion Version `json:"remote_version"`
	LocalDeleted  bool    `json:"local_deleted,omitempty"`
	RemoteDeleted bool    `json:"remote_deleted,omitempty"`
}

// ConflictError is returned when a sync or commit detects divergent versions.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		names[i] = fmt.Sprintf("%s (local %s, remote %s)", c.Filename, c.LocalVersion, c.RemoteVersion)
	}
	return "conflict: " + strings.Join(names, ", ")
}

// ErrorKindOf classifies err by the first domain error found in its chain.
func ErrorKindOf(err error) ErrorKind {
	var (
		notFound *NotFoundError
		usage    *UsageError
		pkg      *PackageError
		conflict *ConflictError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &usage):
		return KindUsage
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &pkg):
		return KindPackage
	default:
		return KindUnknown
	}
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}
