// Package remote implements the clients a package syncs against: another
// package's `dpm serve` over HTTP, or a service in the same process.
package remote

import (
	"errors"

	"dpm-go/internal/dpm"
)

// Wire paths served by `dpm serve` and used by HTTPRemote.
const (
	ManifestPath = "/-/manifest/"
	HistoryPath  = "/-/history/"
	SyncPath     = "/-/sync/"
)

// SyncRequest is the body of POST /-/sync/.
type SyncRequest struct {
	Changes []dpm.Change `json:"changes"`
}

// SyncResponse is the body of a successful POST /-/sync/.
type SyncResponse struct {
	Versions map[string]dpm.Version `json:"versions"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Path      string         `json:"path,omitempty"`
	Conflicts []dpm.Conflict `json:"conflicts,omitempty"`
}

// NewErrorResponse describes err for the wire.
func NewErrorResponse(err error) *ErrorResponse {
	resp := &ErrorResponse{Kind: dpm.ErrorKindOf(err).String(), Message: err.Error()}
	var (
		conflict *dpm.ConflictError
		notFound *dpm.NotFoundError
	)
	if errors.As(err, &conflict) {
		resp.Conflicts = conflict.Conflicts
	}
	if errors.As(err, &notFound) {
		resp.Path = notFound.Path
	}
	return resp
}

// Err turns a decoded error body back into the domain error it describes.
func (r *ErrorResponse) Err() error {
	switch r.Kind {
	case dpm.KindConflict.String():
		return &dpm.ConflictError{Conflicts: r.Conflicts}
	case dpm.KindNotFound.String():
		path := r.Path
		if path == "" {
			path = r.Message
		}
		return &dpm.NotFoundError{Path: path}
	case dpm.KindUsage.String():
		return &dpm.UsageError{Message: r.Message}
	case dpm.KindPackage.String():
		return &dpm.PackageError{Path: r.Path, Message: r.Message}
	default:
		return errors.New(r.Message)
	}
}
